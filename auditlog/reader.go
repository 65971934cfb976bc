package auditlog

import (
	"encoding/binary"
	"io"
	"os"

	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// Reader replays Records previously appended by a Writer.
type Reader struct {
	file *os.File
	gr   *gzip.Reader
}

// NewReader opens path for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "auditlog: opening %s", path)
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "auditlog: opening gzip stream")
	}
	return &Reader{file: f, gr: gr}, nil
}

// Next reads the next Record, returning io.EOF when the log is exhausted.
func (r *Reader) Next() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.gr, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r.gr, data); err != nil {
		return Record{}, errors.Wrap(err, "auditlog: reading record body")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Wrap(err, "auditlog: unmarshaling record")
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if err := r.gr.Close(); err != nil {
		r.file.Close()
		return errors.Wrap(err, "auditlog: closing gzip stream")
	}
	return errors.Wrap(r.file.Close(), "auditlog: closing file")
}
