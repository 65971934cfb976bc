// Package auditlog records completed CoAP exchanges to a compressed,
// length-framed append log, adapted from the teacher's audit record
// Writer: the same buffered+gzip file pipeline, with json-iterator
// replacing protobuf as the per-record envelope since a Go reimplementation
// cannot regenerate the teacher's protoc-generated message types
// (DESIGN.md).
package auditlog

import (
	"bufio"
	"encoding/binary"
	"os"
	"runtime"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultCompressionBlockSize mirrors the teacher's writer.go guidance:
// useful concurrency needs at least 100k per block.
const DefaultCompressionBlockSize = 1 << 20

// Record is one logged exchange: a completed request/response pair or a
// terminal RST (spec.md §7).
type Record struct {
	Timestamp   time.Time `json:"ts"`
	Remote      string    `json:"remote"`
	MessageID   uint16    `json:"message_id"`
	Token       string    `json:"token"`
	RequestCode string    `json:"request_code"`
	ResponseCode string   `json:"response_code,omitempty"`
	Outcome     string    `json:"outcome"` // "completed", "failed", "reset"
}

// Writer appends Records to a compressed file, one length-prefixed JSON
// blob per record, mirroring the teacher's delimited-writer framing.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	bWriter *bufio.Writer
	gWriter *gzip.Writer
}

// NewWriter opens (creating if needed) path for appending.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "auditlog: opening %s", path)
	}

	bw := bufio.NewWriterSize(f, 1<<16)
	gw := gzip.NewWriter(bw)
	if err := gw.SetConcurrency(DefaultCompressionBlockSize, runtime.GOMAXPROCS(0)*2); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "auditlog: configuring compression")
	}

	return &Writer{file: f, bWriter: bw, gWriter: gw}, nil
}

// Write appends rec as a length-prefixed JSON record.
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "auditlog: marshaling record")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := w.gWriter.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "auditlog: writing record length")
	}
	if _, err := w.gWriter.Write(data); err != nil {
		return errors.Wrap(err, "auditlog: writing record body")
	}

	return nil
}

// Flush pushes buffered data through the gzip and buffered writers
// without closing the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.gWriter.Flush(); err != nil {
		return errors.Wrap(err, "auditlog: flushing gzip writer")
	}
	return errors.Wrap(w.bWriter.Flush(), "auditlog: flushing buffered writer")
}

// Close flushes and closes the audit log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.gWriter.Close(); err != nil {
		return errors.Wrap(err, "auditlog: closing gzip writer")
	}
	if err := w.bWriter.Flush(); err != nil {
		return errors.Wrap(err, "auditlog: flushing buffered writer")
	}
	return errors.Wrap(w.file.Close(), "auditlog: closing file")
}
