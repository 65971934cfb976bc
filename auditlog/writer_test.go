package auditlog_test

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/coapcore/coapd/auditlog"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log.gz")

	w, err := auditlog.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	want := []auditlog.Record{
		{Timestamp: time.Unix(1, 0).UTC(), Remote: "127.0.0.1:5683", MessageID: 1, Token: "ab", RequestCode: "0.01", ResponseCode: "2.05", Outcome: "completed"},
		{Timestamp: time.Unix(2, 0).UTC(), Remote: "127.0.0.1:5683", MessageID: 2, Token: "cd", RequestCode: "0.02", Outcome: "failed"},
	}
	for _, rec := range want {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := auditlog.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var got []auditlog.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) || got[i].Remote != want[i].Remote ||
			got[i].MessageID != want[i].MessageID || got[i].Outcome != want[i].Outcome {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}
