package sensor

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nugget/envlink/internal/telemetry"
)

func TestParseUID(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"04A1B2C3", []byte{0x04, 0xA1, 0xB2, 0xC3}, false},
		{"04 a1 b2 c3", []byte{0x04, 0xA1, 0xB2, 0xC3}, false},
		{"04:A1:B2:C3:D4:E5:F6", []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}, false},
		{"0x0A1B2C3D", []byte{0x0A, 0x1B, 0x2C, 0x3D}, false},
		{"04A1B2", nil, true},
		{"hello world", nil, true},
		{"04A1B2C", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseUID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("ParseUID(%q) = % X, want % X", tt.in, got, tt.want)
		}
	}
}

// pollUntil polls r until a tag arrives or the deadline passes.
func pollUntil(t *testing.T, r *LineTagReader) (telemetry.TagEvent, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := r.PollForTag(); ok {
			return ev, true
		}
		time.Sleep(time.Millisecond)
	}
	return telemetry.TagEvent{}, false
}

func TestLineTagReader(t *testing.T) {
	src := strings.NewReader("04A1B2C3\n\nnoise\n0A 1B 2C 3D\n")
	r := NewLineTagReader("gate", src, quietLogger())

	first, ok := pollUntil(t, r)
	if !ok {
		t.Fatal("no tag reported")
	}
	if first.ReaderLabel != "gate" || first.UIDString() != "04 A1 B2 C3" {
		t.Errorf("first = %+v", first)
	}

	second, ok := pollUntil(t, r)
	if !ok {
		t.Fatal("second tag not reported")
	}
	if second.UIDString() != "0A 1B 2C 3D" {
		t.Errorf("second UID = %s", second.UIDString())
	}

	if ev, ok := r.PollForTag(); ok {
		t.Errorf("unexpected extra tag %+v", ev)
	}
}

func TestLineTagReader_Close(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewLineTagReader("gate", pr, quietLogger())

	if _, ok := r.PollForTag(); ok {
		t.Fatal("tag reported before any input")
	}
	if _, err := pw.Write([]byte("04A1B2C3\n")); err != nil {
		t.Fatal(err)
	}
	if _, ok := pollUntil(t, r); !ok {
		t.Fatal("tag not reported")
	}

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}
}

func TestNopTagReader(t *testing.T) {
	if _, ok := (NopTagReader{}).PollForTag(); ok {
		t.Error("NopTagReader reported a tag")
	}
}
