package sensor

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/envlink/internal/telemetry"
)

const tagQueueSize = 16

// LineTagReader reads tag UIDs from a line-oriented stream such as a
// USB-serial RFID reader that prints one hex UID per line. Lines may
// separate bytes with spaces, colons or dashes. Detections queue until
// polled; when the queue is full new detections are dropped.
type LineTagReader struct {
	label  string
	src    io.Reader
	events chan telemetry.TagEvent
	done   chan struct{}
	logger *slog.Logger
}

// NewLineTagReader starts reading r in a background goroutine. label
// identifies the reader in published events.
func NewLineTagReader(label string, r io.Reader, logger *slog.Logger) *LineTagReader {
	if logger == nil {
		logger = slog.Default()
	}
	t := &LineTagReader{
		label:  label,
		src:    r,
		events: make(chan telemetry.TagEvent, tagQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.scan()
	return t
}

func (t *LineTagReader) scan() {
	defer close(t.done)
	sc := bufio.NewScanner(t.src)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		uid, err := ParseUID(line)
		if err != nil {
			t.logger.Debug("ignoring tag reader line", "reader", t.label, "line", line, "error", err)
			continue
		}
		select {
		case t.events <- telemetry.TagEvent{ReaderLabel: t.label, UID: uid}:
		default:
			t.logger.Warn("tag queue full, dropping detection", "reader", t.label)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.logger.Warn("tag reader stopped", "reader", t.label, "error", err)
	}
}

// PollForTag returns the oldest queued detection, if any.
func (t *LineTagReader) PollForTag() (telemetry.TagEvent, bool) {
	select {
	case ev := <-t.events:
		return ev, true
	default:
		return telemetry.TagEvent{}, false
	}
}

// Close closes the underlying stream, if it is closable, and waits for
// the reader goroutine to finish.
func (t *LineTagReader) Close() error {
	c, ok := t.src.(io.Closer)
	if !ok {
		return nil
	}
	err := c.Close()
	<-t.done
	return err
}

// ParseUID decodes a hex UID such as "04A1B2C3", "04 A1 B2 C3" or
// "04:a1:b2:c3". UIDs are 4 to 10 bytes long.
func ParseUID(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-':
			return -1
		}
		return r
	}, s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	uid, err := hex.DecodeString(clean)
	if err != nil {
		return nil, err
	}
	if len(uid) < 4 || len(uid) > 10 {
		return nil, errors.New("uid length out of range")
	}
	return uid, nil
}
