package telemetry

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

// TagEvent is a single RFID detection. It only lives for the duration
// of the poll that produced it.
type TagEvent struct {
	ReaderLabel string
	UID         []byte
}

// UIDString renders the UID as upper-case hex pairs separated by
// spaces, e.g. "04 A1 B2 C3". This is the console format operators
// already know from the reader firmware.
func (e TagEvent) UIDString() string {
	var b strings.Builder
	for i, c := range e.UID {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

type tagPayload struct {
	UID string `json:"uid"`
	TS  uint64 `json:"ts"`
}

// TagTopicFor returns the scan topic for a reader label.
func TagTopicFor(readerLabel string) string {
	return topicVersion + "/acc/rfid/" + readerLabel + "/scan"
}

// EncodeTag returns the JSON body for a tag detection at ts seconds.
// The UID is rendered as contiguous upper-case hex.
func EncodeTag(e TagEvent, ts uint64) []byte {
	// Marshal cannot fail for a string and an integer.
	b, _ := json.Marshal(tagPayload{
		UID: strings.ToUpper(hex.EncodeToString(e.UID)),
		TS:  ts,
	})
	return b
}
