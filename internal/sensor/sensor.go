// Package sensor provides the measurement and tag sources the agent
// samples once per cycle. Failure is always explicit: a Source that
// cannot produce a trustworthy value returns ok == false instead of a
// placeholder number.
package sensor

import (
	"context"

	"github.com/nugget/envlink/internal/telemetry"
)

// Measurement is one temperature/humidity sample. Temperature is in
// degrees Celsius, Humidity in percent relative humidity.
type Measurement struct {
	Temperature float64
	Humidity    float64
}

// Source produces measurements. Read returns ok == false when no valid
// sample is available this cycle.
type Source interface {
	Read(ctx context.Context) (m Measurement, ok bool)
}

// TagReader reports RFID tag detections. PollForTag never blocks; the
// absence of a tag is not an error.
type TagReader interface {
	PollForTag() (telemetry.TagEvent, bool)
}

// NopTagReader never reports a tag. It is used when no reader is
// attached.
type NopTagReader struct{}

func (NopTagReader) PollForTag() (telemetry.TagEvent, bool) {
	return telemetry.TagEvent{}, false
}
