// Package telemetry builds the outbound MQTT messages published by the
// agent. It is pure: no I/O, no clocks, no shared state. Topic strings
// and payload bodies form the wire contract with the upstream gateway
// and must not change shape without a topic version bump.
//
// Environment readings go to
//
//	v1/env/tmp/<siteId>/data   {"temp":23.4,"hum":55.1,"ts":1718000000}
//
// and RFID detections to
//
//	v1/acc/rfid/<reader>/scan  {"uid":"04A1B2C3","ts":1718000000}
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidReading is returned when a reading carries a non-finite
// temperature or humidity. Such readings are dropped, never encoded.
var ErrInvalidReading = errors.New("invalid reading")

const topicVersion = "v1"

// Reading is one environmental sample for a site.
type Reading struct {
	SiteID      string
	Temperature float64
	Humidity    float64
	Timestamp   uint64 // seconds
}

// Valid reports whether both measurements are finite numbers.
func (r Reading) Valid() bool {
	return isFinite(r.Temperature) && isFinite(r.Humidity)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// payload is the wire shape of an environment reading.
type payload struct {
	Temp float64 `json:"temp"`
	Hum  float64 `json:"hum"`
	TS   uint64  `json:"ts"`
}

// TopicFor returns the data topic for siteID. The identifier is used
// verbatim; callers must check it with [ValidSiteID] first.
func TopicFor(siteID string) string {
	return topicVersion + "/env/tmp/" + siteID + "/data"
}

// ValidSiteID reports whether id can be embedded in a topic level: it
// must be non-empty and free of the separator and wildcard characters.
func ValidSiteID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

// Encode returns the compact JSON body for r. The site identifier is
// carried by the topic, not the payload.
func Encode(r Reading) ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("encode site %q: %w", r.SiteID, ErrInvalidReading)
	}
	return json.Marshal(payload{
		Temp: r.Temperature,
		Hum:  r.Humidity,
		TS:   r.Timestamp,
	})
}

// Decode parses a payload produced by [Encode]. All three fields must
// be present. The returned Reading has an empty SiteID.
func Decode(b []byte) (Reading, error) {
	var p struct {
		Temp *float64 `json:"temp"`
		Hum  *float64 `json:"hum"`
		TS   *uint64  `json:"ts"`
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return Reading{}, fmt.Errorf("decode payload: %w", err)
	}
	switch {
	case p.Temp == nil:
		return Reading{}, fmt.Errorf("decode payload: missing field %q", "temp")
	case p.Hum == nil:
		return Reading{}, fmt.Errorf("decode payload: missing field %q", "hum")
	case p.TS == nil:
		return Reading{}, fmt.Errorf("decode payload: missing field %q", "ts")
	}
	return Reading{Temperature: *p.Temp, Humidity: *p.Hum, Timestamp: *p.TS}, nil
}
