package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
)

// Simulated is a random-walk Source for bench testing without sensor
// hardware. Each Read drifts temperature by up to ±0.2 °C and humidity
// by up to ±0.5 %RH, rounded to one decimal place.
type Simulated struct {
	// FailureRate is the probability in [0,1] that a Read reports no
	// sample, exercising the invalid-reading path.
	FailureRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	temp float64
	hum  float64
}

// NewSimulated returns a Simulated source starting at temp and hum. The
// same seed always yields the same sequence.
func NewSimulated(temp, hum float64, seed uint64) *Simulated {
	return &Simulated{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temp: temp,
		hum:  hum,
	}
}

func (s *Simulated) Read(ctx context.Context) (Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return Measurement{}, false
	}
	if s.FailureRate > 0 && s.rng.Float64() < s.FailureRate {
		return Measurement{}, false
	}

	s.temp = round1(s.temp + (s.rng.Float64()*0.4 - 0.2))
	s.hum = round1(clamp(s.hum+(s.rng.Float64()-0.5), 0, 100))
	return Measurement{Temperature: s.temp, Humidity: s.hum}, true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
