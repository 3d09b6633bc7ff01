// Package link owns the WiFi co-processor and the station association
// that every outbound byte depends on.
//
// A [Manager] drives a [Radio] through three operations: Initialize
// (open the serial channel and probe the co-processor), Associate
// (join the configured network with a bounded, fixed-interval retry
// policy), and Dial (open a raw TCP byte stream through the radio).
// Association deliberately gives up after a fixed number of attempts so
// that a dead network never hangs the agent loop; the caller decides
// when to try again.
package link

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

var (
	// ErrHardwareAbsent means the co-processor did not answer the
	// identification probe. Nothing can leave the device until it does.
	ErrHardwareAbsent = errors.New("wifi co-processor not present")

	// ErrAssociationTimeout means every association attempt failed.
	ErrAssociationTimeout = errors.New("wifi association timed out")

	// ErrNotInitialized is returned by operations that need a probed radio.
	ErrNotInitialized = errors.New("link not initialized")

	// ErrNotAssociated is returned by Dial while the station is not joined.
	ErrNotAssociated = errors.New("link not associated")
)

// State is the association state of the link.
type State int

const (
	StateUninitialized State = iota
	StateAssociating
	StateAssociated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAssociating:
		return "associating"
	case StateAssociated:
		return "associated"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// SerialConfig describes the UART the co-processor hangs off.
type SerialConfig struct {
	Device   string
	BaudRate int
}

// Config holds the network credentials and co-processor parameters.
type Config struct {
	SSID       string
	Passphrase string
	Serial     SerialConfig
}

// Radio is the co-processor driver. Implementations own their transport
// exclusively; the Manager is their only caller.
type Radio interface {
	// Probe checks that the co-processor responds at all.
	Probe(ctx context.Context) error
	// Join makes one station-mode association attempt.
	Join(ctx context.Context, ssid, passphrase string) error
	// Joined asks the co-processor whether the station is still associated.
	Joined(ctx context.Context) (bool, error)
	// LocalIP returns the station address assigned by the network.
	LocalIP(ctx context.Context) (netip.Addr, error)
	// Dial opens a TCP byte stream to host:port through the radio.
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
	// Close releases the underlying transport.
	Close() error
}

// Opener opens the co-processor transport described by cfg and returns
// a driver for it. It is called by [Manager.Initialize].
type Opener func(cfg Config) (Radio, error)
