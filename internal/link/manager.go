package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Default association policy: ten attempts, three seconds apart.
const (
	DefaultAssociateAttempts = 10
	DefaultRetryDelay        = 3 * time.Second
)

// Manager brings the wireless link up and reports its health. It is not
// safe for concurrent use; the agent loop is its only caller.
type Manager struct {
	open   Opener
	logger *slog.Logger

	radio Radio
	state State
	addr  netip.Addr
}

// New creates a Manager that opens its radio with open. Nothing is
// touched until [Manager.Initialize] is called.
func New(open Opener, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		open:   open,
		logger: logger,
	}
}

// Initialize opens the co-processor transport and probes it. Any
// failure is reported as [ErrHardwareAbsent]; the Manager makes no
// retry of its own. Calling Initialize again closes the previous radio
// first.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	if m.radio != nil {
		if err := m.radio.Close(); err != nil {
			m.logger.Debug("closing previous radio", "error", err)
		}
		m.radio = nil
	}
	m.state = StateUninitialized
	m.addr = netip.Addr{}

	radio, err := m.open(cfg)
	if err != nil {
		m.state = StateFailed
		return fmt.Errorf("open co-processor on %s: %w: %v", cfg.Serial.Device, ErrHardwareAbsent, err)
	}

	if err := radio.Probe(ctx); err != nil {
		_ = radio.Close()
		m.state = StateFailed
		return fmt.Errorf("probe co-processor on %s: %w: %v", cfg.Serial.Device, ErrHardwareAbsent, err)
	}

	m.radio = radio
	m.logger.Info("wifi co-processor ready",
		"device", cfg.Serial.Device,
		"baud", cfg.Serial.BaudRate,
	)
	return nil
}

// Associate attempts to join cfg.SSID up to maxAttempts times, waiting
// retryDelay between attempts. It returns nil as soon as an attempt
// succeeds and [ErrAssociationTimeout] once every attempt has failed.
// No delay follows the final attempt. A maxAttempts below one is
// treated as one.
func (m *Manager) Associate(ctx context.Context, cfg Config, maxAttempts int, retryDelay time.Duration) error {
	if m.radio == nil {
		return ErrNotInitialized
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	m.state = StateAssociating
	m.addr = netip.Addr{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := m.radio.Join(ctx, cfg.SSID, cfg.Passphrase)
		if err == nil {
			m.state = StateAssociated
			m.resolveAddress(ctx)
			m.logger.Info("wifi associated",
				"ssid", cfg.SSID,
				"address", m.addr,
				"after_attempts", attempt,
			)
			return nil
		}

		if ctx.Err() != nil {
			m.state = StateFailed
			return ctx.Err()
		}

		if attempt == maxAttempts {
			m.logger.Warn("wifi association failed",
				"ssid", cfg.SSID,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		m.logger.Debug("wifi association attempt failed, retrying",
			"ssid", cfg.SSID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"next_delay", retryDelay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, retryDelay) {
			m.state = StateFailed
			return ctx.Err()
		}
	}

	m.state = StateFailed
	return fmt.Errorf("join %q after %d attempts: %w", cfg.SSID, maxAttempts, ErrAssociationTimeout)
}

func (m *Manager) resolveAddress(ctx context.Context) {
	addr, err := m.radio.LocalIP(ctx)
	if err != nil {
		m.logger.Warn("wifi associated but address unavailable", "error", err)
		return
	}
	m.addr = addr
}

// Refresh asks the radio whether the station is still associated and
// demotes the link to [StateFailed] if it is not. It is a no-op unless
// the link is currently associated.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.state != StateAssociated {
		return nil
	}
	joined, err := m.radio.Joined(ctx)
	if err != nil {
		m.markDown("status query failed", err)
		return fmt.Errorf("query association status: %w", err)
	}
	if !joined {
		m.markDown("station dropped", nil)
	}
	return nil
}

func (m *Manager) markDown(reason string, err error) {
	m.state = StateFailed
	m.addr = netip.Addr{}
	m.logger.Warn("wifi link lost", "reason", reason, "error", err)
}

// IsAssociated reports whether the station is joined. It performs no I/O.
func (m *Manager) IsAssociated() bool {
	return m.state == StateAssociated
}

// State returns the current link state.
func (m *Manager) State() State {
	return m.state
}

// LocalAddress returns the station address. It is only present while
// the link is associated.
func (m *Manager) LocalAddress() (netip.Addr, bool) {
	if m.state != StateAssociated || !m.addr.IsValid() {
		return netip.Addr{}, false
	}
	return m.addr, true
}

// Dial opens a byte stream to host:port over the associated link.
func (m *Manager) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	if m.state != StateAssociated {
		return nil, ErrNotAssociated
	}
	conn, err := m.radio.Dial(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// Close releases the radio.
func (m *Manager) Close() error {
	if m.radio == nil {
		return nil
	}
	err := m.radio.Close()
	m.radio = nil
	m.state = StateUninitialized
	m.addr = netip.Addr{}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
