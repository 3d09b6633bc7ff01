// Package session maintains the MQTT broker session on top of the
// wireless link. A [Manager] is a small state machine driven from the
// agent loop: [Manager.Tick] repairs the session, [Manager.Publish]
// writes through it, and [Manager.PumpKeepalive] notices when the
// broker or transport has gone away.
//
// Reconnection is unbounded by default. Link association is bounded
// and fails fast; a broker outage is treated as transient and retried
// forever at a fixed interval.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Defaults applied by the config layer.
const (
	DefaultPort           = 1883
	DefaultClientID       = "esp8266Client"
	DefaultKeepAlive      = 60 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Publish when no session is up.
	ErrNotConnected = errors.New("broker session not connected")

	// ErrTransportFailure means a write on a connected session failed.
	// The session has been demoted and the next Tick reconnects.
	ErrTransportFailure = errors.New("broker transport failure")
)

// State is the broker session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds broker connection settings.
type Config struct {
	Host     string
	Port     int
	ClientID string

	KeepAlive      time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration

	// MaxReconnectAttempts caps consecutive failed connection attempts
	// while the link stays up. Zero means unbounded.
	MaxReconnectAttempts int
}

// Link is the part of the link manager the session depends on.
type Link interface {
	IsAssociated() bool
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// ConnectOptions are the CONNECT parameters handed to a Broker.
type ConnectOptions struct {
	ClientID  string
	KeepAlive time.Duration
}

// Broker performs the MQTT handshake over an already open byte stream.
type Broker interface {
	Connect(ctx context.Context, conn net.Conn, opts ConnectOptions) (Client, error)
}

// Client is a live MQTT session.
type Client interface {
	// Publish sends payload to topic at most once.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Lost delivers at most one error once the session has failed
	// outside a Publish call (missed keepalive, server DISCONNECT).
	Lost() <-chan error
	// Close disconnects gracefully and releases the transport.
	Close(ctx context.Context) error
}

// ConnectError is a CONNACK refusal.
type ConnectError struct {
	ReasonCode byte
}

func (e *ConnectError) Error() string {
	if name, ok := reasonNames[e.ReasonCode]; ok {
		return fmt.Sprintf("broker refused connection: %s (0x%02X)", name, e.ReasonCode)
	}
	return fmt.Sprintf("broker refused connection: reason code 0x%02X", e.ReasonCode)
}

// DisconnectError reports a DISCONNECT sent by the broker.
type DisconnectError struct {
	ReasonCode byte
}

func (e *DisconnectError) Error() string {
	if name, ok := reasonNames[e.ReasonCode]; ok {
		return fmt.Sprintf("broker disconnected: %s (0x%02X)", name, e.ReasonCode)
	}
	return fmt.Sprintf("broker disconnected: reason code 0x%02X", e.ReasonCode)
}

var reasonNames = map[byte]string{
	0x80: "unspecified error",
	0x81: "malformed packet",
	0x82: "protocol error",
	0x84: "unsupported protocol version",
	0x85: "client identifier not valid",
	0x86: "bad user name or password",
	0x87: "not authorized",
	0x88: "server unavailable",
	0x89: "server busy",
	0x8A: "banned",
	0x8B: "server shutting down",
	0x8D: "keep alive timeout",
	0x8E: "session taken over",
	0x9C: "use another server",
	0x9F: "connection rate exceeded",
}

// Manager owns the broker session. It is not safe for concurrent use;
// the agent loop is its only caller.
type Manager struct {
	cfg    Config
	link   Link
	broker Broker
	logger *slog.Logger

	state    State
	client   Client
	failures int
	gaveUp   bool
}

// New creates a Manager in [StateDisconnected]. Nothing is dialed until
// the first [Manager.Tick].
func New(cfg Config, link Link, broker Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		link:   link,
		broker: broker,
		logger: logger,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	return m.state
}

// Tick advances the session by at most one connection attempt and
// returns the resulting state.
//
// With the link down the session is forced to [StateDisconnected]. A
// connected session is left alone. Otherwise one dial and one handshake
// are attempted. A handshake failure leaves the session in
// [StateConnecting]; failing to open a byte stream to the broker at all
// leaves it [StateDisconnected]. Either failure is followed by a sleep
// of ReconnectDelay, cut short if ctx is cancelled.
func (m *Manager) Tick(ctx context.Context) State {
	if !m.link.IsAssociated() {
		if m.state != StateDisconnected {
			m.drop(ctx, "link not associated")
		}
		m.failures = 0
		m.gaveUp = false
		return m.state
	}

	if m.state == StateConnected {
		return m.state
	}

	if m.cfg.MaxReconnectAttempts > 0 && m.failures >= m.cfg.MaxReconnectAttempts {
		if !m.gaveUp {
			m.logger.Error("broker reconnect attempts exhausted, waiting for link to re-associate",
				"broker", m.address(),
				"attempts", m.failures,
			)
			m.gaveUp = true
		}
		return m.state
	}

	m.state = StateConnecting
	if err := m.connect(ctx); err != nil {
		m.failures++
		attrs := []any{
			"broker", m.address(),
			"attempt", m.failures,
			"retry_in", m.cfg.ReconnectDelay.String(),
			"error", err,
		}
		var ce *ConnectError
		if errors.As(err, &ce) {
			attrs = append(attrs, "reason_code", fmt.Sprintf("0x%02X", ce.ReasonCode))
		}
		m.logger.Warn("broker connection failed", attrs...)
		sleepCtx(ctx, m.cfg.ReconnectDelay)
		return m.state
	}

	m.state = StateConnected
	m.logger.Info("broker connected",
		"broker", m.address(),
		"client_id", m.cfg.ClientID,
		"after_attempts", m.failures+1,
	)
	m.failures = 0
	return m.state
}

func (m *Manager) connect(ctx context.Context) error {
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := m.link.Dial(ctx, m.cfg.Host, m.cfg.Port)
	if err != nil {
		m.state = StateDisconnected
		return fmt.Errorf("open transport: %w", err)
	}

	client, err := m.broker.Connect(ctx, conn, ConnectOptions{
		ClientID:  m.cfg.ClientID,
		KeepAlive: m.cfg.KeepAlive,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqtt handshake: %w", err)
	}

	m.client = client
	return nil
}

// Publish sends payload to topic on the live session. It never dials:
// without a connected session it returns [ErrNotConnected] and writes
// nothing. A failed write demotes the session to [StateDisconnected]
// and returns an error wrapping both [ErrTransportFailure] and the
// cause.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.state != StateConnected || m.client == nil {
		return ErrNotConnected
	}
	if err := m.client.Publish(ctx, topic, payload); err != nil {
		m.drop(ctx, "publish failed")
		return fmt.Errorf("publish to %s: %w: %w", topic, ErrTransportFailure, err)
	}
	m.logger.Debug("telemetry published", "topic", topic, "bytes", len(payload))
	return nil
}

// PumpKeepalive services session liveness and must be called every
// cycle. PINGREQ scheduling runs inside the client; this observes any
// failure it has reported and demotes the session so the next Tick
// reconnects.
func (m *Manager) PumpKeepalive(ctx context.Context) State {
	if m.client == nil {
		return m.state
	}
	select {
	case err := <-m.client.Lost():
		m.logger.Warn("broker session lost", "broker", m.address(), "error", err)
		m.drop(ctx, "session lost")
	default:
	}
	return m.state
}

// Close disconnects gracefully if a session is up. ctx bounds the
// DISCONNECT write.
func (m *Manager) Close(ctx context.Context) error {
	if m.client == nil {
		m.state = StateDisconnected
		return nil
	}
	err := m.client.Close(ctx)
	m.client = nil
	m.state = StateDisconnected
	m.logger.Info("broker session closed", "broker", m.address())
	return err
}

func (m *Manager) drop(ctx context.Context, reason string) {
	if m.client != nil {
		if err := m.client.Close(ctx); err != nil {
			m.logger.Debug("closing broker client", "error", err)
		}
		m.client = nil
	}
	if m.state != StateDisconnected {
		m.logger.Info("broker session down", "broker", m.address(), "reason", reason)
	}
	m.state = StateDisconnected
}

func (m *Manager) address() string {
	return fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
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
