package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeLink struct {
	associated bool
	dialErr    error
	dials      int
}

func (l *fakeLink) IsAssociated() bool { return l.associated }

func (l *fakeLink) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	l.dials++
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

type message struct {
	topic   string
	payload string
}

type fakeClient struct {
	publishErr error
	published  []message
	lost       chan error
	closed     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{lost: make(chan error, 1)}
}

func (c *fakeClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, message{topic, string(payload)})
	return nil
}

func (c *fakeClient) Lost() <-chan error { return c.lost }

func (c *fakeClient) Close(ctx context.Context) error { c.closed++; return nil }

type fakeBroker struct {
	connectErr error
	client     *fakeClient
	connects   int
	opts       ConnectOptions
}

func (b *fakeBroker) Connect(ctx context.Context, conn net.Conn, opts ConnectOptions) (Client, error) {
	b.connects++
	b.opts = opts
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	if b.client == nil {
		b.client = newFakeClient()
	}
	return b.client, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCfg = Config{
	Host:     "broker.local",
	Port:     1883,
	ClientID: "esp8266Client",
}

func TestTick_LinkDownThenUp(t *testing.T) {
	link := &fakeLink{}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())

	if got := m.Tick(context.Background()); got != StateDisconnected {
		t.Fatalf("Tick() with link down = %v, want disconnected", got)
	}
	if link.dials != 0 || broker.connects != 0 {
		t.Fatalf("Tick() with link down dialed %d times, connected %d times", link.dials, broker.connects)
	}

	link.associated = true
	if got := m.Tick(context.Background()); got != StateConnected {
		t.Fatalf("Tick() with link up = %v, want connected", got)
	}
	if broker.opts.ClientID != "esp8266Client" {
		t.Errorf("ClientID = %q, want esp8266Client", broker.opts.ClientID)
	}
}

func TestTick_ConnectedIsStable(t *testing.T) {
	link := &fakeLink{associated: true}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())

	m.Tick(context.Background())
	m.Tick(context.Background())
	m.Tick(context.Background())
	if broker.connects != 1 {
		t.Errorf("connects = %d, want 1", broker.connects)
	}
}

func TestTick_NeverConnectedWithoutLink(t *testing.T) {
	link := &fakeLink{}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())

	steps := []struct {
		associated bool
		refuse     bool
	}{
		{true, false},
		{false, false},
		{true, true},
		{false, true},
		{true, false},
		{false, false},
		{false, false},
		{true, true},
		{true, false},
		{false, false},
	}
	for i, step := range steps {
		link.associated = step.associated
		broker.connectErr = nil
		if step.refuse {
			broker.connectErr = &ConnectError{ReasonCode: 0x88}
		}
		got := m.Tick(context.Background())
		if !step.associated && got != StateDisconnected {
			t.Fatalf("step %d: Tick() with link down = %v, want disconnected", i, got)
		}
		if got == StateConnected && !link.IsAssociated() {
			t.Fatalf("step %d: connected while link not associated", i)
		}
	}
	if broker.client.closed != 3 {
		t.Errorf("client closed %d times, want 3", broker.client.closed)
	}
}

func TestTick_HandshakeRefused(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	link := &fakeLink{associated: true}
	broker := &fakeBroker{connectErr: &ConnectError{ReasonCode: 0x87}}
	m := New(testCfg, link, broker, logger)

	if got := m.Tick(context.Background()); got != StateConnecting {
		t.Fatalf("Tick() = %v, want connecting", got)
	}
	if !strings.Contains(buf.String(), "reason_code=0x87") {
		t.Errorf("log missing reason code: %s", buf.String())
	}

	// Unbounded by default: every tick makes exactly one attempt.
	for range 5 {
		m.Tick(context.Background())
	}
	if broker.connects != 6 {
		t.Errorf("connects = %d, want 6", broker.connects)
	}

	broker.connectErr = nil
	if got := m.Tick(context.Background()); got != StateConnected {
		t.Fatalf("Tick() after broker recovers = %v, want connected", got)
	}
}

func TestTick_DialFailure(t *testing.T) {
	link := &fakeLink{associated: true, dialErr: errors.New("tcp connect: at command failed")}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())

	if got := m.Tick(context.Background()); got != StateDisconnected {
		t.Fatalf("Tick() = %v, want disconnected", got)
	}
	if broker.connects != 0 {
		t.Errorf("handshake attempted without transport")
	}
}

func TestTick_MaxReconnectAttempts(t *testing.T) {
	cfg := testCfg
	cfg.MaxReconnectAttempts = 2
	link := &fakeLink{associated: true}
	broker := &fakeBroker{connectErr: &ConnectError{ReasonCode: 0x88}}
	m := New(cfg, link, broker, quietLogger())

	for range 5 {
		m.Tick(context.Background())
	}
	if broker.connects != 2 {
		t.Fatalf("connects = %d, want 2", broker.connects)
	}

	// Link re-association resets the budget.
	link.associated = false
	m.Tick(context.Background())
	link.associated = true
	broker.connectErr = nil
	if got := m.Tick(context.Background()); got != StateConnected {
		t.Fatalf("Tick() after re-association = %v, want connected", got)
	}
}

func TestTick_ReconnectDelayCancelled(t *testing.T) {
	cfg := testCfg
	cfg.ReconnectDelay = time.Hour
	link := &fakeLink{associated: true}
	broker := &fakeBroker{connectErr: &ConnectError{ReasonCode: 0x88}}
	m := New(cfg, link, broker, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	done := make(chan State, 1)
	go func() { done <- m.Tick(ctx) }()

	select {
	case got := <-done:
		if got != StateConnecting {
			t.Errorf("Tick() = %v, want connecting", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tick() did not return after cancellation")
	}
}

func TestPublish_NotConnected(t *testing.T) {
	link := &fakeLink{}
	broker := &fakeBroker{client: newFakeClient()}
	m := New(testCfg, link, broker, quietLogger())

	if err := m.Publish(context.Background(), "v1/env/tmp/east/data", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() while disconnected = %v, want ErrNotConnected", err)
	}

	link.associated = true
	broker.connectErr = &ConnectError{ReasonCode: 0x88}
	m.Tick(context.Background())
	if m.State() != StateConnecting {
		t.Fatalf("State() = %v, want connecting", m.State())
	}
	if err := m.Publish(context.Background(), "v1/env/tmp/east/data", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() while connecting = %v, want ErrNotConnected", err)
	}
	if link.dials != 1 {
		t.Errorf("dials = %d, Publish must not dial", link.dials)
	}
	if n := len(broker.client.published); n != 0 {
		t.Errorf("transport writes = %d, want 0", n)
	}
}

func TestPublish_Connected(t *testing.T) {
	link := &fakeLink{associated: true}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())
	m.Tick(context.Background())

	payload := []byte(`{"temp":23.4,"hum":55.1,"ts":1718000000}`)
	if err := m.Publish(context.Background(), "v1/env/tmp/east/data", payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := message{"v1/env/tmp/east/data", string(payload)}
	if len(broker.client.published) != 1 || broker.client.published[0] != want {
		t.Errorf("published = %v, want [%v]", broker.client.published, want)
	}
}

func TestPublish_TransportFailure(t *testing.T) {
	link := &fakeLink{associated: true}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())
	m.Tick(context.Background())

	cause := errors.New("write: broken pipe")
	broker.client.publishErr = cause

	err := m.Publish(context.Background(), "v1/env/tmp/east/data", []byte("{}"))
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Publish() error = %v, want ErrTransportFailure", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Publish() error = %v, want wrapped cause", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
	if broker.client.closed != 1 {
		t.Errorf("client closed %d times, want 1", broker.client.closed)
	}

	// The broker is now unreachable; the repair attempt cannot open a
	// transport and the session reports disconnected.
	link.dialErr = errors.New("tcp connect: at command failed")
	if got := m.Tick(context.Background()); got != StateDisconnected {
		t.Errorf("Tick() after transport failure = %v, want disconnected", got)
	}
}

func TestPumpKeepalive_SessionLost(t *testing.T) {
	link := &fakeLink{associated: true}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())
	m.Tick(context.Background())

	if got := m.PumpKeepalive(context.Background()); got != StateConnected {
		t.Fatalf("PumpKeepalive() on healthy session = %v, want connected", got)
	}

	broker.client.lost <- &DisconnectError{ReasonCode: 0x8D}
	if got := m.PumpKeepalive(context.Background()); got != StateDisconnected {
		t.Fatalf("PumpKeepalive() after loss = %v, want disconnected", got)
	}
	if err := m.Publish(context.Background(), "t", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after loss = %v, want ErrNotConnected", err)
	}

	broker.client = nil
	if got := m.Tick(context.Background()); got != StateConnected {
		t.Errorf("Tick() after loss = %v, want connected", got)
	}
}

func TestClose(t *testing.T) {
	link := &fakeLink{associated: true}
	broker := &fakeBroker{}
	m := New(testCfg, link, broker, quietLogger())

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() before connect error = %v", err)
	}

	m.Tick(context.Background())
	client := broker.client
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.closed != 1 {
		t.Errorf("client closed %d times, want 1", client.closed)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", m.State())
	}
}

func TestConnectError(t *testing.T) {
	tests := []struct {
		code byte
		want string
	}{
		{0x87, "broker refused connection: not authorized (0x87)"},
		{0xF0, "broker refused connection: reason code 0xF0"},
	}
	for _, tt := range tests {
		if got := (&ConnectError{ReasonCode: tt.code}).Error(); got != tt.want {
			t.Errorf("ConnectError(0x%02X) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
