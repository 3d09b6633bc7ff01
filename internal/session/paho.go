package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// PahoBroker performs MQTT v5 handshakes with the Eclipse Paho client.
// Each Connect builds a fresh paho.Client bound to the supplied
// connection; reconnection is the Manager's job, not the client's.
type PahoBroker struct {
	// PacketTimeout bounds how long the client waits for a broker
	// response. Zero uses the paho default.
	PacketTimeout time.Duration
	Logger        *slog.Logger
}

// Connect sends CONNECT over conn and waits for CONNACK. A refusal is
// returned as *[ConnectError].
func (b *PahoBroker) Connect(ctx context.Context, conn net.Conn, opts ConnectOptions) (Client, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc := &pahoClient{
		conn: conn,
		lost: make(chan error, 1),
	}
	pc.client = paho.NewClient(paho.ClientConfig{
		ClientID:      opts.ClientID,
		Conn:          conn,
		PacketTimeout: b.PacketTimeout,
		OnClientError: func(err error) {
			logger.Debug("mqtt client error", "error", err)
			pc.report(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			logger.Debug("mqtt server disconnect", "reason_code", d.ReasonCode)
			pc.report(&DisconnectError{ReasonCode: d.ReasonCode})
		},
	})

	ca, err := pc.client.Connect(ctx, &paho.Connect{
		ClientID:   opts.ClientID,
		KeepAlive:  keepAliveSeconds(opts.KeepAlive),
		CleanStart: true,
	})
	if err != nil {
		if ca != nil && ca.ReasonCode >= 0x80 {
			return nil, &ConnectError{ReasonCode: ca.ReasonCode}
		}
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return pc, nil
}

func keepAliveSeconds(d time.Duration) uint16 {
	s := d / time.Second
	switch {
	case s <= 0:
		return 0
	case s > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(s)
	}
}

type pahoClient struct {
	client *paho.Client
	conn   net.Conn
	lost   chan error
}

func (c *pahoClient) report(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	})
	return err
}

func (c *pahoClient) Lost() <-chan error {
	return c.lost
}

// Close sends DISCONNECT and closes the underlying transport. ctx is
// accepted for symmetry with Publish; paho's Disconnect does not take
// one.
func (c *pahoClient) Close(ctx context.Context) error {
	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	_ = c.conn.Close()
	return err
}
