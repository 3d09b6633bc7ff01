package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// HostRadio is a [Radio] backed by the host's own network stack. It
// lets the agent run on a development machine or a Linux gateway where
// the operating system, not a co-processor, manages the WiFi
// association. Join succeeds as long as the host has a usable
// interface; the SSID is not checked.
type HostRadio struct {
	// DialTimeout bounds each TCP connect. Zero means ten seconds.
	DialTimeout time.Duration

	interfaces func() ([]net.Interface, error)
}

// NewHostRadio returns a HostRadio using the system interface table.
func NewHostRadio() *HostRadio {
	return &HostRadio{interfaces: net.Interfaces}
}

// OpenHost is an [Opener] for [HostRadio]; cfg is ignored.
func OpenHost(Config) (Radio, error) {
	return NewHostRadio(), nil
}

var errNoInterface = errors.New("no usable network interface")

func (h *HostRadio) Probe(ctx context.Context) error {
	_, err := h.firstAddr()
	return err
}

func (h *HostRadio) Join(ctx context.Context, ssid, passphrase string) error {
	_, err := h.firstAddr()
	return err
}

func (h *HostRadio) Joined(ctx context.Context) (bool, error) {
	_, err := h.firstAddr()
	if errors.Is(err, errNoInterface) {
		return false, nil
	}
	return err == nil, err
}

func (h *HostRadio) LocalIP(ctx context.Context) (netip.Addr, error) {
	return h.firstAddr()
}

func (h *HostRadio) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	timeout := h.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (h *HostRadio) Close() error { return nil }

// firstAddr returns the first IPv4 address of an up, non-loopback
// interface.
func (h *HostRadio) firstAddr() (netip.Addr, error) {
	list := h.interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipnet.IP.To4()); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, errNoInterface
}
