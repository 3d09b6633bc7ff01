// Package espat drives an ESP8266/ESP32 running the stock AT firmware
// over a serial port. It implements only what the link layer needs:
// an identification probe, station join, status and address queries,
// and a single TCP connection in transparent ("pass-through") mode.
//
// While a transparent connection is open the serial line carries raw
// TCP payload, so AT commands cannot be issued. Status queries made in
// that window report the cached state instead of touching the wire.
package espat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// levelTrace matches the agent's TRACE level for wire dumps.
const levelTrace = slog.Level(-8)

// Default timeouts.
const (
	DefaultCommandTimeout = 2 * time.Second
	DefaultJoinTimeout    = 20 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultGuardTime      = time.Second
)

var (
	// ErrTimeout means the module sent no final result code in time.
	ErrTimeout = errors.New("at command timed out")

	// ErrCommandFailed means the module answered ERROR or FAIL.
	ErrCommandFailed = errors.New("at command failed")
)

// Port is the serial transport. *os.File from the serial package and
// net.Conn both satisfy it.
type Port interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Driver speaks the AT command set on a Port. Commands come from a
// single caller; the only concurrent access it tolerates is a stream
// being closed from the goroutine reading it.
type Driver struct {
	CommandTimeout time.Duration
	JoinTimeout    time.Duration
	DialTimeout    time.Duration
	// GuardTime is the silence required around the "+++" escape
	// sequence that leaves transparent mode.
	GuardTime time.Duration

	port   Port
	closer io.Closer
	r      *bufio.Reader
	logger *slog.Logger

	// mu serialises command I/O and guards stream.
	mu     sync.Mutex
	stream *streamConn
	addr   netip.Addr

	// readMu is held by streamConn.Read while it uses r.
	readMu sync.Mutex
}

// New returns a Driver on port. If port also implements io.Closer it
// is closed by [Driver.Close].
func New(port Port, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		CommandTimeout: DefaultCommandTimeout,
		JoinTimeout:    DefaultJoinTimeout,
		DialTimeout:    DefaultDialTimeout,
		GuardTime:      DefaultGuardTime,
		port:           port,
		r:              bufio.NewReader(port),
		logger:         logger,
	}
	if c, ok := port.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// Probe sends a bare "AT" and expects "OK".
func (d *Driver) Probe(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.command(ctx, "AT", d.CommandTimeout); err != nil {
		return fmt.Errorf("identification probe: %w", err)
	}
	return nil
}

// Join switches the module to station mode and makes one association
// attempt.
func (d *Driver) Join(ctx context.Context, ssid, passphrase string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeStream(); err != nil {
		d.logger.Debug("closing stream before join", "error", err)
	}
	d.addr = netip.Addr{}

	if _, err := d.command(ctx, "AT+CWMODE=1", d.CommandTimeout); err != nil {
		return fmt.Errorf("set station mode: %w", err)
	}
	cmd := "AT+CWJAP=" + quote(ssid) + "," + quote(passphrase)
	lines, err := d.command(ctx, cmd, d.JoinTimeout)
	if err != nil {
		if code := findPrefixed(lines, "+CWJAP:"); code != "" {
			return fmt.Errorf("join %q (reason %s): %w", ssid, code, err)
		}
		return fmt.Errorf("join %q: %w", ssid, err)
	}
	return nil
}

// Joined reports whether the module is associated with an access point.
// While a transparent stream is open it reports true without I/O.
func (d *Driver) Joined(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return true, nil
	}
	lines, err := d.command(ctx, "AT+CWJAP?", d.CommandTimeout)
	if err != nil {
		return false, err
	}
	return findPrefixed(lines, "+CWJAP:") != "", nil
}

// LocalIP returns the station address. While a transparent stream is
// open the last known address is returned.
func (d *Driver) LocalIP(ctx context.Context) (netip.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		if d.addr.IsValid() {
			return d.addr, nil
		}
		return netip.Addr{}, errors.New("address unavailable while streaming")
	}
	lines, err := d.command(ctx, "AT+CIFSR", d.CommandTimeout)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, l := range lines {
		rest, ok := strings.CutPrefix(l, "+CIFSR:STAIP,")
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(strings.Trim(rest, `"`))
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parse station address %q: %w", rest, err)
		}
		d.addr = addr
		return addr, nil
	}
	return netip.Addr{}, errors.New("no station address reported")
}

// Dial opens a TCP connection to host:port and switches the serial line
// into transparent mode. Only one connection can be open; a previous one
// is closed first.
func (d *Driver) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.closeStream(); err != nil {
		d.logger.Debug("closing previous stream", "error", err)
	}

	if _, err := d.command(ctx, "AT+CIPMODE=1", d.CommandTimeout); err != nil {
		return nil, fmt.Errorf("enable transparent mode: %w", err)
	}
	start := "AT+CIPSTART=" + quote("TCP") + "," + quote(host) + "," + strconv.Itoa(port)
	if _, err := d.command(ctx, start, d.DialTimeout); err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}
	if err := d.writeLine(ctx, "AT+CIPSEND"); err != nil {
		return nil, err
	}
	if err := d.awaitPrompt(ctx, d.CommandTimeout); err != nil {
		return nil, fmt.Errorf("enter send mode: %w", err)
	}

	d.stream = &streamConn{d: d, remote: addr{host: host, port: port}}
	d.logger.Debug("transparent stream open", "host", host, "port", port)
	return d.stream, nil
}

// Close leaves transparent mode if needed and closes the port.
func (d *Driver) Close() error {
	d.mu.Lock()
	err := d.closeStream()
	d.mu.Unlock()
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// closeStream escapes transparent mode with "+++" and closes the TCP
// connection on the module. d.mu must be held.
func (d *Driver) closeStream() error {
	s := d.stream
	if s == nil {
		return nil
	}
	d.stream = nil
	s.closed.Store(true)

	// Kick a reader blocked in streamConn.Read and wait for it to let go
	// of the buffered reader.
	_ = d.port.SetReadDeadline(time.Now())
	d.readMu.Lock()
	defer d.readMu.Unlock()

	time.Sleep(d.GuardTime)
	if err := d.write(context.Background(), []byte("+++")); err != nil {
		return fmt.Errorf("escape transparent mode: %w", err)
	}
	time.Sleep(d.GuardTime)

	if _, err := d.command(context.Background(), "AT+CIPCLOSE", d.CommandTimeout); err != nil {
		return fmt.Errorf("close tcp connection: %w", err)
	}
	return nil
}

// command writes cmd and collects response lines until a final result
// code. The returned lines exclude the echo and the final code.
func (d *Driver) command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	if err := d.writeLine(ctx, cmd); err != nil {
		return nil, err
	}

	deadline := deadlineFor(ctx, timeout)
	if err := d.port.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer d.port.SetReadDeadline(time.Time{})

	var lines []string
	for {
		raw, err := d.r.ReadString('\n')
		if err != nil {
			if isTimeout(err) {
				return lines, fmt.Errorf("%s: %w", cmd, ErrTimeout)
			}
			return lines, fmt.Errorf("%s: read: %w", cmd, err)
		}
		line := strings.TrimSpace(raw)
		d.logger.Log(ctx, levelTrace, "at rx", "line", line)

		switch {
		case line == "" || line == cmd:
			continue
		case line == "OK" || line == "SEND OK":
			return lines, nil
		case line == "ERROR" || line == "FAIL":
			return lines, fmt.Errorf("%s: %w", cmd, ErrCommandFailed)
		default:
			lines = append(lines, line)
		}
	}
}

// awaitPrompt reads until the ">" that opens a send window.
func (d *Driver) awaitPrompt(ctx context.Context, timeout time.Duration) error {
	if err := d.port.SetReadDeadline(deadlineFor(ctx, timeout)); err != nil {
		return err
	}
	defer d.port.SetReadDeadline(time.Time{})

	var seen strings.Builder
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if isTimeout(err) {
				return ErrTimeout
			}
			return err
		}
		if b == '>' {
			return nil
		}
		seen.WriteByte(b)
		if s := seen.String(); strings.Contains(s, "ERROR") || strings.Contains(s, "link is not valid") {
			return ErrCommandFailed
		}
	}
}

func (d *Driver) writeLine(ctx context.Context, cmd string) error {
	d.logger.Log(ctx, levelTrace, "at tx", "line", redact(cmd))
	if err := d.write(ctx, []byte(cmd+"\r\n")); err != nil {
		return fmt.Errorf("%s: write: %w", redact(cmd), err)
	}
	return nil
}

func (d *Driver) write(ctx context.Context, b []byte) error {
	if err := d.port.SetWriteDeadline(deadlineFor(ctx, d.CommandTimeout)); err != nil {
		return err
	}
	defer d.port.SetWriteDeadline(time.Time{})
	_, err := d.port.Write(b)
	return err
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// quote wraps s in double quotes, escaping the characters the AT
// parser treats specially.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `,`, `\,`)
	return `"` + r.Replace(s) + `"`
}

// redact hides the passphrase in join commands before logging.
func redact(cmd string) string {
	if !strings.HasPrefix(cmd, "AT+CWJAP=") {
		return cmd
	}
	if i := strings.Index(cmd, `","`); i >= 0 {
		return cmd[:i] + `","***"`
	}
	return cmd
}

func findPrefixed(lines []string, prefix string) string {
	for _, l := range lines {
		if rest, ok := strings.CutPrefix(l, prefix); ok {
			return rest
		}
	}
	return ""
}
