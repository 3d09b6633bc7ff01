//go:build linux

package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
}

// Open opens device as a raw 8N1 port at baud. The descriptor is left
// non-blocking so SetReadDeadline and SetWriteDeadline work.
func Open(device string, baud int) (*os.File, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, unsupported(baud)
	}

	f, err := os.OpenFile(device, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	// Fd() would flip the descriptor back to blocking mode, so go
	// through SyscallConn instead.
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}
	var cfgErr error
	if err := rc.Control(func(fd uintptr) {
		cfgErr = configure(int(fd), speed)
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("serial %s: %w", device, err)
	}
	if cfgErr != nil {
		f.Close()
		return nil, fmt.Errorf("configure %s at %d baud: %w", device, baud, cfgErr)
	}
	return f, nil
}

func configure(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return err
	}
	// Drop whatever the co-processor printed while booting.
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)
}
