// Package serial opens the UART that connects the host to the WiFi
// co-processor. Ports are configured raw 8N1 at a fixed baud rate and
// returned as *os.File so callers get read and write deadlines from the
// runtime poller.
package serial

import (
	"errors"
	"fmt"
)

// ErrUnsupportedBaud is returned for rates the driver has no termios
// constant for.
var ErrUnsupportedBaud = errors.New("unsupported baud rate")

// DefaultBaudRate matches the co-processor's factory UART setting.
const DefaultBaudRate = 9600

func unsupported(baud int) error {
	return fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
}
