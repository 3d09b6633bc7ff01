//go:build !linux

package serial

import (
	"errors"
	"os"
)

// Open is only implemented on Linux.
func Open(device string, baud int) (*os.File, error) {
	return nil, errors.New("serial ports are only supported on linux")
}
