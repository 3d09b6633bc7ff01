//go:build linux

package serial

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_UnsupportedBaud(t *testing.T) {
	_, err := Open("/dev/null", 12345)
	if !errors.Is(err, ErrUnsupportedBaud) {
		t.Fatalf("Open() error = %v, want ErrUnsupportedBaud", err)
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "ttyUSB9"), DefaultBaudRate)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open() error = %v, want not-exist", err)
	}
}

func TestOpen_NotATerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if f, err := Open(path, DefaultBaudRate); err == nil {
		f.Close()
		t.Fatal("Open() on a regular file should fail termios configuration")
	}
}
