package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultIIORoot is where the kernel exposes Industrial I/O devices.
const DefaultIIORoot = "/sys/bus/iio/devices"

// ErrDeviceNotFound is returned by FindIIO when no device matches.
var ErrDeviceNotFound = errors.New("iio device not found")

// IIO reads a humidity/temperature sensor through the Linux Industrial
// I/O sysfs interface, as exposed by the dht11 kernel driver for both
// DHT11 and DHT22 parts. Channel values are in milli-units.
type IIO struct {
	Dir    string
	Logger *slog.Logger
}

// FindIIO returns the first device under root whose name file equals
// name (for example "dht11").
func FindIIO(root, name string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", root, err)
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == name {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%s under %s: %w", name, root, ErrDeviceNotFound)
}

// Read samples both channels. The dht11 driver returns EIO when a
// transfer fails its checksum, which is routine; any read or parse
// error yields ok == false.
func (s *IIO) Read(ctx context.Context) (Measurement, bool) {
	if ctx.Err() != nil {
		return Measurement{}, false
	}
	temp, err := readMilli(filepath.Join(s.Dir, "in_temp_input"))
	if err != nil {
		s.logger().Debug("temperature read failed", "dir", s.Dir, "error", err)
		return Measurement{}, false
	}
	hum, err := readMilli(filepath.Join(s.Dir, "in_humidityrelative_input"))
	if err != nil {
		s.logger().Debug("humidity read failed", "dir", s.Dir, "error", err)
		return Measurement{}, false
	}
	return Measurement{Temperature: temp, Humidity: hum}, true
}

func (s *IIO) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return math.Round(float64(v)/100) / 10, nil
}
