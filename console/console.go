// Package console mirrors diagnostic log lines to a serial port, the way a
// board's UART console would show them.
package console

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"icc/debug"
)

// ErrConfig reports an unusable port configuration.
var ErrConfig = errors.New("console: bad config")

// Config selects the port.
type Config struct {
	Device      string // e.g. /dev/ttyUSB0, COM3
	Baud        int
	ReadTimeout int // milliseconds, 0 blocks
}

// DefaultConfig is 115200 8N1 on device.
func DefaultConfig(device string) *Config {
	return &Config{Device: device, Baud: 115200, ReadTimeout: 100}
}

func (c *Config) validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil", ErrConfig)
	case c.Device == "":
		return fmt.Errorf("%w: no device", ErrConfig)
	case c.Baud <= 0:
		return fmt.Errorf("%w: baud %d", ErrConfig, c.Baud)
	case c.ReadTimeout < 0:
		return fmt.Errorf("%w: timeout %d", ErrConfig, c.ReadTimeout)
	}
	return nil
}

// Open opens the serial port for writing log lines.
func Open(cfg *Config) (io.WriteCloser, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return port, nil
}

// Mirror sends debug output to both its current sink and w. The returned
// func restores the previous sink.
func Mirror(w io.Writer) (restore func()) {
	prev := debug.Output()
	debug.SetOutput(io.MultiWriter(prev, w))
	return func() { debug.SetOutput(prev) }
}
