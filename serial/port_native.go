package serial

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// NativePort wraps github.com/tarm/serial, which already opens the device
// raw (8 data bits, no parity, one stop bit, no flow control, modem lines
// ignored) the way spec §6 requires.
type NativePort struct {
	port *serial.Port
}

// Open opens a native serial port for cfg.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("serial: nil config")
	}
	if !ValidBaud(cfg.Baud) {
		return nil, errors.Errorf("serial: unsupported baud rate %d", cfg.Baud)
	}

	timeout := cfg.ReadTimeoutMillis
	if timeout <= 0 {
		timeout = DefaultReadTimeoutMillis
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(timeout) * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "serial: open %s", cfg.Device)
	}

	return &NativePort{port: port}, nil
}

func (p *NativePort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *NativePort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *NativePort) Close() error                { return p.port.Close() }

// Flush is a no-op: tarm/serial does not expose a buffer-discard primitive,
// and every Write already blocks until the OS accepts the bytes.
func (p *NativePort) Flush() error { return nil }
