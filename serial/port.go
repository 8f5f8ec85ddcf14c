// Package serial opens and configures the raw 8N1 UART link to the MCU.
package serial

import (
	"fmt"
	"io"
)

// Port represents a serial port interface. This abstraction allows for
// different implementations: native serial (github.com/tarm/serial), or a
// fake port (e.g. one end of a pty) for tests.
type Port interface {
	io.ReadWriteCloser

	// Flush discards any unwritten output and unread input where the
	// implementation supports it; NativePort's Flush is a no-op.
	Flush() error
}

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g. "/dev/ttyUSB0", "/dev/ttyACM0").
	Device string

	// Baud is the line rate; must be one of SupportedBauds.
	Baud int

	// ReadTimeoutMillis is the intercharacter read timeout in milliseconds
	// (spec §5: "blocking only long enough to satisfy a read with the
	// configured intercharacter timeout").
	ReadTimeoutMillis int
}

// SupportedBauds lists the baud rates the bridge will open a port with.
// Enumerating and validating the full platform-specific set is an external
// collaborator's job (spec §1); this is the minimal contract the core needs.
var SupportedBauds = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// DefaultReadTimeoutMillis is the intercharacter read timeout (spec §5: ~500ms).
const DefaultReadTimeoutMillis = 500

// ValidBaud reports whether rate is one of SupportedBauds.
func ValidBaud(rate int) bool {
	for _, b := range SupportedBauds {
		if b == rate {
			return true
		}
	}
	return false
}

// NewConfig builds a Config, validating the baud rate against SupportedBauds.
func NewConfig(device string, baud int) (*Config, error) {
	if !ValidBaud(baud) {
		return nil, fmt.Errorf("unsupported baud rate: %d", baud)
	}
	return &Config{
		Device:            device,
		Baud:              baud,
		ReadTimeoutMillis: DefaultReadTimeoutMillis,
	}, nil
}

// WriteFull writes all of b, retrying on short writes, matching spec §5's
// "writes are fully drained via a retry-on-partial-write helper".
func WriteFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
