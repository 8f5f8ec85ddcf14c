// Command rethosd bridges a host and an MCU over a single UART, exposing
// 256 logical channels to local clients (see the package doc of
// rethosd/dispatcher for the event loop this wires together).
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"rethosd/dispatcher"
	"rethosd/serial"
)

var (
	logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
	noStdin  = flag.Bool("no-stdin", false, "do not forward standard input on channel 1")
)

func main() {
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("invalid log level, defaulting to info", "value", *logLevel)
	}

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger) error {
	args := flag.Args()
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: rethosd <serial-device> <baudrate> [<ipv6-prefix>]")
	}

	device := args[0]
	var baud int
	if _, err := fmt.Sscanf(args[1], "%d", &baud); err != nil {
		return errors.Wrapf(err, "invalid baud rate %q", args[1])
	}

	cfg, err := serial.NewConfig(device, baud)
	if err != nil {
		return errors.Wrap(err, "invalid serial configuration")
	}

	port, err := serial.Open(cfg)
	if err != nil {
		return errors.Wrap(err, "opening serial port")
	}
	defer port.Close()

	var addr [16]byte
	if len(args) == 3 {
		ip := net.ParseIP(args[2])
		if ip == nil || ip.To16() == nil {
			return errors.Errorf("invalid IPv6 prefix %q", args[2])
		}
		copy(addr[:], ip.To16())
	}

	// Left as untyped nil interfaces (not a nil *os.File) so dispatcher's
	// nil checks behave correctly.
	var stdin io.Reader
	if !*noStdin {
		stdin = os.Stdin
	}

	// Tunnel bring-up (the virtual network interface itself, its creation,
	// and address assignment) is an external collaborator's responsibility
	// (spec §1); rethosd only ever reads/writes whatever descriptor it is
	// handed. Without one, channel 3 traffic is dropped with a log line.
	var tunnel io.ReadWriteCloser

	d := dispatcher.New(port, tunnel, stdin, addr, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutting down", "signal", s)
		port.Close()
		os.Exit(0)
	}()

	logger.Info("rethosd starting", "device", device, "baud", baud)
	return d.Run()
}
