// Package dispatcher implements the central event loop (spec §4.7): it
// multiplexes the serial line, the tunnel descriptor, standard input, and
// the 256 local channel endpoints, and is the sole owner of link state and
// statistics (spec §5).
//
// The original polls a heterogeneous descriptor set on one thread. Spec §9
// sanctions re-architecting that into "any readiness-notification
// primitive"; here each descriptor gets its own small reader goroutine that
// only pushes raw bytes or channel-table events onto shared channels, and a
// single dispatcher goroutine (Run) is the only one that ever reads those
// channels and touches link/stats/channel-table bookkeeping. No locks are
// needed because of that single-owner discipline, exactly as spec §5
// requires.
package dispatcher

import (
	"io"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"rethosd/channel"
	"rethosd/protocol"
	"rethosd/serial"
	"rethosd/stats"
	"rethosd/timer"
)

// ioChunk is what a reader goroutine hands to the dispatcher: either a
// chunk of bytes, or a terminal error (the goroutine always exits after
// sending one).
type ioChunk struct {
	data []byte
	err  error
}

// serialFrameWriter adapts a serial.Port into a protocol.FrameWriter.
type serialFrameWriter struct {
	port serial.Port
}

func (w serialFrameWriter) WriteFrame(f protocol.Frame) error {
	encoded, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return serial.WriteFull(w.port, encoded)
}

// Dispatcher is the single-owner event loop.
type Dispatcher struct {
	port   serial.Port
	tunnel io.ReadWriteCloser
	stdin  io.Reader

	recv   *protocol.ReceiveState
	link   *protocol.Link
	timers *timer.Service
	table  *channel.Table
	st     *stats.Stats
	logger *log.Logger

	addr [16]byte // MCU IPv6 address payload (external collaborator-provided, spec §4.5/§6)

	wake     chan struct{}
	serialCh chan ioChunk
	stdinCh  chan ioChunk
	tunnelCh chan ioChunk

	connByChannel [channel.NumChannels]net.Conn
}

// New builds a Dispatcher. tunnel and stdin may be nil to disable those
// inputs (spec §6: "missing prefix disables the tunnel").
func New(port serial.Port, tunnel io.ReadWriteCloser, stdin io.Reader, addr [16]byte, logger *log.Logger) *Dispatcher {
	d := &Dispatcher{
		port:     port,
		tunnel:   tunnel,
		stdin:    stdin,
		recv:     protocol.NewReceiveState(),
		logger:   logger,
		addr:     addr,
		wake:     make(chan struct{}, 1),
		serialCh: make(chan ioChunk, 8),
		stdinCh:  make(chan ioChunk, 8),
		tunnelCh: make(chan ioChunk, 8),
	}
	d.st = stats.New()
	d.timers = timer.NewService(d.wake)
	d.table = channel.NewTable(protocol.MTU, logger)
	d.link = protocol.NewLink(serialFrameWriter{port: port}, d.st, d.timers, d.deliver, logger)
	return d
}

// Stats exposes the live statistics counters (read-only use outside the
// dispatcher goroutine is only safe after Run has returned).
func (d *Dispatcher) Stats() *stats.Stats { return d.st }

// Close releases the channel table's local endpoints. It does not stop the
// Run goroutine; process exit is the normal shutdown path (spec §5), this
// exists so tests can release abstract-namespace socket names between runs.
func (d *Dispatcher) Close() {
	d.table.Stop()
}

// Run starts the reader goroutines and blocks in the dispatch loop until a
// fatal serial error occurs (spec §7: "serial read returning zero or error:
// fatal, process exits with a diagnostic").
func (d *Dispatcher) Run() error {
	d.table.Start()

	go d.readSerial()
	if d.stdin != nil {
		go d.readStdin()
	}
	if d.tunnel != nil {
		go d.readTunnel()
	}

	for {
		select {
		case <-d.wake:
			d.drainTimers()

		case chunk, ok := <-d.serialCh:
			if !ok {
				continue
			}
			if chunk.err != nil {
				return errors.Wrap(chunk.err, "dispatcher: fatal serial read error")
			}
			d.feedSerial(chunk.data)

		case chunk, ok := <-d.stdinCh:
			if !ok {
				continue
			}
			if chunk.err != nil {
				d.stdinCh = nil // stop watching standard input (spec §4.7 step 3)
				continue
			}
			if err := d.link.SendData(protocol.ChannelStdin, chunk.data); err != nil {
				d.logger.Warn("stdin send failed", "err", err)
			}

		case chunk, ok := <-d.tunnelCh:
			if !ok {
				continue
			}
			if chunk.err != nil {
				d.logger.Warn("tunnel read error", "err", chunk.err)
				d.tunnelCh = nil
				continue
			}
			if err := d.link.SendData(protocol.ChannelTunnel, chunk.data); err != nil {
				d.logger.Warn("tunnel send failed", "err", err)
			}

		case ev := <-d.table.Events:
			d.handleChannelEvent(ev)
		}
	}
}

func (d *Dispatcher) drainTimers() {
	if d.timers.TakeStats() {
		d.logger.Info("stats tick", "snapshot", d.st.String())
		if conn := d.connByChannel[protocol.ChannelControl]; conn != nil {
			if err := channel.WriteMessage(conn, d.st.Snapshot()); err != nil {
				d.logger.Warn("stats push failed", "err", err)
			}
		}
	}
	if d.timers.TakeRexmit() {
		d.link.HandleRexmitTimeout()
	}
	if d.timers.TakeIPAddr() {
		d.sendAddressReply()
	}
}

func (d *Dispatcher) feedSerial(data []byte) {
	for _, b := range data {
		switch d.recv.Feed(b) {
		case protocol.EventFrameReady:
			d.link.HandleFrameReady(d.recv.Frame)
		case protocol.EventFrameDropped:
			d.link.HandleFrameDropped()
		}
	}
}

func (d *Dispatcher) handleChannelEvent(ev channel.Event) {
	switch e := ev.(type) {
	case channel.Connected:
		d.connByChannel[e.Channel] = e.Conn

	case channel.Disconnected:
		d.connByChannel[e.Channel] = nil

	case channel.Message:
		d.st.Global.DomainReceived++
		d.st.Channels[e.Channel].DomainReceived++
		if err := d.link.SendData(e.Channel, e.Payload); err != nil {
			d.logger.Warn("local client send failed", "channel", e.Channel, "err", err)
		}
	}
}

// deliver routes a payload received off the wire to its built-in consumer
// (always, regardless of a connected client) and then to a connected local
// client, if any (spec §4.5).
func (d *Dispatcher) deliver(ch byte, payload []byte) {
	switch ch {
	case protocol.ChannelStdin:
		if _, err := os.Stdout.Write(payload); err != nil {
			d.logger.Warn("stdout write failed", "err", err)
		}

	case protocol.ChannelTunnel:
		if d.tunnel == nil {
			d.logger.Warn("tunnel payload dropped: no tunnel configured")
		} else if err := serial.WriteFull(d.tunnel, payload); err != nil {
			d.logger.Warn("tunnel write failed", "err", err)
		}

	case protocol.ChannelCommand:
		d.handleCommand(payload)
	}

	conn := d.connByChannel[ch]
	if conn == nil {
		d.st.Channels[ch].DropNotConnected++
		// Stdin and tunnel have a built-in consumer that already "received"
		// the payload above (spec §9 open question), so their global drop is
		// not counted. The command channel's global drop still counts even
		// though handleCommand has run.
		if ch != protocol.ChannelStdin && ch != protocol.ChannelTunnel {
			d.st.Global.DropNotConnected++
		}
		return
	}
	if err := channel.WriteMessage(conn, payload); err != nil {
		d.logger.Warn("local client write failed", "channel", ch, "err", err)
		return
	}
	d.st.Global.DomainForwarded++
	d.st.Channels[ch].DomainForwarded++
}

func (d *Dispatcher) handleCommand(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case 0x01:
		d.sendAddressReply()
	default:
		d.logger.Warn("unknown command opcode", "opcode", payload[0])
	}
}

func (d *Dispatcher) sendAddressReply() {
	reply := make([]byte, 1+len(d.addr))
	reply[0] = 0x11
	copy(reply[1:], d.addr[:])
	if err := d.link.SendData(protocol.ChannelCommand, reply); err != nil {
		d.logger.Warn("address reply send failed", "err", err)
	}
}

func (d *Dispatcher) readSerial() {
	buf := make([]byte, protocol.MTU)
	for {
		n, err := d.port.Read(buf)
		if err != nil {
			d.serialCh <- ioChunk{err: err}
			return
		}
		if n == 0 {
			d.serialCh <- ioChunk{err: io.ErrUnexpectedEOF}
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		d.serialCh <- ioChunk{data: chunk}
	}
}

func (d *Dispatcher) readStdin() {
	buf := make([]byte, protocol.MTU)
	for {
		n, err := d.stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.stdinCh <- ioChunk{data: chunk}
		}
		if err != nil {
			d.stdinCh <- ioChunk{err: err}
			return
		}
	}
}

func (d *Dispatcher) readTunnel() {
	buf := make([]byte, protocol.MTU)
	for {
		n, err := d.tunnel.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.tunnelCh <- ioChunk{data: chunk}
		}
		if err != nil {
			d.tunnelCh <- ioChunk{err: err}
			return
		}
	}
}
