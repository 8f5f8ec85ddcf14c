package protocol

import (
	"github.com/charmbracelet/log"

	"rethosd/stats"
)

// FrameWriter emits an encoded frame to the serial line. Implementations
// must fully drain the write (see serial.WriteFull).
type FrameWriter interface {
	WriteFrame(Frame) error
}

// RexmitTimer controls the one-shot 100ms retransmit deadline (spec §4.6).
// Arm replaces any prior arming; Cancel clears a pending deadline.
type RexmitTimer interface {
	Arm()
	Cancel()
}

// DeliverFunc routes a delivered DATA payload to its owning channel (spec
// §4.5). It is only ever called by the single dispatcher goroutine that
// owns Link, so it may freely touch channel-table state.
type DeliverFunc func(channel byte, payload []byte)

// retransmitSlot is the single outstanding-frame buffer (spec §3: "Retransmit
// slot"). It is meaningful only while acked is false.
type retransmitSlot struct {
	seq     uint16
	channel byte
	payload []byte
	acked   bool
}

// Link is the stop-and-wait ARQ engine (spec §4.4). It is driven entirely by
// the dispatcher goroutine: SendData for outbound traffic, HandleFrameReady/
// HandleFrameDropped for bytes decoded off the wire, and
// HandleRexmitTimeout when the retransmit timer fires. No locking is used;
// per spec §5 only the dispatcher ever touches link state.
type Link struct {
	out     FrameWriter
	st      *stats.Stats
	rexmit  RexmitTimer
	deliver DeliverFunc
	log     *log.Logger

	outSeq      uint16
	lastRecv    uint16
	receivedAny bool
	slot        retransmitSlot
}

// NewLink constructs a Link with the retransmit slot initialized acked/empty
// (spec §3).
func NewLink(out FrameWriter, st *stats.Stats, rexmit RexmitTimer, deliver DeliverFunc, logger *log.Logger) *Link {
	return &Link{
		out:     out,
		st:      st,
		rexmit:  rexmit,
		deliver: deliver,
		log:     logger,
		slot:    retransmitSlot{acked: true},
	}
}

// SendData sends payload on channel as a DATA frame, consuming the next
// outbound sequence number and arming the retransmit timer (spec §4.4).
func (l *Link) SendData(channel byte, payload []byte) error {
	l.outSeq++
	seq := l.outSeq

	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.slot = retransmitSlot{seq: seq, channel: channel, payload: buf, acked: false}

	if err := l.out.WriteFrame(Frame{Type: FrameData, Seq: seq, Channel: channel, Payload: payload}); err != nil {
		return err
	}
	l.st.Global.SerialForwarded++
	l.st.Channels[channel].SerialForwarded++
	l.rexmit.Arm()
	return nil
}

func (l *Link) sendAck(seq uint16) {
	if err := l.out.WriteFrame(Frame{Type: FrameACK, Seq: seq, Channel: ChannelControl}); err != nil {
		l.log.Warn("write ack failed", "err", err)
	}
}

func (l *Link) sendNack() {
	if err := l.out.WriteFrame(Frame{Type: FrameNACK, Seq: 0, Channel: ChannelControl}); err != nil {
		l.log.Warn("write nack failed", "err", err)
	}
}

// HandleFrameReady processes a frame the receive state machine just
// assembled and checksum-verified (spec §4.4 "Inbound routing").
func (l *Link) HandleFrameReady(f Frame) {
	if f.Channel == ChannelControl {
		l.handleControl(f)
		return
	}
	l.handleData(f)
}

func (l *Link) handleControl(f Frame) {
	switch f.Type {
	case FrameACK:
		if !l.slot.acked && f.Seq == l.slot.seq {
			l.slot.acked = true
			l.rexmit.Cancel()
		}
		// Otherwise an ACK for an unknown seqno is ignored.

	case FrameNACK:
		if !l.slot.acked {
			// Immediate retransmit, same seqno/payload, no counter bump, no
			// additional timer arming beyond whatever is already pending.
			if err := l.out.WriteFrame(Frame{Type: FrameData, Seq: l.slot.seq, Channel: l.slot.channel, Payload: l.slot.payload}); err != nil {
				l.log.Warn("retransmit on nack failed", "err", err)
			}
			return
		}
		if l.receivedAny {
			// Never reply to a NACK with another NACK (avoids NACK storms).
			l.sendAck(l.lastRecv)
		}
		// Acked and nothing ever received: ignore.

	default:
		l.log.Warn("unexpected control frame type", "type", f.Type)
	}
}

func (l *Link) handleData(f Frame) {
	l.st.Global.SerialReceived++
	l.st.Channels[f.Channel].SerialReceived++

	l.sendAck(f.Seq)

	if l.receivedAny && f.Seq == l.lastRecv {
		return // duplicate: already ACKed above, not delivered
	}

	if l.receivedAny {
		gap := f.Seq - l.lastRecv - 1 // uint16 wraparound mod 2^16, per spec §4.4
		l.st.Global.LostFrames += uint64(gap)
	}
	l.lastRecv = f.Seq
	l.receivedAny = true

	if len(f.Payload) == 0 {
		return // acknowledged and sequenced, but nothing to deliver
	}

	l.deliver(f.Channel, f.Payload)
}

// HandleFrameDropped processes a FRAME_DROPPED event from the receive state
// machine: a corrupt frame (bad escape, MTU overflow, or checksum mismatch).
// A frame abandoned by a mid-frame FRAME_START produces no such event.
func (l *Link) HandleFrameDropped() {
	l.st.Global.BadFrames++
	l.st.Global.LostFrames++
	l.sendNack()
}

// HandleRexmitTimeout resends the retransmit slot verbatim if it is still
// unacked (spec §4.4, §4.6). It does not re-arm the timer; only a fresh
// SendData does that.
func (l *Link) HandleRexmitTimeout() {
	if l.slot.acked {
		return
	}
	if err := l.out.WriteFrame(Frame{Type: FrameData, Seq: l.slot.seq, Channel: l.slot.channel, Payload: l.slot.payload}); err != nil {
		l.log.Warn("retransmit on timeout failed", "err", err)
	}
}

// Unacked reports whether the retransmit slot currently holds an
// unacknowledged frame (used by tests).
func (l *Link) Unacked() bool { return !l.slot.acked }

// OutSeq returns the last allocated outbound sequence number (test helper).
func (l *Link) OutSeq() uint16 { return l.outSeq }
