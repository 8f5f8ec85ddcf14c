package protocol

// Event is emitted by ReceiveState.Feed for each input byte (spec §4.3).
type Event int

const (
	EventNone Event = iota
	EventFrameReady
	EventFrameDropped
)

type rxState int

const (
	waitFrameStart rxState = iota
	waitFrameType
	waitSeqLo
	waitSeqHi
	waitChannel
	inFrame
	waitChecksumLo
	waitChecksumHi
)

// ReceiveState assembles frames from a byte stream (spec §4.3). Feed must be
// called once per input byte, in order; it never blocks and never errors.
type ReceiveState struct {
	state    rxState
	inEscape bool

	frameType byte
	seqLo     byte
	seqHi     byte
	channel   byte
	payload   []byte
	csLo      byte
	csHi      byte

	checksum *Fletcher16

	// Frame holds the most recently completed frame after Feed returns
	// EventFrameReady.
	Frame Frame
}

// NewReceiveState returns a decoder starting in WAIT_FRAMESTART.
func NewReceiveState() *ReceiveState {
	return &ReceiveState{
		state:    waitFrameStart,
		checksum: NewFletcher16(),
	}
}

// Feed consumes one input byte and returns the event it produced.
func (r *ReceiveState) Feed(b byte) Event {
	if !r.inEscape && b == ESC {
		r.inEscape = true
		return EventNone
	}

	if r.inEscape {
		r.inEscape = false
		switch b {
		case LiteralEsc:
			return r.consume(0xBE)
		case FrameStart:
			// Spec §9 open question: a FRAME_START mid-frame abandons the
			// in-progress frame silently (no FRAME_DROPPED, no NACK) and
			// begins the new one. Preserved as-is.
			r.beginFrame()
			return EventNone
		case FrameEnd:
			if r.state == inFrame {
				r.state = waitChecksumLo
				return EventNone
			}
			r.abort()
			return EventFrameDropped
		default:
			// ESC followed by anything else is corrupt.
			r.abort()
			return EventFrameDropped
		}
	}

	return r.consume(b)
}

func (r *ReceiveState) consume(b byte) Event {
	switch r.state {
	case waitFrameStart:
		// Stray byte outside a frame; drop it silently.
		return EventNone

	case waitFrameType:
		r.frameType = b
		r.checksum.Write([]byte{b})
		r.state = waitSeqLo
		return EventNone

	case waitSeqLo:
		r.seqLo = b
		r.checksum.Write([]byte{b})
		r.state = waitSeqHi
		return EventNone

	case waitSeqHi:
		r.seqHi = b
		r.checksum.Write([]byte{b})
		r.state = waitChannel
		return EventNone

	case waitChannel:
		r.channel = b
		r.checksum.Write([]byte{b})
		r.state = inFrame
		return EventNone

	case inFrame:
		if len(r.payload) >= MTU {
			r.abort()
			return EventFrameDropped
		}
		r.payload = append(r.payload, b)
		r.checksum.Write([]byte{b})
		return EventNone

	case waitChecksumLo:
		r.csLo = b
		r.state = waitChecksumHi
		return EventNone

	case waitChecksumHi:
		r.csHi = b
		collected := uint16(r.csLo) | uint16(r.csHi)<<8
		computed := r.checksum.Sum()
		r.state = waitFrameStart
		if collected != computed {
			r.resetBuffers()
			return EventFrameDropped
		}
		r.Frame = Frame{
			Type:    r.frameType,
			Seq:     uint16(r.seqLo) | uint16(r.seqHi)<<8,
			Channel: r.channel,
			Payload: r.payload,
		}
		r.resetBuffers()
		return EventFrameReady

	default:
		return EventNone
	}
}

// beginFrame resets checksum and buffers and jumps to WAIT_FRAMETYPE.
func (r *ReceiveState) beginFrame() {
	r.checksum.Reset()
	r.payload = nil
	r.state = waitFrameType
}

// abort drops the in-progress frame and returns to WAIT_FRAMESTART.
func (r *ReceiveState) abort() {
	r.resetBuffers()
	r.state = waitFrameStart
}

func (r *ReceiveState) resetBuffers() {
	r.payload = nil
	r.frameType = 0
	r.seqLo, r.seqHi = 0, 0
	r.channel = 0
	r.csLo, r.csHi = 0, 0
}
