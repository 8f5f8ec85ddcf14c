package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiveStateResynchronizesAfterGarbagePrefix(t *testing.T) {
	f := Frame{Type: FrameData, Seq: 5, Channel: 9, Payload: []byte("hello")}
	wire, err := EncodeFrame(f)
	require.NoError(t, err)

	garbage := []byte{0x01, 0x02, 0xBE, 0x03, 0xFF, 0x00}
	input := append(append([]byte{}, garbage...), wire...)

	rs := NewReceiveState()
	var ready int
	for _, b := range input {
		switch rs.Feed(b) {
		case EventFrameReady:
			ready++
			require.Equal(t, f, rs.Frame)
		}
	}
	require.Equal(t, 1, ready)
}

func TestReceiveStateRejectsCorruptedChecksum(t *testing.T) {
	f := Frame{Type: FrameData, Seq: 1, Channel: 1, Payload: []byte("x")}
	wire, err := EncodeFrame(f)
	require.NoError(t, err)

	// Flip a bit in the last (checksum high) byte.
	wire[len(wire)-1] ^= 0x01

	rs := NewReceiveState()
	var droppedCount, readyCount int
	for _, b := range wire {
		switch rs.Feed(b) {
		case EventFrameDropped:
			droppedCount++
		case EventFrameReady:
			readyCount++
		}
	}
	require.Equal(t, 1, droppedCount)
	require.Equal(t, 0, readyCount)
}

func TestReceiveStateMidFrameStartAbandonsSilently(t *testing.T) {
	f1 := Frame{Type: FrameData, Seq: 1, Channel: 1, Payload: []byte("first")}
	f2 := Frame{Type: FrameData, Seq: 2, Channel: 2, Payload: []byte("second")}

	wire1, err := EncodeFrame(f1)
	require.NoError(t, err)
	wire2, err := EncodeFrame(f2)
	require.NoError(t, err)

	// Feed the start of frame 1 (header and payload, without the end
	// delimiter and checksum), then the entirety of frame 2. No FRAME_DROPPED should be emitted for the abandoned
	// frame 1 (spec §9 open question).
	truncated := wire1[:len(wire1)-4]
	input := append(append([]byte{}, truncated...), wire2...)

	rs := NewReceiveState()
	var dropped, ready int
	for _, b := range input {
		switch rs.Feed(b) {
		case EventFrameDropped:
			dropped++
		case EventFrameReady:
			ready++
			require.Equal(t, f2, rs.Frame)
		}
	}
	require.Equal(t, 0, dropped)
	require.Equal(t, 1, ready)
}

func TestReceiveStateDropsOnMTUOverflow(t *testing.T) {
	rs := NewReceiveState()
	rs.Feed(ESC)
	rs.Feed(FrameStart)
	rs.Feed(FrameData)
	rs.Feed(0x00)
	rs.Feed(0x00)
	rs.Feed(0x00) // channel

	var dropped int
	for i := 0; i <= MTU; i++ {
		if rs.Feed(0x42) == EventFrameDropped {
			dropped++
		}
	}
	require.Equal(t, 1, dropped)
}
