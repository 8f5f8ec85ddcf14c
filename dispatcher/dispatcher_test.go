package dispatcher

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"rethosd/channel"
	"rethosd/protocol"
)

// ptyPort adapts one end of a pseudo-terminal pair to serial.Port, standing
// in for the real MCU-side UART the way doismellburning/samoyed's
// kisspt_init uses a pty to stand in for a client TNC.
type ptyPort struct {
	f *os.File
}

func (p ptyPort) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p ptyPort) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p ptyPort) Close() error                { return p.f.Close() }
func (p ptyPort) Flush() error                { return nil }

// mcuSide decodes frames written by the dispatcher and lets the test send
// frames back, playing the part of the MCU on the other end of the wire.
type mcuSide struct {
	f  *os.File
	rs *protocol.ReceiveState
}

func newMCUSide(f *os.File) *mcuSide {
	return &mcuSide{f: f, rs: protocol.NewReceiveState()}
}

func (m *mcuSide) send(f protocol.Frame) error {
	wire, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = m.f.Write(wire)
	return err
}

// recvFrame reads from the pty until one frame is assembled or the
// deadline elapses.
func (m *mcuSide) recvFrame(t *testing.T, timeout time.Duration) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for time.Now().Before(deadline) {
		require.NoError(t, m.f.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
		n, err := m.f.Read(buf)
		if n == 0 {
			continue
		}
		if m.rs.Feed(buf[0]) == protocol.EventFrameReady {
			return m.rs.Frame
		}
		_ = err
	}
	t.Fatal("timed out waiting for frame from dispatcher")
	return protocol.Frame{}
}

func TestDispatcherHandshakeAndDelivery(t *testing.T) {
	ptmx, pts, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer pts.Close()

	logger := log.New(io.Discard)
	port := ptyPort{f: ptmx}

	var addr [16]byte
	addr[15] = 1

	d := New(port, nil, nil, addr, logger)
	defer d.Close()
	go d.Run()

	mcu := newMCUSide(pts)

	// Give the channel-table actors time to start listening before we
	// dial (a longer settle delay than the channel exclusivity test's).
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("unix", channel.EndpointName(4))
	require.NoError(t, err)
	defer client.Close()

	// S1-style happy path: MCU sends a DATA frame on channel 4.
	require.NoError(t, mcu.send(protocol.Frame{Type: protocol.FrameData, Seq: 1, Channel: 4, Payload: []byte("hi")}))

	ack := mcu.recvFrame(t, 2*time.Second)
	require.Equal(t, protocol.FrameACK, ack.Type)
	require.Equal(t, uint16(1), ack.Seq)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := channel.ReadMessage(client, protocol.MTU)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), payload)
}

func TestDispatcherCommandChannelAddressReply(t *testing.T) {
	ptmx, pts, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer pts.Close()

	logger := log.New(io.Discard)
	port := ptyPort{f: ptmx}

	var addr [16]byte
	copy(addr[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})

	d := New(port, nil, nil, addr, logger)
	defer d.Close()
	go d.Run()

	mcu := newMCUSide(pts)
	time.Sleep(50 * time.Millisecond)

	// S6: a DATA frame on channel 2 with payload [0x01] gets an ACK plus a
	// DATA reply on channel 2 carrying [0x11, <16-byte address>].
	require.NoError(t, mcu.send(protocol.Frame{
		Type: protocol.FrameData, Seq: 1, Channel: protocol.ChannelCommand, Payload: []byte{0x01},
	}))

	ack := mcu.recvFrame(t, 2*time.Second)
	require.Equal(t, protocol.FrameACK, ack.Type)

	reply := mcu.recvFrame(t, 2*time.Second)
	require.Equal(t, protocol.FrameData, reply.Type)
	require.Equal(t, protocol.ChannelCommand, reply.Channel)
	require.Equal(t, byte(0x11), reply.Payload[0])
	require.Equal(t, addr[:], reply.Payload[1:])
}

func TestDispatcherLocalClientMessageForwardedAsDataFrame(t *testing.T) {
	ptmx, pts, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer pts.Close()

	logger := log.New(io.Discard)
	port := ptyPort{f: ptmx}

	var addr [16]byte
	d := New(port, nil, nil, addr, logger)
	defer d.Close()
	go d.Run()

	mcu := newMCUSide(pts)
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("unix", channel.EndpointName(10))
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, channel.WriteMessage(client, []byte("outbound")))

	frame := mcu.recvFrame(t, 2*time.Second)
	require.Equal(t, protocol.FrameData, frame.Type)
	require.Equal(t, byte(10), frame.Channel)
	require.Equal(t, []byte("outbound"), frame.Payload)
}
