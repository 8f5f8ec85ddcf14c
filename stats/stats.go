// Package stats holds the global and per-channel counters described in
// spec §6, with a byte-exact packed snapshot layout.
package stats

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NumChannels is the number of channel slots (spec §3).
const NumChannels = 256

// SnapshotSize is the exact packed size: 7 global u64 fields plus 256
// per-channel blocks of 5 u64 fields (spec §6): 7*8 + 256*5*8 = 10296.
const SnapshotSize = 7*8 + NumChannels*5*8

// Global holds the process-wide counters (spec §6).
type Global struct {
	SerialReceived   uint64
	DomainForwarded  uint64
	DomainReceived   uint64
	SerialForwarded  uint64
	LostFrames       uint64
	BadFrames        uint64
	DropNotConnected uint64
}

// Channel holds the per-channel counters (spec §6).
type Channel struct {
	SerialReceived   uint64
	DomainForwarded  uint64
	DropNotConnected uint64
	DomainReceived   uint64
	SerialForwarded  uint64
}

// Stats is owned exclusively by the dispatcher; per spec §5 no
// synchronization is needed because only the dispatcher goroutine ever
// touches it.
type Stats struct {
	Global   Global
	Channels [NumChannels]Channel
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

// Snapshot serializes Stats into the exact little-endian packed layout of
// spec §6: the global block followed by 256 per-channel blocks, in slot
// order. The result is always SnapshotSize bytes.
func (s *Stats) Snapshot() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, SnapshotSize))
	_ = binary.Write(buf, binary.LittleEndian, &s.Global)
	_ = binary.Write(buf, binary.LittleEndian, &s.Channels)
	return buf.Bytes()
}

// String renders a human-readable one-line summary for the STATS timer tick
// (spec §4.6: "print a human-readable snapshot").
func (s *Stats) String() string {
	return fmt.Sprintf(
		"serial_rx=%d dom_fwd=%d dom_rx=%d serial_fwd=%d lost=%d bad=%d drop=%d",
		s.Global.SerialReceived, s.Global.DomainForwarded, s.Global.DomainReceived,
		s.Global.SerialForwarded, s.Global.LostFrames, s.Global.BadFrames, s.Global.DropNotConnected,
	)
}
