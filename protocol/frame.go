package protocol

import (
	"bytes"
	"fmt"
)

// EncodeFrame renders f as wire bytes: ESC FRAME_START <escaped header and
// payload> ESC FRAME_END <escaped checksum lo, hi> (spec §4.2). The checksum
// covers frame type, both sequence bytes (little-endian), the channel byte,
// and the payload, in that order; delimiters and the checksum bytes
// themselves are excluded from the checksum.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MTU {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds MTU %d", len(f.Payload), MTU)
	}

	var out bytes.Buffer
	out.WriteByte(ESC)
	out.WriteByte(FrameStart)

	sum := NewFletcher16()
	header := [4]byte{f.Type, byte(f.Seq), byte(f.Seq >> 8), f.Channel}
	for _, b := range header {
		writeEscaped(&out, b)
	}
	sum.Write(header[:])
	for _, b := range f.Payload {
		writeEscaped(&out, b)
	}
	sum.Write(f.Payload)

	out.WriteByte(ESC)
	out.WriteByte(FrameEnd)

	cs := sum.Sum()
	writeEscaped(&out, byte(cs))
	writeEscaped(&out, byte(cs>>8))

	return out.Bytes(), nil
}

// writeEscaped appends b to dst, escaping a literal ESC byte as ESC LITERAL_ESC.
func writeEscaped(dst *bytes.Buffer, b byte) {
	if b == ESC {
		dst.WriteByte(ESC)
		dst.WriteByte(LiteralEsc)
		return
	}
	dst.WriteByte(b)
}
