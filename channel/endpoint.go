package channel

import (
	"encoding/binary"
	"errors"
	"io"
)

// lengthPrefixSize is the 4-byte big-endian length prefix of the local
// message framing (spec §6).
const lengthPrefixSize = 4

// ErrOverflow is returned by ReadMessage when the local client's announced
// message length exceeds the MTU. The stream has already been resynchronized
// by draining the oversize message (spec §4.5, §7).
var ErrOverflow = errors.New("channel: message exceeds mtu, dropped")

// ReadMessage reads one length-prefixed message from r. If the announced
// length exceeds mtu, the message body is drained from r (so the stream
// stays aligned) and ErrOverflow is returned instead of the payload.
func ReadMessage(r io.Reader, mtu int) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])

	if int64(n) > int64(mtu) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, ErrOverflow
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage writes payload to w with its 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, payload []byte) error {
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
