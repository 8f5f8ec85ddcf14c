package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFletcher16InitialState(t *testing.T) {
	f := NewFletcher16()
	require.Equal(t, uint16(0xFFFF), f.Sum())
}

func TestFletcher16IncrementalMatchesBulk(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, 1234567890")

	bulk := NewFletcher16()
	bulk.Write(data)
	bulkSum := bulk.Sum()

	incremental := NewFletcher16()
	for _, b := range data {
		incremental.Write([]byte{b})
	}
	require.Equal(t, bulkSum, incremental.Sum())
}

func TestFletcher16ReductionAcrossTwentyByteBoundary(t *testing.T) {
	data := make([]byte, 47)
	for i := range data {
		data[i] = byte(i * 7)
	}
	f := NewFletcher16()
	_, err := f.Write(data)
	require.NoError(t, err)
	require.NotPanics(t, func() { f.Sum() })
}

func TestFletcher16ResetReturnsToInitial(t *testing.T) {
	f := NewFletcher16()
	f.Write([]byte{1, 2, 3})
	require.NotEqual(t, uint16(0xFFFF), f.Sum())
	f.Reset()
	require.Equal(t, uint16(0xFFFF), f.Sum())
}
