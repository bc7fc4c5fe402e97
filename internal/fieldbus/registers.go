// Package fieldbus mirrors the live device state as Modbus registers.
//
// Register map (input and holding registers share it, big-endian words):
//
//	0-1  reading x100, signed 32-bit
//	2-3  message sequence, unsigned 32-bit
//	4-5  cadence in milliseconds, unsigned 32-bit
//	6    publish enabled, 0 or 1
package fieldbus

import (
	"fmt"
	"math"

	"github.com/fisaks/devsim/internal/state"
)

const (
	RegReading  uint16 = 0
	RegSequence uint16 = 2
	RegCadence  uint16 = 4
	RegEnabled  uint16 = 6

	RegisterCount = 7
)

func Registers(snap state.Snapshot) []uint16 {
	regs := make([]uint16, RegisterCount)
	putUint32(regs[RegReading:], uint32(scaledReading(snap.Reading)))
	putUint32(regs[RegSequence:], uint32(min(snap.Sequence, math.MaxUint32)))
	putUint32(regs[RegCadence:], uint32(min(max(snap.CadenceMillis, 0), math.MaxUint32)))
	if snap.PublishEnabled {
		regs[RegEnabled] = 1
	}
	return regs
}

// DecodeRegisters is the inverse of Registers. Sequence and cadence wider
// than 32 bits saturate at math.MaxUint32.
func DecodeRegisters(regs []uint16) (state.Snapshot, error) {
	if len(regs) < RegisterCount {
		return state.Snapshot{}, fmt.Errorf("need %d registers, got %d", RegisterCount, len(regs))
	}
	return state.Snapshot{
		Reading:        float64(int32(getUint32(regs[RegReading:]))) / 100,
		Sequence:       uint64(getUint32(regs[RegSequence:])),
		CadenceMillis:  int64(getUint32(regs[RegCadence:])),
		PublishEnabled: regs[RegEnabled] != 0,
	}, nil
}

// WordsFromBytes converts a Modbus register payload to words.
func WordsFromBytes(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out
}

func bytesFromWords(words []uint16) []byte {
	out := make([]byte, 0, 2*len(words))
	for _, w := range words {
		out = append(out, byte(w>>8), byte(w))
	}
	return out
}

func putUint32(dst []uint16, v uint32) {
	dst[0] = uint16(v >> 16)
	dst[1] = uint16(v)
}

func getUint32(src []uint16) uint32 {
	return uint32(src[0])<<16 | uint32(src[1])
}

func scaledReading(v float64) int32 {
	x := math.Round(v * 100)
	switch {
	case math.IsNaN(x):
		return 0
	case x <= math.MinInt32:
		return math.MinInt32
	case x >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(x)
}
