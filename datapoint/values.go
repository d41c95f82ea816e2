package datapoint

import (
	"encoding/binary"
	"math"
)

// Helpers for building and reading little-endian numeric payloads.

// Int16s packs values as SHORT elements.
func Int16s(vals ...int16) []byte {
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	return b
}

// Int32s packs values as INT elements.
func Int32s(vals ...int32) []byte {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}

// Float32s packs values as FLOAT elements.
func Float32s(vals ...float32) []byte {
	b := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// Float64s packs values as DOUBLE elements.
func Float64s(vals ...float64) []byte {
	b := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

// Elements decodes a numeric payload into int64 (BYTE, SHORT, INT) or
// float64 (FLOAT, DOUBLE) values. Every element of a FLOAT or DOUBLE payload
// decodes as float64. Trailing bytes that do not form a whole element are
// ignored. Non-numeric types return nil.
func Elements(dtype DataType, data []byte) []any {
	size := dtype.ElementSize()
	if size == 0 {
		return nil
	}

	n := len(data) / size
	out := make([]any, n)
	for i := 0; i < n; i++ {
		chunk := data[i*size:]
		switch dtype {
		case Byte:
			out[i] = int64(chunk[0])
		case Short:
			out[i] = int64(int16(binary.LittleEndian.Uint16(chunk)))
		case Int:
			out[i] = int64(int32(binary.LittleEndian.Uint32(chunk)))
		case Float:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case Double:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		}
	}
	return out
}
