package datapoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/dserv/errors"
)

// binaryHeaderSize is varlen(2) + timestamp(8) + type(4) + datalen(4).
const binaryHeaderSize = 2 + 8 + 4 + 4

// BinarySize returns the length of the binary record for d.
func (d *Datapoint) BinarySize() int {
	return binaryHeaderSize + len(d.Name) + len(d.Data)
}

// AppendBinary appends the binary record
// varlen | name | timestamp | type | datalen | data
// to b, all integers little-endian.
func (d *Datapoint) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(d.Name)))
	b = append(b, d.Name...)
	b = binary.LittleEndian.AppendUint64(b, d.Timestamp)
	b = binary.LittleEndian.AppendUint32(b, d.TypeWord())
	b = binary.LittleEndian.AppendUint32(b, uint32(len(d.Data)))
	return append(b, d.Data...)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d *Datapoint) MarshalBinary() ([]byte, error) {
	if len(d.Name) > math.MaxUint16 {
		return nil, errors.WrapInvalid(errors.ErrNameTooLong, "Datapoint", "MarshalBinary", "encode name length")
	}
	return d.AppendBinary(make([]byte, 0, d.BinarySize())), nil
}

// DecodeBinary parses one binary record from the front of b and returns the
// datapoint and the number of bytes consumed. The payload is copied.
func DecodeBinary(b []byte) (*Datapoint, int, error) {
	if len(b) < 2 {
		return nil, 0, truncated("varlen", len(b))
	}
	varlen := int(binary.LittleEndian.Uint16(b))
	off := 2
	if len(b) < off+varlen+16 {
		return nil, 0, truncated("header", len(b))
	}
	name := string(b[off : off+varlen])
	off += varlen

	ts := binary.LittleEndian.Uint64(b[off:])
	off += 8
	word := binary.LittleEndian.Uint32(b[off:])
	off += 4
	datalen := int(binary.LittleEndian.Uint32(b[off:]))
	off += 4

	if datalen < 0 || len(b)-off < datalen {
		return nil, 0, truncated("payload", len(b))
	}

	d := FromTypeWord(name, word, ts, b[off:off+datalen])
	return d, off + datalen, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Trailing bytes
// are rejected.
func (d *Datapoint) UnmarshalBinary(b []byte) error {
	dp, n, err := DecodeBinary(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errors.WrapInvalid(errors.ErrLengthMismatch, "Datapoint", "UnmarshalBinary",
			fmt.Sprintf("consume %d of %d bytes", n, len(b)))
	}
	*d = *dp
	return nil
}

func truncated(part string, have int) error {
	return errors.WrapInvalid(errors.ErrTruncated, "Datapoint", "DecodeBinary",
		fmt.Sprintf("read %s from %d bytes", part, have))
}
