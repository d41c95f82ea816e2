package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
)

// fixedHeaderSize is varlen(2) + timestamp(8) + type(4) + datalen(4).
const fixedHeaderSize = 18

// FixedFits reports whether dp can be carried by a fixed frame.
func FixedFits(dp *datapoint.Datapoint) bool {
	return dp.BinarySize() <= FixedPayloadSize
}

// AppendFixedFrame appends the 128-byte frame for dp to b. Nothing is
// appended when dp does not fit.
func AppendFixedFrame(b []byte, dp *datapoint.Datapoint) ([]byte, error) {
	if err := dp.Validate(); err != nil {
		return b, errors.WrapInvalid(err, "Fixed", "AppendFixedFrame", "validate datapoint")
	}
	if !FixedFits(dp) {
		return b, errors.WrapInvalid(errors.ErrFrameOverflow, "Fixed", "AppendFixedFrame",
			fmt.Sprintf("fit %d record bytes in %d", dp.BinarySize(), FixedPayloadSize))
	}

	start := len(b)
	b = append(b, PrefixFixed)
	b = dp.AppendBinary(b)
	for len(b)-start < FixedFrameSize {
		b = append(b, 0)
	}
	return b, nil
}

// EncodeFixedFrame returns the 128-byte frame for dp.
func EncodeFixedFrame(dp *datapoint.Datapoint) ([]byte, error) {
	frame, err := AppendFixedFrame(make([]byte, 0, FixedFrameSize), dp)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// DecodeFixedFrame parses a complete 128-byte frame, selector included.
// The timestamp is returned as sent; a zero value asks the server to stamp
// the datapoint.
func DecodeFixedFrame(frame []byte) (*datapoint.Datapoint, error) {
	if len(frame) != FixedFrameSize || frame[0] != PrefixFixed {
		return nil, errors.WrapInvalid(errors.ErrTruncated, "Fixed", "DecodeFixedFrame",
			fmt.Sprintf("check frame of %d bytes", len(frame)))
	}
	body := frame[1:]

	varlen := int(binary.LittleEndian.Uint16(body))
	if varlen == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyName, "Fixed", "DecodeFixedFrame", "validate name")
	}
	if 2+varlen+fixedHeaderSize-2 > len(body) {
		return nil, errors.WrapInvalid(errors.ErrFrameOverflow, "Fixed", "DecodeFixedFrame",
			fmt.Sprintf("fit name of %d bytes", varlen))
	}
	off := 2 + varlen
	datalen := binary.LittleEndian.Uint32(body[off+12:])
	if uint64(off)+16+uint64(datalen) > uint64(len(body)) {
		return nil, errors.WrapInvalid(errors.ErrFrameOverflow, "Fixed", "DecodeFixedFrame",
			fmt.Sprintf("fit payload of %d bytes", datalen))
	}

	dp, _, err := datapoint.DecodeBinary(body)
	if err != nil {
		return nil, err
	}
	return dp, nil
}
