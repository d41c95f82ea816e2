package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
)

// AppendQuery appends a '<' query for name.
func AppendQuery(b []byte, name string) ([]byte, error) {
	if name == "" {
		return b, errors.WrapInvalid(errors.ErrEmptyName, "Query", "AppendQuery", "validate name")
	}
	if len(name) > math.MaxUint16 {
		return b, errors.WrapInvalid(errors.ErrNameTooLong, "Query", "AppendQuery", "encode name length")
	}
	b = append(b, PrefixQuery)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	return append(b, name...), nil
}

// AppendQueryReply appends the reply to a query: int32 L followed by the
// binary record, or L == 0 when dp is nil.
func AppendQueryReply(b []byte, dp *datapoint.Datapoint) []byte {
	if dp == nil {
		return binary.LittleEndian.AppendUint32(b, 0)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(dp.BinarySize()))
	return dp.AppendBinary(b)
}

// ReadQueryReply reads one query reply. The boolean is false when the
// server reported the name as absent.
func ReadQueryReply(r io.Reader) (*datapoint.Datapoint, bool, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, errors.WrapTransient(err, "Query", "ReadQueryReply", "read reply length")
	}
	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	switch {
	case n == 0:
		return nil, false, nil
	case n < 0:
		return nil, false, errors.WrapInvalid(errors.ErrLengthMismatch, "Query", "ReadQueryReply",
			fmt.Sprintf("accept reply length %d", n))
	}

	record := make([]byte, n)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, false, errors.WrapTransient(err, "Query", "ReadQueryReply", "read reply record")
	}
	dp := new(datapoint.Datapoint)
	if err := dp.UnmarshalBinary(record); err != nil {
		return nil, false, err
	}
	return dp, true, nil
}
