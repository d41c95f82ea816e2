// Package wire implements the three framings that share a dserv connection.
//
// The first byte of every client message selects the framing:
//
//	'<'  query      uint16 varlen, name; answered by int32 L and an L byte record
//	'>'  fixed push 128 bytes total, one datapoint record, zero padded
//	'%'  text       one command line terminated by "\r\n"
//
// All integers are little-endian. Reader peeks the selector and hands the
// rest of the message to the matching decoder; the encoders are used by the
// server for replies and by the Go client for requests.
package wire

import (
	stderrors "errors"

	"github.com/c360/dserv/errors"
)

// Framing selector bytes.
const (
	PrefixQuery byte = '<'
	PrefixFixed byte = '>'
	PrefixText  byte = '%'
)

const (
	// FixedFrameSize is the total length of a fixed push including the
	// selector byte.
	FixedFrameSize = 128

	// FixedPayloadSize is the room left for the record after the selector.
	FixedPayloadSize = FixedFrameSize - 1

	// DefaultMaxLineLength bounds a single text command.
	DefaultMaxLineLength = 1 << 20
)

// Kind identifies the framing of a decoded message.
type Kind int

const (
	KindQuery Kind = iota
	KindFixed
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindFixed:
		return "fixed"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// ClosesConnection reports whether a text command failed with a protocol
// framing error. The failure is still answered, then the connection is
// closed.
func ClosesConnection(err error) bool {
	return stderrors.Is(err, errors.ErrMalformedBase64)
}

// Recoverable reports whether err rejected a single message while leaving
// the stream aligned on the next message. Any other error from Reader
// leaves the stream position undefined and the connection must be closed.
func Recoverable(err error) bool {
	return stderrors.Is(err, errors.ErrEmptyName) ||
		stderrors.Is(err, errors.ErrNameTooLong) ||
		stderrors.Is(err, errors.ErrFrameOverflow)
}
