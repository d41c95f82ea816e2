package wire

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
)

// Frame is one decoded client message. Exactly one of Name, Datapoint or
// Line is meaningful, depending on Kind.
type Frame struct {
	Kind      Kind
	Name      string               // KindQuery
	Datapoint *datapoint.Datapoint // KindFixed
	Line      string               // KindText, without selector and terminator
}

// Reader decodes client messages from a byte stream.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

// NewReader wraps r. maxLine bounds text commands; zero selects
// DefaultMaxLineLength.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Reader{br: bufio.NewReaderSize(r, 4096), maxLine: maxLine}
}

// Next blocks until a complete message has been read. Line terminators and
// blanks between messages are skipped. io.EOF is returned unwrapped when the
// stream ends cleanly between messages.
func (r *Reader) Next() (Frame, error) {
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return Frame{}, err
		}

		switch c {
		case PrefixQuery:
			name, err := r.readQuery()
			return Frame{Kind: KindQuery, Name: name}, err
		case PrefixFixed:
			dp, err := r.readFixed()
			return Frame{Kind: KindFixed, Datapoint: dp}, err
		case PrefixText:
			line, err := r.readLine()
			return Frame{Kind: KindText, Line: line}, err
		case '\r', '\n', ' ', '\t':
			continue
		default:
			return Frame{}, errors.WrapInvalid(errors.ErrUnknownFraming, "Reader", "Next",
				fmt.Sprintf("select framing for byte 0x%02x", c))
		}
	}
}

func (r *Reader) readQuery() (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return "", streamError(err, "readQuery", "read name length")
	}
	n := int(hdr[0]) | int(hdr[1])<<8

	name := make([]byte, n)
	if _, err := io.ReadFull(r.br, name); err != nil {
		return "", streamError(err, "readQuery", "read name")
	}
	if n == 0 {
		return "", errors.WrapInvalid(errors.ErrEmptyName, "Reader", "readQuery", "validate name")
	}
	return string(name), nil
}

func (r *Reader) readFixed() (*datapoint.Datapoint, error) {
	var frame [FixedFrameSize]byte
	frame[0] = PrefixFixed
	if _, err := io.ReadFull(r.br, frame[1:]); err != nil {
		return nil, streamError(err, "readFixed", "read fixed frame")
	}
	return DecodeFixedFrame(frame[:])
}

// readLine returns the text up to '\n' with a trailing "\r\n" or "\n"
// removed. A stream that ends inside a line is a framing error.
func (r *Reader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > r.maxLine {
			return "", errors.WrapInvalid(errors.ErrLineTooLong, "Reader", "readLine",
				fmt.Sprintf("read line within %d bytes", r.maxLine))
		}
		if err == nil {
			break
		}
		if stderrors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", streamError(err, "readLine", "read text command")
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// streamError maps an EOF inside a message to ErrTruncated; transport
// errors are passed through as transient.
func streamError(err error, method, action string) error {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return errors.WrapInvalid(errors.ErrTruncated, "Reader", method, action)
	}
	return errors.WrapTransient(err, "Reader", method, action)
}
