package datapoint

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/dserv/errors"
)

// FormatText renders the text form "name dtype timestamp datalen {data}".
// Literal types carry their bytes verbatim; every other type is base64.
// A literal payload holding '\r' or '\n' cannot travel on one line and is
// rejected with ErrLineBreak.
func (d *Datapoint) FormatText() (string, error) {
	if d.textLiteral() && HasLineBreak(d.Data) {
		return "", errors.WrapInvalid(errors.ErrLineBreak, "Datapoint", "FormatText",
			"format "+strconv.Quote(d.Name))
	}

	var sb strings.Builder
	sb.Grow(len(d.Name) + 40 + len(d.Data)*4/3)

	fmt.Fprintf(&sb, "%s %d %d %d {", d.TextName(), d.TextType(), d.Timestamp, len(d.Data))
	if d.textLiteral() {
		sb.Write(d.Data)
	} else {
		sb.WriteString(EncodeBase64(d.Data))
	}
	sb.WriteByte('}')
	return sb.String(), nil
}

// HasLineBreak reports whether b contains '\r' or '\n'.
func HasLineBreak(b []byte) bool {
	return bytes.ContainsAny(b, "\r\n")
}

func (d *Datapoint) textLiteral() bool {
	if d.Type == Evt {
		return d.Event.PutType.Literal()
	}
	return d.Type.Literal()
}

// ParseText parses the text form produced by FormatText (the argument of
// %setdata). For literal types exactly datalen bytes follow the opening
// brace; for other types the braces enclose base64 that must decode to
// datalen bytes.
func ParseText(s string) (*Datapoint, error) {
	rest := s
	var fields [4]string
	for i := range fields {
		rest = strings.TrimLeft(rest, " ")
		end := strings.IndexByte(rest, ' ')
		if end <= 0 {
			return nil, malformed(fmt.Sprintf("field %d missing", i+1))
		}
		fields[i] = rest[:end]
		rest = rest[end:]
	}

	rest = strings.TrimLeft(rest, " ")
	if !strings.HasPrefix(rest, "{") {
		return nil, malformed("opening brace missing")
	}
	rest = rest[1:]

	name := fields[0]
	word, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil {
		return nil, malformed("dtype " + strconv.Quote(fields[1]))
	}
	ts, err := strconv.ParseUint(fields[2], 0, 64)
	if err != nil {
		return nil, malformed("timestamp " + strconv.Quote(fields[2]))
	}
	datalen, err := strconv.ParseUint(fields[3], 0, 31)
	if err != nil {
		return nil, malformed("datalen " + strconv.Quote(fields[3]))
	}

	dtype, _, _ := ParseTypeWord(uint32(word))

	var data []byte
	if dtype.Literal() {
		n := int(datalen)
		if len(rest) < n+1 || rest[n] != '}' {
			return nil, errors.WrapInvalid(errors.ErrLengthMismatch, "Datapoint", "ParseText",
				fmt.Sprintf("read %d literal bytes", n))
		}
		data = []byte(rest[:n])
		if HasLineBreak(data) {
			return nil, errors.WrapInvalid(errors.ErrLineBreak, "Datapoint", "ParseText",
				"read literal bytes")
		}
	} else {
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return nil, malformed("closing brace missing")
		}
		data, err = DecodeBase64(rest[:end])
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) != datalen {
			return nil, errors.WrapInvalid(errors.ErrLengthMismatch, "Datapoint", "ParseText",
				fmt.Sprintf("decode %d bytes, header says %d", len(data), datalen))
		}
	}

	d := FromTypeWord(name, uint32(word), ts, data)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func malformed(what string) error {
	return errors.WrapInvalid(errors.ErrMalformedCommand, "Datapoint", "ParseText", what)
}
