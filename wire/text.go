package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
)

// Status is the leading field of a text reply.
type Status int

const (
	StatusNotFound Status = -1
	StatusFail     Status = 0
	StatusOK       Status = 1
)

// SplitCommand separates the verb of a text command from its arguments.
// Leading blanks of the arguments are removed; trailing bytes are kept
// since literal payloads may end in spaces.
func SplitCommand(line string) (verb, args string) {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimLeft(line[i+1:], " \t")
	}
	return line, ""
}

// FormatReply renders "<status> <payload>\n".
func FormatReply(status Status, payload string) string {
	return fmt.Sprintf("%d %s\n", status, payload)
}

// AppendReply appends the reply line to b.
func AppendReply(b []byte, status Status, payload string) []byte {
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, payload...)
	return append(b, '\n')
}

// ParseReply splits a reply line (terminator optional) into its status and
// payload.
func ParseReply(line string) (Status, string, error) {
	line = strings.TrimRight(line, "\r\n")
	head, payload, _ := strings.Cut(line, " ")
	n, err := strconv.Atoi(head)
	if err != nil {
		return StatusFail, "", errors.WrapInvalid(errors.ErrMalformedCommand, "Text", "ParseReply",
			"parse status "+strconv.Quote(head))
	}
	return Status(n), payload, nil
}

// FormatSetData renders the %setdata command that stores dp as is, using
// its real name and type word. Literal types are sent verbatim inside the
// braces, everything else as base64. A literal payload with a line break
// would split the command and is rejected.
func FormatSetData(dp *datapoint.Datapoint) (string, error) {
	if dp.Type.Literal() && datapoint.HasLineBreak(dp.Data) {
		return "", errors.WrapInvalid(errors.ErrLineBreak, "Text", "FormatSetData",
			"format "+strconv.Quote(dp.Name))
	}

	var sb strings.Builder
	sb.Grow(len(dp.Name) + 48 + len(dp.Data)*4/3)

	fmt.Fprintf(&sb, "%csetdata %s %d %d %d {", PrefixText, dp.Name, dp.TypeWord(), dp.Timestamp, len(dp.Data))
	if dp.Type.Literal() {
		sb.Write(dp.Data)
	} else {
		sb.WriteString(datapoint.EncodeBase64(dp.Data))
	}
	sb.WriteString("}\r\n")
	return sb.String(), nil
}

// FormatCommand renders a text command from its verb and arguments.
func FormatCommand(verb string, args ...string) string {
	var sb strings.Builder
	sb.WriteByte(PrefixText)
	sb.WriteString(verb)
	for _, a := range args {
		sb.WriteByte(' ')
		sb.WriteString(a)
	}
	sb.WriteString("\r\n")
	return sb.String()
}
