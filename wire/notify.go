package wire

import (
	"encoding/json"
	"fmt"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
)

// Format is the encoding of datapoints pushed to a subscriber.
type Format int32

const (
	// FormatText sends the text form followed by '\n'.
	FormatText Format = iota
	// FormatBinary sends 128-byte fixed frames; datapoints that do not
	// fit are skipped.
	FormatBinary
	// FormatJSON sends one JSON object followed by '\n'.
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text":
		return FormatText, nil
	case "binary":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, errors.WrapInvalid(errors.ErrMalformedCommand, "Notify", "ParseFormat",
		fmt.Sprintf("parse format %q", s))
}

// FormatFromFlags maps %reg flags to a Format: bit 0 selects fixed frames,
// bit 1 JSON, otherwise text.
func FormatFromFlags(flags int) Format {
	switch {
	case flags&0x01 != 0:
		return FormatBinary
	case flags&0x02 != 0:
		return FormatJSON
	default:
		return FormatText
	}
}

// AppendNotification appends dp encoded in format f. The boolean is false
// when nothing was appended because dp does not fit a fixed frame, or
// because a literal payload with a line break cannot be sent as text.
func AppendNotification(b []byte, dp *datapoint.Datapoint, f Format) ([]byte, bool, error) {
	switch f {
	case FormatBinary:
		if !FixedFits(dp) {
			return b, false, nil
		}
		out, err := AppendFixedFrame(b, dp)
		if err != nil {
			return b, false, err
		}
		return out, true, nil
	case FormatJSON:
		js, err := json.Marshal(dp)
		if err != nil {
			return b, false, errors.Wrap(err, "Notify", "AppendNotification", "encode json")
		}
		b = append(b, js...)
		return append(b, '\n'), true, nil
	default:
		text, err := dp.FormatText()
		if err != nil {
			return b, false, nil
		}
		b = append(b, text...)
		return append(b, '\n'), true, nil
	}
}
