// Package datapoint defines the named, typed, timestamped values held by the
// broker and their three external encodings: the binary record used by
// queries and fixed frames, the text form used by % commands, and the JSON
// form pushed to JSON subscribers.
package datapoint

import (
	"fmt"

	"github.com/c360/dserv/errors"
)

// DataType identifies how a datapoint payload is interpreted. The numeric
// values are part of the wire contract.
type DataType uint8

const (
	Byte          DataType = 0
	String        DataType = 1
	Float         DataType = 2
	Double        DataType = 3
	Short         DataType = 4
	Int           DataType = 5
	DG            DataType = 6
	Script        DataType = 7
	TriggerScript DataType = 8
	Evt           DataType = 9
	None          DataType = 10
	JSON          DataType = 11
	Unknown       DataType = 12
)

var typeNames = [...]string{
	Byte:          "BYTE",
	String:        "STRING",
	Float:         "FLOAT",
	Double:        "DOUBLE",
	Short:         "SHORT",
	Int:           "INT",
	DG:            "DG",
	Script:        "SCRIPT",
	TriggerScript: "TRIGGER_SCRIPT",
	Evt:           "EVT",
	None:          "NONE",
	JSON:          "JSON",
	Unknown:       "UNKNOWN",
}

func (t DataType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// Valid reports whether t is one of the defined tags.
func (t DataType) Valid() bool {
	return t <= Unknown
}

// Literal reports whether payloads of this type travel as raw text in the
// text form. All other types are base64 encoded.
func (t DataType) Literal() bool {
	return t == String || t == Script || t == JSON
}

// ElementSize returns the width of one array element for numeric types and
// 0 for everything else.
func (t DataType) ElementSize() int {
	switch t {
	case Byte:
		return 1
	case Short:
		return 2
	case Int, Float:
		return 4
	case Double:
		return 8
	default:
		return 0
	}
}

// MaxNameLength bounds datapoint names on every framing.
const MaxNameLength = 255

// EventInfo carries the event header of an Evt datapoint.
type EventInfo struct {
	Type    uint8
	Subtype uint8
	PutType DataType
}

// Datapoint is the current value of one name. A Datapoint is treated as
// immutable once handed to the store; use Clone before modifying one that
// was obtained from the broker.
type Datapoint struct {
	Name      string
	Timestamp uint64
	Type      DataType
	Event     EventInfo
	Data      []byte

	// word is the raw type word when it does not decode to a known tag, so
	// that it is forwarded unchanged.
	word uint32
}

// New builds a datapoint holding a private copy of data.
func New(name string, dtype DataType, ts uint64, data []byte) *Datapoint {
	return &Datapoint{
		Name:      name,
		Timestamp: ts,
		Type:      dtype,
		Data:      clone(data),
	}
}

// NewEvent builds an Evt datapoint holding a private copy of data.
func NewEvent(name string, ts uint64, info EventInfo, data []byte) *Datapoint {
	return &Datapoint{
		Name:      name,
		Timestamp: ts,
		Type:      Evt,
		Event:     info,
		Data:      clone(data),
	}
}

// FromTypeWord builds a datapoint whose type is decoded from a wire type word.
func FromTypeWord(name string, word uint32, ts uint64, data []byte) *Datapoint {
	dtype, info, raw := ParseTypeWord(word)
	return &Datapoint{
		Name:      name,
		Timestamp: ts,
		Type:      dtype,
		Event:     info,
		Data:      clone(data),
		word:      raw,
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Clone returns a deep copy.
func (d *Datapoint) Clone() *Datapoint {
	c := *d
	c.Data = clone(d.Data)
	return &c
}

// Validate checks the name constraints shared by all framings.
func (d *Datapoint) Validate() error {
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrEmptyName, "Datapoint", "Validate", "check name")
	}
	if len(d.Name) > MaxNameLength {
		return errors.WrapInvalid(errors.ErrNameTooLong, "Datapoint", "Validate",
			fmt.Sprintf("check name of %d bytes", len(d.Name)))
	}
	return nil
}

// Equal reports whether two datapoints carry the same tuple.
func (d *Datapoint) Equal(o *Datapoint) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Name == o.Name &&
		d.Timestamp == o.Timestamp &&
		d.TypeWord() == o.TypeWord() &&
		string(d.Data) == string(o.Data)
}

// TypeWord returns the 32-bit type field written on the wire. For Evt
// datapoints the four little-endian bytes are the Evt tag, the event type,
// the subtype and the put type.
func (d *Datapoint) TypeWord() uint32 {
	switch {
	case d.word != 0 && (d.Type == Evt || d.Type == Unknown):
		return d.word
	case d.Type == Evt:
		return uint32(Evt) |
			uint32(d.Event.Type)<<8 |
			uint32(d.Event.Subtype)<<16 |
			uint32(d.Event.PutType)<<24
	default:
		return uint32(d.Type)
	}
}

// ParseTypeWord decodes a wire type field. Words that name no known type
// decode to Unknown and are returned as raw so they can be re-emitted.
func ParseTypeWord(word uint32) (DataType, EventInfo, uint32) {
	if word&0xff == uint32(Evt) {
		info := EventInfo{
			Type:    uint8(word >> 8),
			Subtype: uint8(word >> 16),
			PutType: DataType(word >> 24),
		}
		if !info.PutType.Valid() {
			info.PutType = Unknown
			return Evt, info, word
		}
		return Evt, info, 0
	}
	if word <= uint32(Unknown) {
		return DataType(word), EventInfo{}, 0
	}
	return Unknown, EventInfo{}, word
}

// TextName is the name used in the text form: Evt datapoints are shown as
// evt:<type>:<subtype>.
func (d *Datapoint) TextName() string {
	if d.Type == Evt {
		return fmt.Sprintf("evt:%d:%d", d.Event.Type, d.Event.Subtype)
	}
	return d.Name
}

// TextType is the type tag used in the text form: Evt datapoints report the
// put type of their parameters.
func (d *Datapoint) TextType() uint32 {
	if d.Type == Evt {
		return uint32(d.Event.PutType)
	}
	return d.TypeWord()
}

func (d *Datapoint) String() string {
	return fmt.Sprintf("%s[%s ts=%d len=%d]", d.Name, d.Type, d.Timestamp, len(d.Data))
}
