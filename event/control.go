package event

import (
	"fmt"

	"github.com/c360/dserv/errors"
)

// Kind says how an incoming event tuple acts on the name table.
type Kind int

const (
	// KindNormal events carry a real timestamp and leave the table alone.
	KindNormal Kind = iota
	// KindReset restores the default table (E_NAME, subtype 1).
	KindReset
	// KindRename redefines one slot (E_NAME, subtype > 1).
	KindRename
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindReset:
		return "reset"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// SubtypeReset is the E_NAME subtype that resets the table.
const SubtypeReset uint8 = 1

// Rename describes a slot redefinition carried by an E_NAME event.
type Rename struct {
	Slot  uint8
	Entry Entry
}

// Record is an event tuple decoded once at the boundary. Control events
// reuse the timestamp field as configuration: byte 0 is the slot's time
// type and byte 1 its put type. Those bytes are exposed only through
// Rename; Time is meaningful for KindNormal alone.
type Record struct {
	Kind    Kind
	Type    uint8
	Subtype uint8
	Time    uint64
	Rename  Rename
	Data    []byte

	// field is the timestamp argument exactly as received; the emitted
	// datapoint carries it unchanged so downstream readers see the wire value.
	field uint64
}

// Field returns the timestamp argument as received.
func (r Record) Field() uint64 {
	return r.field
}

// Decode classifies an event tuple and validates its size. Data over
// MaxDataLength is rejected before anything is copied.
func Decode(typ, subtype uint8, ts uint64, data []byte) (Record, error) {
	if len(data) > MaxDataLength {
		return Record{}, errors.WrapInvalid(errors.ErrEventDataTooLarge, "event", "Decode",
			fmt.Sprintf("accept %d bytes of event data", len(data)))
	}

	r := Record{
		Kind:    KindNormal,
		Type:    typ,
		Subtype: subtype,
		Time:    ts,
		Data:    data,
		field:   ts,
	}

	if typ != TypeName {
		return r, nil
	}

	switch {
	case subtype == SubtypeReset:
		r.Kind = KindReset
		r.Time = 0
	case subtype > SubtypeReset:
		r.Kind = KindRename
		r.Time = 0
		r.Rename = Rename{
			Slot: subtype,
			Entry: Entry{
				Name:     clampName(string(data)),
				TimeType: byte(ts),
				PutType:  PutType(byte(ts >> 8)),
			},
		}
	}
	// E_NAME with subtype 0 would target the magic slot; it passes through
	// as an ordinary event.
	return r, nil
}

// RenameField builds the timestamp argument of an E_NAME rename event.
func RenameField(timeType byte, put PutType) uint64 {
	return uint64(put)<<8 | uint64(timeType)
}
