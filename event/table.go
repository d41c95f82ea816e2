// Package event encodes discrete experiment events into Evt datapoints.
//
// Every event type (0..255) has a slot in a NameTable that names it and
// declares how its parameters are packed. The table is owned by the caller,
// read on every Encode and rewritten by E_NAME control events.
package event

import (
	"sync"

	"github.com/c360/dserv/datapoint"
)

// Reserved event types.
const (
	TypeMagic uint8 = 0 // E_MAGIC
	TypeName  uint8 = 1 // E_NAME, the name table control event
)

// Limits of the event record.
const (
	MaxDataLength = 256
	MaxNameLength = 63
	NumSlots      = 256
)

// DefaultTimeType is the time format tag used by all compiled-in slots.
const DefaultTimeType byte = 'c'

// PutType declares how an event's parameters are packed.
type PutType uint8

const (
	PutUnknown PutType = 0
	PutNull    PutType = 1
	PutString  PutType = 2
	PutShort   PutType = 3
	PutLong    PutType = 4
	PutFloat   PutType = 5
	PutDouble  PutType = 6
)

// NumPutTypes is the number of defined put types.
const NumPutTypes = 7

// DataType maps a put type onto the datapoint type of the parameters.
func (p PutType) DataType() datapoint.DataType {
	switch p {
	case PutUnknown, PutNull:
		return datapoint.Byte
	case PutString:
		return datapoint.String
	case PutShort:
		return datapoint.Short
	case PutLong:
		return datapoint.Int
	case PutFloat:
		return datapoint.Float
	case PutDouble:
		return datapoint.Double
	default:
		return datapoint.Unknown
	}
}

func (p PutType) String() string {
	switch p {
	case PutUnknown:
		return "unknown"
	case PutNull:
		return "null"
	case PutString:
		return "string"
	case PutShort:
		return "short"
	case PutLong:
		return "long"
	case PutFloat:
		return "float"
	case PutDouble:
		return "double"
	default:
		return "invalid"
	}
}

// Entry is one slot of the name table.
type Entry struct {
	Name     string
	TimeType byte
	PutType  PutType
}

// NameTable holds the 256 event slots. Lookups take a read lock; Reset and
// Redefine take the write lock.
type NameTable struct {
	mu    sync.RWMutex
	slots [NumSlots]Entry
}

// NewNameTable returns a table initialised with the compiled-in defaults.
func NewNameTable() *NameTable {
	t := &NameTable{}
	t.Init()
	return t
}

// Init loads the compiled-in defaults. Slots without a default get an
// empty name and the unknown put type.
func (t *NameTable) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = defaultSlots
}

// Reset restores all 256 slots to the compiled-in defaults.
func (t *NameTable) Reset() {
	t.Init()
}

// Lookup returns the entry for an event type.
func (t *NameTable) Lookup(typ uint8) Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[typ]
}

// Redefine replaces one slot. Names longer than MaxNameLength are
// truncated and stop at the first NUL byte.
func (t *NameTable) Redefine(slot uint8, e Entry) {
	e.Name = clampName(e.Name)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[slot] = e
}

// Snapshot copies the current table.
func (t *NameTable) Snapshot() [NumSlots]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots
}

func clampName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			name = name[:i]
			break
		}
	}
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	return name
}
