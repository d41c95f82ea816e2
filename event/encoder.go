package event

import (
	"log/slog"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/pkg/timestamp"
)

// DatapointName is the name under which events are published.
const DatapointName = "eventlog/events"

// Encoder turns event tuples into Evt datapoints using a NameTable.
// It is safe for concurrent use.
type Encoder struct {
	table  *NameTable
	name   string
	clock  timestamp.Clock
	logger *slog.Logger
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithDatapointName overrides the published datapoint name.
func WithDatapointName(name string) EncoderOption {
	return func(e *Encoder) {
		if name != "" {
			e.name = name
		}
	}
}

// WithClock sets the clock used to stamp events sent with timestamp 0.
func WithClock(clock timestamp.Clock) EncoderOption {
	return func(e *Encoder) {
		e.clock = clock
	}
}

// WithLogger sets the encoder logger.
func WithLogger(logger *slog.Logger) EncoderOption {
	return func(e *Encoder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEncoder creates an encoder over table.
func NewEncoder(table *NameTable, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		table:  table,
		name:   DatapointName,
		clock:  timestamp.System,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "event-encoder")
	return e
}

// Table returns the name table the encoder reads.
func (e *Encoder) Table() *NameTable {
	return e.table
}

// Name returns the datapoint name events are published under.
func (e *Encoder) Name() string {
	return e.name
}

// Encode builds the datapoint for one event. Control events are applied to
// the name table before the put type of typ is looked up, so a rename of
// slot k is visible to every later Encode(k, ...). The returned datapoint
// owns its payload.
func (e *Encoder) Encode(typ, subtype uint8, ts uint64, data []byte) (*datapoint.Datapoint, error) {
	rec, err := Decode(typ, subtype, ts, data)
	if err != nil {
		return nil, err
	}
	return e.EncodeRecord(rec), nil
}

// EncodeRecord applies and encodes an already decoded record.
func (e *Encoder) EncodeRecord(rec Record) *datapoint.Datapoint {
	var stamp uint64
	switch rec.Kind {
	case KindReset:
		e.table.Reset()
		e.logger.Info("Event name table reset")
		stamp = rec.field
	case KindRename:
		e.table.Redefine(rec.Rename.Slot, rec.Rename.Entry)
		e.logger.Debug("Event slot redefined",
			"slot", rec.Rename.Slot,
			"name", rec.Rename.Entry.Name,
			"put_type", rec.Rename.Entry.PutType.String())
		stamp = rec.field
	default:
		stamp = timestamp.OrNow(rec.Time, e.clock)
	}

	entry := e.table.Lookup(rec.Type)
	info := datapoint.EventInfo{
		Type:    rec.Type,
		Subtype: rec.Subtype,
		PutType: entry.PutType.DataType(),
	}
	return datapoint.NewEvent(e.name, stamp, info, rec.Data)
}
