package datapoint

import (
	"encoding/json"
)

type jsonDatapoint struct {
	Name      string `json:"name"`
	Timestamp uint64 `json:"timestamp"`
	DType     uint32 `json:"dtype"`
	Data      any    `json:"data,omitempty"`

	EType    *uint8 `json:"e_type,omitempty"`
	ESubtype *uint8 `json:"e_subtype,omitempty"`
	EDType   *uint8 `json:"e_dtype,omitempty"`
	EParams  any    `json:"e_params,omitempty"`
}

// MarshalJSON renders the JSON form. Single-element numeric payloads render
// as a scalar, longer ones as an array; text types render as a string and
// opaque types as base64. Evt datapoints carry their header in e_type,
// e_subtype and e_dtype and their parameters in e_params.
func (d *Datapoint) MarshalJSON() ([]byte, error) {
	out := jsonDatapoint{
		Name:      d.Name,
		Timestamp: d.Timestamp,
	}

	if d.Type == Evt {
		put := uint8(d.Event.PutType)
		out.DType = uint32(Evt)
		out.EType = &d.Event.Type
		out.ESubtype = &d.Event.Subtype
		out.EDType = &put
		if d.Event.PutType == String {
			out.EParams = string(d.Data)
		} else if params := Elements(d.Event.PutType, d.Data); params != nil && d.Event.PutType != Byte {
			out.EParams = params
		} else {
			out.EParams = []any{}
		}
		return json.Marshal(out)
	}

	out.DType = d.TypeWord()
	switch {
	case d.Type.Literal() || d.Type == TriggerScript:
		out.Data = string(d.Data)
	case d.Type.ElementSize() > 0:
		vals := Elements(d.Type, d.Data)
		if len(vals) == 1 {
			out.Data = vals[0]
		} else {
			out.Data = vals
		}
	default:
		out.Data = EncodeBase64(d.Data)
	}
	return json.Marshal(out)
}
