package event

import (
	"fmt"

	"github.com/c360/dserv/errors"
)

// Reserved group ids.
const (
	GroupNone = 0 // no group registration
	GroupAll  = 1 // every event type
)

// Group is an inclusive range over event types.
type Group struct {
	ID  int   `json:"id"`
	Min uint8 `json:"min"`
	Max uint8 `json:"max"`
}

// Contains reports whether typ falls in the group.
func (g Group) Contains(typ uint8) bool {
	return typ >= g.Min && typ <= g.Max
}

// DefaultGroups lists the compiled-in groups, including the "all" group.
var DefaultGroups = []Group{
	{ID: GroupAll, Min: 0, Max: 255},
	{ID: 2, Min: 0, Max: 15},    // system
	{ID: 3, Min: 18, Max: 127},  // predefined
	{ID: 4, Min: 128, Max: 255}, // user
}

// LookupGroup returns the default group with the given id. GroupNone and
// unknown ids are rejected.
func LookupGroup(id int) (Group, error) {
	for _, g := range DefaultGroups {
		if g.ID == id {
			return g, nil
		}
	}
	return Group{}, errors.WrapInvalid(errors.ErrUnknownGroup, "event", "LookupGroup",
		fmt.Sprintf("resolve group %d", id))
}
