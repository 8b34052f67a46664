// Package stage holds the fixed catalog of production stages an order moves through.
package stage

import "fmt"

// ID identifies a production stage.
type ID string

const (
	Cutting  ID = "cutting"
	Edging   ID = "edging"
	Drilling ID = "drilling"
	Sanding  ID = "sanding"
	Priming  ID = "priming"
	Painting ID = "painting"
)

// Stage is an immutable catalog entry.
type Stage struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	Order       int    `json:"order"`
}

var catalog = [...]Stage{
	{ID: Cutting, DisplayName: "Cutting", Order: 1},
	{ID: Edging, DisplayName: "Edging", Order: 2},
	{ID: Drilling, DisplayName: "Drilling", Order: 3},
	{ID: Sanding, DisplayName: "Sanding", Order: 4},
	{ID: Priming, DisplayName: "Priming", Order: 5},
	{ID: Painting, DisplayName: "Painting", Order: 6},
}

// All returns the stages in display order. The slice is a copy.
func All() []Stage {
	out := make([]Stage, len(catalog))
	copy(out, catalog[:])
	return out
}

// IDs returns the stage ids in display order.
func IDs() []ID {
	out := make([]ID, len(catalog))
	for i, s := range catalog {
		out[i] = s.ID
	}
	return out
}

// First is the stage new orders start in and the bucket for unknown statuses.
func First() Stage {
	return catalog[0]
}

// Lookup returns the stage with the given id.
func Lookup(id ID) (Stage, bool) {
	for _, s := range catalog {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Valid reports whether id names one of the six stages.
func Valid(id ID) bool {
	_, ok := Lookup(id)
	return ok
}

// Parse converts raw input into a stage id, rejecting unknown values.
func Parse(raw string) (ID, error) {
	id := ID(raw)
	if !Valid(id) {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return id, nil
}

// Normalize maps an empty or unknown status to the first stage.
func Normalize(raw string) ID {
	id := ID(raw)
	if Valid(id) {
		return id
	}
	return First().ID
}

// Transition describes a move between two stages. Any stage may follow any other.
type Transition struct {
	From ID
	To   ID
}

// Noop reports whether the move leaves the order where it is.
func (t Transition) Noop() bool {
	return t.From == t.To
}

// Backward reports whether the move goes to an earlier stage.
func (t Transition) Backward() bool {
	from, ok1 := Lookup(t.From)
	to, ok2 := Lookup(t.To)
	return ok1 && ok2 && to.Order < from.Order
}
