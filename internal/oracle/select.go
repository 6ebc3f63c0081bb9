package oracle

import (
	"errors"
	"sort"
)

var errNoCandidates = errors.New("oracle: no active candidates")

// Selection is the result of Select.
type Selection struct {
	Descriptor Descriptor
	// TieBroken is set when more than one active default matched and the
	// lowest id was taken.
	TieBroken bool
}

// Select picks the oracle among candidates. Inactive descriptors are
// ignored. A single match wins; otherwise the default does. Several defaults
// resolve to the lowest id. The result does not depend on input order.
func Select(candidates []Descriptor) (Selection, error) {
	var active []Descriptor
	for _, d := range candidates {
		if d.IsActive {
			active = append(active, d)
		}
	}

	switch len(active) {
	case 0:
		return Selection{}, errNoCandidates
	case 1:
		return Selection{Descriptor: active[0]}, nil
	}

	var defaults []Descriptor
	for _, d := range active {
		if d.IsDefault {
			defaults = append(defaults, d)
		}
	}
	switch len(defaults) {
	case 0:
		return Selection{}, &AmbiguousError{Candidates: len(active)}
	case 1:
		return Selection{Descriptor: defaults[0]}, nil
	}

	sort.Slice(defaults, func(i, j int) bool { return defaults[i].ID < defaults[j].ID })
	return Selection{Descriptor: defaults[0], TieBroken: true}, nil
}

// onlyAnyCurrency keeps descriptors that serve every currency.
func onlyAnyCurrency(ds []Descriptor) []Descriptor {
	var out []Descriptor
	for _, d := range ds {
		if d.AnyCurrency() {
			out = append(out, d)
		}
	}
	return out
}

func hasActive(ds []Descriptor) bool {
	for _, d := range ds {
		if d.IsActive {
			return true
		}
	}
	return false
}
