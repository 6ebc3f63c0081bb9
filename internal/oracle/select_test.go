package oracle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permutations(ds []Descriptor) [][]Descriptor {
	if len(ds) <= 1 {
		return [][]Descriptor{append([]Descriptor(nil), ds...)}
	}
	var out [][]Descriptor
	for i := range ds {
		rest := make([]Descriptor, 0, len(ds)-1)
		rest = append(rest, ds[:i]...)
		rest = append(rest, ds[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Descriptor{ds[i]}, p...))
		}
	}
	return out
}

func TestSelect_SingleMatch(t *testing.T) {
	sel, err := Select([]Descriptor{{ID: 7, BaseURL: "http://o7", IsActive: true}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), sel.Descriptor.ID)
	assert.False(t, sel.TieBroken)
}

func TestSelect_DefaultWinsInAnyOrder(t *testing.T) {
	ds := []Descriptor{
		{ID: 1, BaseURL: "http://o1", IsActive: true},
		{ID: 2, BaseURL: "http://o2", IsActive: true, IsDefault: true},
		{ID: 3, BaseURL: "http://o3", IsActive: true},
		{ID: 4, BaseURL: "http://o4", IsActive: false, IsDefault: true},
	}
	for _, p := range permutations(ds) {
		sel, err := Select(p)
		require.NoError(t, err)
		assert.Equal(t, int64(2), sel.Descriptor.ID)
	}
}

func TestSelect_NoDefaultIsAmbiguousInAnyOrder(t *testing.T) {
	ds := []Descriptor{
		{ID: 1, IsActive: true},
		{ID: 2, IsActive: true},
		{ID: 3, IsActive: true},
	}
	for _, p := range permutations(ds) {
		_, err := Select(p)
		var amb *AmbiguousError
		require.True(t, errors.As(err, &amb))
		assert.Equal(t, 3, amb.Candidates)
	}
}

func TestSelect_SeveralDefaultsLowestID(t *testing.T) {
	ds := []Descriptor{
		{ID: 9, IsActive: true, IsDefault: true},
		{ID: 4, IsActive: true, IsDefault: true},
		{ID: 6, IsActive: true},
	}
	for _, p := range permutations(ds) {
		sel, err := Select(p)
		require.NoError(t, err)
		assert.Equal(t, int64(4), sel.Descriptor.ID)
		assert.True(t, sel.TieBroken)
	}
}

func TestSelect_InactiveIgnored(t *testing.T) {
	_, err := Select([]Descriptor{{ID: 1}, {ID: 2, IsDefault: true}})
	assert.ErrorIs(t, err, errNoCandidates)

	sel, err := Select([]Descriptor{{ID: 1}, {ID: 2, IsActive: true}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel.Descriptor.ID, "one active match needs no default")
}
