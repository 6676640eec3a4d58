package steerd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMapValidation(t *testing.T) {
	_, err := NewMap(nil)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "no entries")

	_, err = NewMap([]EntryConfig{{Core: 0, Capacity: 0}})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "capacity")

	_, err = NewMap([]EntryConfig{
		{Core: 2, Capacity: 8},
		{Core: 3, Capacity: 8},
		{Core: 2, Capacity: 8},
	})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "entries 0 and 2 both bind core 2")
}

func TestMapLookup(t *testing.T) {
	m, err := NewMap([]EntryConfig{
		{Core: 0, Capacity: 8},
		{Core: 1, Capacity: 16},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Size())

	e, err := m.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.ID)
	assert.Equal(t, 16, e.Capacity)
	assert.Equal(t, StateActive, e.State())

	_, err = m.Lookup(2)
	assert.ErrorIs(t, err, ErrInvalidDestination)
	_, err = m.Lookup(-1)
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestMapEntriesOrder(t *testing.T) {
	m, err := NewMap([]EntryConfig{
		{Core: 0, Capacity: 4},
		{Core: 1, Capacity: 4},
		{Core: 2, Capacity: 4},
	})
	require.NoError(t, err)

	for i, e := range m.Entries() {
		assert.Equal(t, i, e.ID)
	}
}
