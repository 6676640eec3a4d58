package steerd

import (
	"testing"

	"github.com/steerd/steerd/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageBufferTransfersOnFull(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: 0, Capacity: 16}})
	require.NoError(t, err)

	s := NewStager(m, 3)
	entry := m.Entries()[0]

	s.Stage(0, newTestPacket(t, pool, []byte{0}))
	s.Stage(0, newTestPacket(t, pool, []byte{1}))
	assert.Equal(t, 0, entry.QueueLen(), "partial batch must stay staged")

	// The third frame fills the buffer and triggers the bulk transfer.
	s.Stage(0, newTestPacket(t, pool, []byte{2}))
	assert.Equal(t, 3, entry.QueueLen())
	assert.Equal(t, uint64(3), entry.Stats().Enqueued)
}

func TestStagerFlushAll(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{
		{Core: 0, Capacity: 16},
		{Core: 1, Capacity: 16},
	})
	require.NoError(t, err)

	s := NewStager(m, 8)
	s.Stage(0, newTestPacket(t, pool, []byte{0}))
	s.Stage(1, newTestPacket(t, pool, []byte{1}))
	s.Stage(1, newTestPacket(t, pool, []byte{2}))

	assert.Equal(t, 0, m.Entries()[0].QueueLen())
	assert.Equal(t, 0, m.Entries()[1].QueueLen())

	// The cycle-boundary flush moves every partial batch.
	s.FlushAll()
	assert.Equal(t, 1, m.Entries()[0].QueueLen())
	assert.Equal(t, 2, m.Entries()[1].QueueLen())
}

func TestStageInvalidDestination(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: 0, Capacity: 16}})
	require.NoError(t, err)

	s := NewStager(m, 8)
	s.Stage(5, newTestPacket(t, pool, []byte{0}))
	s.Stage(-1, newTestPacket(t, pool, []byte{1}))

	assert.Equal(t, uint64(2), m.InvalidRedirects())
	assert.Equal(t, 0, m.Entries()[0].QueueLen())
}

func TestStageOverflowCountsDroppedFull(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: 0, Capacity: 2}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	s := NewStager(m, 8)
	for i := 0; i < 5; i++ {
		s.Stage(0, newTestPacket(t, pool, []byte{byte(i)}))
	}
	s.FlushAll()

	st := entry.Stats()
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(3), st.DroppedFull)
	assert.Equal(t, 2, entry.QueueLen())
}

// TestStageSaturationNeverBlocks hammers a full queue with no consumer; every
// transfer must return immediately with the overflow counted.
func TestStageSaturationNeverBlocks(t *testing.T) {
	pool := packet.NewPool(0, 128)
	m, err := NewMap([]EntryConfig{{Core: 0, Capacity: 16}})
	require.NoError(t, err)
	entry := m.Entries()[0]

	s := NewStager(m, 8)
	var lastDropped uint64
	for i := 0; i < 100; i++ {
		s.Stage(0, newTestPacket(t, pool, []byte{byte(i)}))
		dropped := entry.Stats().DroppedFull
		require.GreaterOrEqual(t, dropped, lastDropped)
		lastDropped = dropped
	}
	s.FlushAll()

	st := entry.Stats()
	assert.Equal(t, uint64(16), st.Enqueued)
	assert.Equal(t, uint64(84), st.DroppedFull)
}

func TestStagerDefaultBatch(t *testing.T) {
	m, err := NewMap([]EntryConfig{{Core: 0, Capacity: 16}})
	require.NoError(t, err)

	assert.Equal(t, defaultStageBatch, NewStager(m, 0).Batch())
	assert.Equal(t, 4, NewStager(m, 4).Batch())
}
