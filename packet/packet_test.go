package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReuse(t *testing.T) {
	pool := NewPool(16, 128)

	pkt := pool.Get()
	require.True(t, pkt.Set([]byte{1, 2, 3}))
	assert.Equal(t, 3, pkt.Len())
	pkt.Seq = 42
	pkt.Hops = 2
	pkt.Release()

	// A recycled packet must come back fully reset
	pkt = pool.Get()
	assert.Nil(t, pkt.Payload)
	assert.Equal(t, uint64(0), pkt.Seq)
	assert.Equal(t, 0, pkt.Hops)
	pkt.Release()
}

func TestSetRespectsCapacity(t *testing.T) {
	pool := NewPool(0, 4)
	pkt := pool.Get()

	assert.True(t, pkt.Set([]byte{1, 2, 3, 4}))
	assert.False(t, pkt.Set(make([]byte, 5)))
	pkt.Release()
}

func TestSetCopies(t *testing.T) {
	pool := NewPool(8, 64)
	pkt := pool.Get()

	src := []byte{0xde, 0xad}
	require.True(t, pkt.Set(src))
	src[0] = 0
	assert.Equal(t, byte(0xde), pkt.Payload[0])
	pkt.Release()
}
