package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLowestFree(t *testing.T) {
	r := newChannelRegistry()

	id, ok := r.lowestFree(3)
	require.True(t, ok)
	assert.Equal(t, uint16(1), id)

	for _, id := range []uint16{1, 2, 3} {
		r.add(&Channel{id: id})
	}
	_, ok = r.lowestFree(3)
	assert.False(t, ok)

	r.remove(&Channel{id: 2})
	assert.Equal(t, 3, r.len(), "only the registered instance can be removed")

	ch, _ := r.get(2)
	require.True(t, r.remove(ch))
	id, ok = r.lowestFree(3)
	require.True(t, ok)
	assert.Equal(t, uint16(2), id)
}

func TestRegistryLowestFreeAtMaxID(t *testing.T) {
	r := newChannelRegistry()
	for id := uint32(1); id < 65535; id++ {
		r.add(&Channel{id: uint16(id)})
	}
	id, ok := r.lowestFree(65535)
	require.True(t, ok)
	assert.Equal(t, uint16(65535), id)

	r.add(&Channel{id: 65535})
	_, ok = r.lowestFree(65535)
	assert.False(t, ok)
}

func TestRegistryRemoveKeepsReusedID(t *testing.T) {
	r := newChannelRegistry()
	old := &Channel{id: 4}
	r.add(old)
	require.True(t, r.remove(old))

	reused := &Channel{id: 4}
	r.add(reused)
	assert.False(t, r.remove(old), "a stale removal must not evict the new channel")

	got, ok := r.get(4)
	require.True(t, ok)
	assert.Same(t, reused, got)
}

func TestRegistryDrainOrdersByID(t *testing.T) {
	r := newChannelRegistry()
	for _, id := range []uint16{9, 2, 5} {
		r.add(&Channel{id: id})
	}

	drained := r.drain()
	ids := make([]uint16, 0, len(drained))
	for _, ch := range drained {
		ids = append(ids, ch.id)
	}
	assert.Equal(t, []uint16{2, 5, 9}, ids)
	assert.Zero(t, r.len())
}
