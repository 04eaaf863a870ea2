package rabbitmq

import (
	"sort"
	"sync"
)

// channelRegistry maps channel ids to channel actors.
//
// Lock discipline: only the connection actor goroutine calls add, remove and
// drain. The dispatcher reader calls get on every inbound frame, so lookups
// take the read lock only.
type channelRegistry struct {
	mu       sync.RWMutex
	channels map[uint16]*Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[uint16]*Channel)}
}

func (r *channelRegistry) get(id uint16) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *channelRegistry) add(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.id] = ch
}

// remove deletes id only if it still maps to ch, so a late removal cannot
// evict a newer channel that reused the id.
func (r *channelRegistry) remove(ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[ch.id]; ok && cur == ch {
		delete(r.channels, ch.id)
		return true
	}
	return false
}

// lowestFree returns the smallest unused id in 1..max.
func (r *channelRegistry) lowestFree(max uint16) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := uint32(1); id <= uint32(max); id++ {
		if _, used := r.channels[uint16(id)]; !used {
			return uint16(id), true
		}
	}
	return 0, false
}

// drain empties the registry and returns the channels in id order.
func (r *channelRegistry) drain() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	r.channels = make(map[uint16]*Channel)
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *channelRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
