package rabbitmq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFO(t *testing.T) {
	m := newMailbox[int]()
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.push(i))
	}
	assert.Equal(t, 3, m.len())

	select {
	case <-m.ready():
	default:
		t.Fatal("push did not signal")
	}

	for want := 1; want <= 3; want++ {
		got, ok := m.pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := m.pop()
	assert.False(t, ok)
}

func TestMailboxClose(t *testing.T) {
	m := newMailbox[string]()
	require.NoError(t, m.push("a"))
	require.NoError(t, m.push("b"))

	assert.Equal(t, []string{"a", "b"}, m.close())
	assert.ErrorIs(t, m.push("c"), ErrActorGone)
	assert.Zero(t, m.len())
}

func TestMailboxPushNeverBlocks(t *testing.T) {
	m := newMailbox[int]()
	const producers, each = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				m.push(i)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("push blocked without a consumer")
	}
	assert.Equal(t, producers*each, m.len())
}
