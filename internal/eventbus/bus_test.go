package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	stopped, unsub := b.Subscribe(4, SenderStopped)
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: SenderStarted, UserID: 1})
	b.Publish(Event{Type: SenderStopped, UserID: 1, Reason: "expired"})

	ev := <-stopped
	assert.Equal(t, "expired", ev.Reason)
	assert.False(t, ev.Time.IsZero())
	assert.Empty(t, stopped)
	assert.Len(t, all, 2)
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: SenderCycle})
	b.Publish(Event{Type: SenderCycle})
	assert.Len(t, ch, 1)

	unsub()
	unsub()
	b.Publish(Event{Type: SenderCycle})
	_, open := <-ch
	require.True(t, open)
	_, open = <-ch
	assert.False(t, open)
}
