package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	b := newBus()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(ConversationUpdated{Key: domain.DirectKey("u2")})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			updated, ok := ev.(ConversationUpdated)
			require.True(t, ok)
			assert.Equal(t, "u2", updated.Key.TargetID)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusDropsWhenSubscriberFallsBehind(t *testing.T) {
	b := newBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < busBuffer+10; i++ {
		b.Publish(RosterUpdated{})
	}

	// The buffer holds what fit; the overflow was dropped, and Publish
	// never blocked to wait for us.
	assert.Equal(t, busBuffer, len(ch))
}

func TestBusCancelStopsDelivery(t *testing.T) {
	b := newBus()
	ch, cancel := b.Subscribe()

	cancel()
	b.Publish(RosterUpdated{})

	_, open := <-ch
	assert.False(t, open, "cancel closes the channel")

	// A second cancel is harmless.
	cancel()
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := newBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publish and a late Subscribe are no-ops after Close.
	b.Publish(RosterUpdated{})
	late, lateCancel := b.Subscribe()
	defer lateCancel()
	_, open = <-late
	assert.False(t, open)
}
