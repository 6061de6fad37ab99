package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsIdentityAndTime(t *testing.T) {
	event := New(EventContainerAssigned, "assigned", map[string]string{"hostname": "abc234"})

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, EventContainerAssigned, event.Type)
	assert.Equal(t, "abc234", event.Metadata["hostname"])
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(New(EventContainerPurged, "purged", map[string]string{"hostname": "abc234"}))

	select {
	case event := <-sub:
		assert.Equal(t, EventContainerPurged, event.Type)
		assert.Equal(t, "abc234", event.Metadata["hostname"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount())

	// a second unsubscribe of the same channel is a no-op
	broker.Unsubscribe(sub)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < publishBuffer+subscriberBuffer+10; i++ {
			broker.Publish(New(EventPoolRefilled, "refill", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	require.NotEmpty(t, sub)
}
