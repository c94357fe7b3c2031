package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/model"
)

func TestSubscribeFiltersPerItem(t *testing.T) {
	b := New()
	defer b.Close()

	mine := b.Subscribe("ITEM-AAAA0001")
	other := b.Subscribe("ITEM-BBBB0002")
	global := b.Subscribe("")

	ev := model.NewEvent("ITEM-AAAA0001", model.EventItemCreated, nil)
	b.Publish(ev)

	got := <-mine.Events()
	assert.Equal(t, ev.ID, got.ID)
	got = <-global.Events()
	assert.Equal(t, ev.ID, got.ID)

	select {
	case unexpected := <-other.Events():
		t.Fatalf("subscriber for another item received %v", unexpected)
	default:
	}
}

// A subscriber that never drains must not block the publisher; extra events
// are dropped.
func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("ITEM-AAAA0001")
	defer sub.Close()

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(model.NewEvent("ITEM-AAAA0001", model.EventStdout, nil))
	}
	assert.Len(t, sub.Events(), subscriberBuffer)
}

func TestSubscriptionClose_Idempotent(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("")
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	b.Publish(model.NewEvent("ITEM-AAAA0001", model.EventError, nil))
}

func TestBusClose_ClosesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)

	// Closing the subscription after the bus closed it must not panic.
	sub.Close()
}
