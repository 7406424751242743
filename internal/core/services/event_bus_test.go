package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus[int]()
	var order []string
	bus.Subscribe(func(v int) { order = append(order, "a") })
	bus.Subscribe(func(v int) { order = append(order, "b") })
	bus.Subscribe(func(v int) { order = append(order, "c") })

	bus.Publish(1)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewEventBus[string]()
	calls := 0
	id := bus.Subscribe(func(string) { calls++ })

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Unsubscribe(999)
	bus.Publish("x")

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestEventBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus[int]()
	late := 0
	bus.Subscribe(func(int) {
		bus.Subscribe(func(int) { late++ })
	})

	bus.Publish(1)
	assert.Equal(t, 0, late, "handlers added mid-delivery wait for the next event")
	bus.Publish(2)
	assert.Equal(t, 1, late)
}

func TestEventBus_Clear(t *testing.T) {
	bus := NewEventBus[int]()
	bus.Subscribe(func(int) {})
	bus.Subscribe(func(int) {})
	bus.Clear()
	assert.Equal(t, 0, bus.Len())
}

func TestEventBus_ConcurrentUse(t *testing.T) {
	bus := NewEventBus[int]()
	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			bus.Publish(1)
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.Len())
	assert.GreaterOrEqual(t, total, 16)
}
