package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDispatchesInOrder(t *testing.T) {
	bus := NewEventBus()
	var order []int
	bus.On(EventNewHeader, func(any) { order = append(order, 1) })
	bus.On(EventNewHeader, func(any) { order = append(order, 2) })

	bus.Emit(EventNewHeader, nil)
	assert.Equal(t, []int{1, 2}, order)
}

func TestEventBusSeparatesKinds(t *testing.T) {
	bus := NewEventBus()
	var gotBanner, gotHeader bool
	bus.On(EventBanner, func(any) { gotBanner = true })
	bus.On(EventNewHeader, func(any) { gotHeader = true })

	bus.Emit(EventBanner, "hello")
	assert.True(t, gotBanner)
	assert.False(t, gotHeader)
}

func TestEventBusStatusAndUpdated(t *testing.T) {
	bus := NewEventBus()
	var status ConnectionStatus
	var updatedCount int
	bus.On(EventStatus, func(p any) { status = p.(ConnectionStatus) })
	bus.On(EventUpdated, func(any) { updatedCount++ })

	bus.Emit(EventStatus, StatusConnected)
	bus.Emit(EventUpdated, nil)
	bus.Emit(EventUpdated, nil)

	assert.Equal(t, StatusConnected, status)
	assert.Equal(t, 2, updatedCount)
}
