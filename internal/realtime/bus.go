package realtime

import (
	"context"
	"errors"
	"sync"
)

// Bus carries events between API instances. Every instance forwards what it receives
// into its own hub.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

// LocalBus is the single-instance bus: Publish delivers synchronously.
type LocalBus struct {
	mu      sync.RWMutex
	onEvent func(Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.onEvent != nil {
		b.onEvent(ev)
	}
	return nil
}

func (b *LocalBus) StartForwarder(_ context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return errors.New("onEvent callback required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = onEvent
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = nil
	return nil
}

// Bridge publishes persisted chat events and forwards bus traffic into the hub.
type Bridge struct {
	bus Bus
	hub *Hub
}

func NewBridge(bus Bus, hub *Hub) *Bridge {
	return &Bridge{bus: bus, hub: hub}
}

func (b *Bridge) Start(ctx context.Context) error {
	return b.bus.StartForwarder(ctx, b.hub.Deliver)
}

func (b *Bridge) Publish(ctx context.Context, ev Event) error {
	return b.bus.Publish(ctx, ev)
}

func (b *Bridge) Hub() *Hub {
	return b.hub
}

func (b *Bridge) Close() error {
	return b.bus.Close()
}
