package websocket

import (
	"sync"

	"go.uber.org/zap"

	"lattice-core/application/store"
	"lattice-core/domain/outline"
)

// Broadcaster is the bridge between the store and the hub: one wildcard
// subscription turning every surviving mutation into a frame for every
// connected viewer.
type Broadcaster struct {
	hub    *Hub
	store  *store.Store
	logger *zap.Logger

	mu       sync.Mutex
	token    store.Token
	attached bool
}

// NewBroadcaster creates the bridge without subscribing yet.
func NewBroadcaster(hub *Hub, st *store.Store, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		store:  st,
		logger: logger.Named("ws"),
	}
}

// Attach subscribes to the store. Calling it twice is a no-op.
func (b *Broadcaster) Attach() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return
	}
	b.token = b.store.Subscribe(b.forward)
	b.attached = true
}

// Detach drops the subscription. Frames stop flowing but live connections
// stay up; panes just go quiet.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return
	}
	b.store.Unsubscribe(b.token)
	b.attached = false
}

// forward runs on the mutating goroutine, so it only converts and enqueues.
// Marshaling and fan-out happen on the hub loop.
func (b *Broadcaster) forward(ev outline.Event) {
	if err := b.hub.Broadcast(NewEventFrame(ev)); err != nil {
		b.logger.Warn("event frame dropped",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}
