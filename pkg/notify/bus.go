package notify

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives published notifications.
type Handler func(Notification)

const wildcard = "*"

type subscription struct {
	id      string
	name    string
	handler Handler
}

// Bus is a synchronous publish/subscribe bus. Handlers run on the
// publisher's goroutine, so they must not block.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // notification name -> subscriptions
	nextID        atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for one notification name and returns an id
// for Unsubscribe.
func (b *Bus) Subscribe(name string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[name] = append(b.subscriptions[name], subscription{
		id:      id,
		name:    name,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for every notification.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether it was found.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			rest := make([]subscription, 0, len(subs)-1)
			rest = append(rest, subs[:i]...)
			rest = append(rest, subs[i+1:]...)
			if len(rest) == 0 {
				delete(b.subscriptions, name)
			} else {
				b.subscriptions[name] = rest
			}
			return true
		}
	}
	return false
}

// Publish delivers n to the handlers subscribed to its name, then to the
// wildcard handlers, each group in registration order. A panicking handler
// is logged and skipped.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subscriptions[n.Name()]...)
	all := append([]subscription(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, n)
	}
	for _, sub := range all {
		b.safeCall(sub.handler, n)
	}
}

func (b *Bus) safeCall(handler Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Notification handler panicked",
				"notification", n.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(n)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
