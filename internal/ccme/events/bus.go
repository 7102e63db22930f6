// Package events implements the Context Manager facade's event bus
// (SPEC_FULL §4.9). Unlike the source platform's internal/event.EventBus
// — whose Unsubscribe drops every handler registered for a type —
// listeners here are tracked in a dense id table so a single
// subscription can be cancelled in O(1) without disturbing its
// siblings, per the "cyclic/shared graph of listeners" design note.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Name is a published event's name.
type Name string

const (
	MessageAppended    Name = "message-appended"
	Compressed         Name = "compressed"
	CompressionFailed  Name = "compression-failed"
	SnapshotCreated    Name = "snapshot-created"
	Restored           Name = "restored"
	Cleared            Name = "cleared"
	VRAMChange         Name = "vram-change"
	ThresholdWarning   Name = "threshold:warning"
	ThresholdCritical  Name = "threshold:critical"
	ThresholdEmergency Name = "threshold:emergency"
	Resize             Name = "resize"
)

// Event is a single published occurrence.
type Event struct {
	ID        string
	Name      Name
	SessionID string
	Timestamp time.Time
	Data      map[string]any
}

// Listener receives published events. It must not block indefinitely;
// the bus does not enforce a per-listener timeout.
type Listener func(ctx context.Context, ev Event)

// Unsubscribe cancels a single subscription. Calling it more than once
// is a no-op.
type Unsubscribe func()

type subscription struct {
	id       uint64
	listener Listener
}

// Bus is the facade's event dispatcher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Name]map[uint64]Listener
	next atomic.Uint64
}

// New constructs an empty bus. Bus is explicit, constructor-injected
// state — there is no package-level singleton (SPEC_FULL §9:
// "singletons replaced by explicit config").
func New() *Bus {
	return &Bus{subs: make(map[Name]map[uint64]Listener)}
}

// On subscribes listener to name and returns a function that removes
// exactly this subscription. Registering the same listener value twice
// yields two independent subscriptions; callers that want
// deduplication-by-identity (as the Message Store's threshold callbacks
// require, SPEC_FULL §4.4) must dedupe before calling On — see
// messagestore.Store for that usage.
func (b *Bus) On(name Name, l Listener) Unsubscribe {
	id := b.next.Add(1)

	b.mu.Lock()
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Listener)
	}
	b.subs[name][id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[name], id)
			b.mu.Unlock()
		})
	}
}

// Emit publishes ev synchronously to every current subscriber of
// ev.Name, in registration order. Listeners are invoked outside the
// bus's lock so a listener may itself subscribe/unsubscribe without
// deadlocking.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	bucket := b.subs[ev.Name]
	listeners := make([]subscription, 0, len(bucket))
	for id, l := range bucket {
		listeners = append(listeners, subscription{id: id, listener: l})
	}
	b.mu.RUnlock()

	// Subscription ids are handed out in increasing order, so sorting by
	// id restores registration order after the map walk.
	sort.Slice(listeners, func(i, j int) bool { return listeners[i].id < listeners[j].id })

	for _, s := range listeners {
		s.listener(ctx, ev)
	}
}

// SubscriberCount reports how many listeners are registered for name.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
