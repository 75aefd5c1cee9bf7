package bus

import (
	"context"
	"fmt"
	"sync"

	"marketflow/logger"
)

// Reserved event type strings. The set is open; these are the types the
// controller emits.
const (
	EventTrade             = "trade"
	EventCandle            = "candle"
	EventTick              = "tick"
	EventOrderBookSnapshot = "orderbook_snapshot"
	EventOrderBookDelta    = "orderbook_delta"
	EventError             = "error"
	EventStatusChange      = "status_change"
	EventHealthUpdate      = "health_update"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type string
	Data any
}

// Callback receives one event. A panicking callback is recovered, counted and
// never prevents sibling callbacks from running.
type Callback func(Event)

type subscriber struct {
	id int64
	cb Callback
}

// Bus is an in-process publish/subscribe hub keyed by event-type string.
// Subscriber invocation order equals subscription order. There is no
// buffering: a slow synchronous subscriber blocks the emitting call.
type Bus struct {
	mu         sync.Mutex
	nextID     int64
	sync       map[string][]subscriber
	async      map[string][]subscriber
	eventCount int64
	errorCount int64
	log        *logger.Log
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventCount            int64
	ErrorCount            int64
	SubscriberCounts      map[string]int
	AsyncSubscriberCounts map[string]int
}

func New() *Bus {
	return &Bus{
		sync:  make(map[string][]subscriber),
		async: make(map[string][]subscriber),
		log:   logger.GetLogger(),
	}
}

// Subscribe registers cb for eventType and returns an unsubscribe function.
// Registering the same callback twice creates two independent entries.
func (b *Bus) Subscribe(eventType string, cb Callback) func() {
	return b.subscribe(b.sync, eventType, cb)
}

// SubscribeAsync registers cb to run concurrently during EmitAsync.
func (b *Bus) SubscribeAsync(eventType string, cb Callback) func() {
	return b.subscribe(b.async, eventType, cb)
}

func (b *Bus) subscribe(table map[string][]subscriber, eventType string, cb Callback) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	table[eventType] = append(table[eventType], subscriber{id: id, cb: cb})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := table[eventType]
		for i, s := range subs {
			if s.id == id {
				table[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all currently-registered synchronous
// subscribers for eventType, in subscription order. Each invocation is
// individually guarded: a panicking subscriber is logged and counted but
// does not prevent the remaining subscribers from running.
func (b *Bus) Emit(eventType string, data any) {
	b.mu.Lock()
	b.eventCount++
	subs := append([]subscriber(nil), b.sync[eventType]...)
	b.mu.Unlock()

	ev := Event{Type: eventType, Data: data}
	for _, s := range subs {
		b.invoke(eventType, s.cb, ev)
	}
}

// EmitAsync delivers to synchronous subscribers first (same isolation as
// Emit), then runs all asynchronous subscribers concurrently and waits for
// every one to finish before returning.
func (b *Bus) EmitAsync(ctx context.Context, eventType string, data any) {
	b.mu.Lock()
	b.eventCount++
	syncSubs := append([]subscriber(nil), b.sync[eventType]...)
	asyncSubs := append([]subscriber(nil), b.async[eventType]...)
	b.mu.Unlock()

	ev := Event{Type: eventType, Data: data}
	for _, s := range syncSubs {
		b.invoke(eventType, s.cb, ev)
	}

	var wg sync.WaitGroup
	for _, s := range asyncSubs {
		wg.Add(1)
		go func(cb Callback) {
			defer wg.Done()
			b.invoke(eventType, cb, ev)
		}(s.cb)
	}
	wg.Wait()
}

func (b *Bus) invoke(eventType string, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.errorCount++
			b.mu.Unlock()
			b.log.WithComponent("event_bus").WithError(fmt.Errorf("%v", r)).WithFields(logger.Fields{
				"event_type": eventType,
			}).Error("subscriber panicked")
		}
	}()
	cb(ev)
}

// Stats returns a snapshot of event/error counts and per-type subscriber
// counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		EventCount:            b.eventCount,
		ErrorCount:            b.errorCount,
		SubscriberCounts:      make(map[string]int, len(b.sync)),
		AsyncSubscriberCounts: make(map[string]int, len(b.async)),
	}
	for t, subs := range b.sync {
		stats.SubscriberCounts[t] = len(subs)
	}
	for t, subs := range b.async {
		stats.AsyncSubscriberCounts[t] = len(subs)
	}
	return stats
}

// Clear removes all subscribers for one event type.
func (b *Bus) Clear(eventType string) {
	b.mu.Lock()
	delete(b.sync, eventType)
	delete(b.async, eventType)
	b.mu.Unlock()
}

// ClearAll removes every subscriber.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	b.sync = make(map[string][]subscriber)
	b.async = make(map[string][]subscriber)
	b.mu.Unlock()
}
