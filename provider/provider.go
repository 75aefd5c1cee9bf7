package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketflow/models"
)

var (
	// ErrUnknownProvider is returned when an operation names a provider the
	// controller has not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrCircuitOpen is returned when the provider's circuit breaker rejects
	// a connection attempt.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("provider not connected")

	// ErrUnsupported is returned by providers that do not implement an
	// optional operation.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// Provider is the contract every market-data source implements. All blocking
// operations take a context and return an explicit error. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Name returns the registry key of this provider instance.
	Name() string

	// Connect establishes the transport. Repeated calls on a connected
	// provider are a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears down the transport. Safe to call when already
	// disconnected.
	Disconnect() error

	// Reconnect tears down and re-establishes the transport, restoring all
	// active subscriptions. The reconnect counter increments exactly once
	// per call regardless of how many attempts it takes.
	Reconnect(ctx context.Context) error

	// Subscribe registers interest in a symbol's data types. Subscribing
	// while connected takes effect on the live transport; before Connect it
	// is queued and applied on connect.
	Subscribe(ctx context.Context, sub models.Subscription) error

	// Unsubscribe removes a previously registered subscription.
	Unsubscribe(ctx context.Context, sub models.Subscription) error

	// Messages streams parsed events until ctx is cancelled or the
	// transport fails. On cancellation the event channel closes without an
	// error; on transport failure one error is delivered on the error
	// channel before both close.
	Messages(ctx context.Context) (<-chan models.Event, <-chan error)

	// FetchHistorical streams historical records for the request, oldest
	// first. Providers without a historical API return ErrUnsupported on
	// the error channel.
	FetchHistorical(ctx context.Context, req models.HistoricalRequest) (<-chan models.MarketDataRecord, <-chan error)

	// FetchOrderBookSnapshot retrieves a point-in-time order book.
	FetchOrderBookSnapshot(ctx context.Context, symbol string, limit int) (models.OrderBookSnapshot, error)

	// Health returns a snapshot of the provider's counters.
	Health() models.ProviderHealth

	// Status returns the current connection status.
	Status() models.ProviderStatus
}

// Tracker maintains the health counters shared by provider implementations.
// The zero value is ready to use with status defaulting to disconnected.
type Tracker struct {
	mu             sync.RWMutex
	name           string
	status         models.ProviderStatus
	lastMessageMs  int64
	messageCount   int64
	errorCount     int64
	reconnectCount int64
}

func NewTracker(name string) *Tracker {
	return &Tracker{name: name, status: models.StatusDisconnected}
}

func (t *Tracker) SetStatus(s models.ProviderStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Tracker) Status() models.ProviderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Tracker) RecordMessage() {
	t.mu.Lock()
	t.messageCount++
	t.lastMessageMs = time.Now().UnixMilli()
	t.mu.Unlock()
}

func (t *Tracker) RecordError() {
	t.mu.Lock()
	t.errorCount++
	t.mu.Unlock()
}

func (t *Tracker) RecordReconnect() {
	t.mu.Lock()
	t.reconnectCount++
	t.mu.Unlock()
}

func (t *Tracker) Health() models.ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return models.ProviderHealth{
		Provider:       t.name,
		Status:         t.status,
		LastMessageMs:  t.lastMessageMs,
		MessageCount:   t.messageCount,
		ErrorCount:     t.errorCount,
		ReconnectCount: t.reconnectCount,
	}
}
