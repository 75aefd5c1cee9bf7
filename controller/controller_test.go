package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketflow/bus"
	appconfig "marketflow/config"
	"marketflow/models"
	"marketflow/provider"
	"marketflow/storage"
)

type fakeStream struct {
	events []models.Event
	err    error
}

type fakeProvider struct {
	name         string
	connectErr   error
	reconnectErr error

	mu         sync.Mutex
	streams    []fakeStream
	streamIdx  int
	reconnects int
	connected  bool
	subs       map[string]models.Subscription
	historical []models.MarketDataRecord
}

func newFakeProvider(name string, streams ...fakeStream) *fakeProvider {
	return &fakeProvider{name: name, streams: streams, subs: make(map[string]models.Subscription)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	return f.Connect(ctx)
}

func (f *fakeProvider) Subscribe(ctx context.Context, sub models.Subscription) error {
	f.mu.Lock()
	f.subs[sub.Key()] = sub
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	f.mu.Lock()
	delete(f.subs, sub.Key())
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Messages(ctx context.Context) (<-chan models.Event, <-chan error) {
	events := make(chan models.Event)
	errs := make(chan error, 1)

	f.mu.Lock()
	var s *fakeStream
	if f.streamIdx < len(f.streams) {
		s = &f.streams[f.streamIdx]
		f.streamIdx++
	}
	f.mu.Unlock()

	go func() {
		defer close(events)
		defer close(errs)
		if s == nil {
			<-ctx.Done()
			return
		}
		for _, ev := range s.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return events, errs
}

func (f *fakeProvider) FetchHistorical(ctx context.Context, req models.HistoricalRequest) (<-chan models.MarketDataRecord, <-chan error) {
	records := make(chan models.MarketDataRecord)
	errs := make(chan error, 1)
	go func() {
		defer close(records)
		defer close(errs)
		for _, rec := range f.historical {
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return records, errs
}

func (f *fakeProvider) FetchOrderBookSnapshot(ctx context.Context, symbol string, limit int) (models.OrderBookSnapshot, error) {
	return models.OrderBookSnapshot{Provider: f.name, Symbol: symbol}, nil
}

func (f *fakeProvider) Health() models.ProviderHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.ProviderHealth{Provider: f.name, Status: f.statusLocked(), ReconnectCount: int64(f.reconnects)}
}

func (f *fakeProvider) Status() models.ProviderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked()
}

func (f *fakeProvider) statusLocked() models.ProviderStatus {
	if f.connected {
		return models.StatusConnected
	}
	return models.StatusDisconnected
}

type orderedLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *orderedLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *orderedLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type logWriter struct {
	log *orderedLog
}

func (w *logWriter) WriteBatch(ctx context.Context, records []models.MarketDataRecord) error {
	for range records {
		w.log.add("storage")
	}
	return nil
}

type logBridge struct {
	log *orderedLog
}

func (b *logBridge) Forward(t models.DataType, data models.MarketDataRecord) {
	b.log.add("bridge")
}

func tradeEvent(id string, ts int64) models.Event {
	return models.Event{Type: models.DataTypeTrade, Data: models.Trade{
		SchemaVersion: models.SchemaVersion,
		Provider:      "fake",
		Symbol:        "BTCUSDT",
		TradeID:       id,
		Timestamp:     ts,
		Price:         100,
		Quantity:      1,
		Side:          models.SideBuy,
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewSkipsUnknownProviders(t *testing.T) {
	c := New([]appconfig.ProviderConfig{{Name: "kraken"}}, Handlers{}, Options{})
	err := c.Subscribe(context.Background(), "kraken", models.Subscription{Symbol: "BTCUSDT"})
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestDispatchOrdering(t *testing.T) {
	ordered := &orderedLog{}
	buffer := storage.NewBuffer(&logWriter{log: ordered}, 1, time.Hour)

	handlers := Handlers{
		OnTrade: func(models.Trade) { ordered.add("handler") },
	}
	c := New(nil, handlers, Options{Buffer: buffer, Bridge: &logBridge{log: ordered}})
	c.Bus().Subscribe("trade", func(bus.Event) { ordered.add("bus") })

	fake := newFakeProvider("fake", fakeStream{events: []models.Event{tradeEvent("1", 1000)}})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool { return len(ordered.snapshot()) >= 4 })

	got := ordered.snapshot()
	want := []string{"storage", "handler", "bus", "bridge"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order wrong: expected %v, got %v", want, got)
		}
	}
}

func TestReconnectResumesIngestion(t *testing.T) {
	var mu sync.Mutex
	var trades []string
	var errEvents int

	handlers := Handlers{
		OnTrade: func(tr models.Trade) {
			mu.Lock()
			trades = append(trades, tr.TradeID)
			mu.Unlock()
		},
		OnError: func(name string, err error) {
			mu.Lock()
			errEvents++
			mu.Unlock()
		},
	}

	fake := newFakeProvider("fake",
		fakeStream{events: []models.Event{tradeEvent("1", 1000)}, err: errors.New("transport reset")},
		fakeStream{events: []models.Event{tradeEvent("2", 2000)}},
	)

	c := New(nil, handlers, Options{})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trades) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if trades[0] != "1" || trades[1] != "2" {
		t.Errorf("expected trades 1 then 2, got %v", trades)
	}
	if errEvents != 1 {
		t.Errorf("expected exactly one error event, got %d", errEvents)
	}
	if fake.Health().ReconnectCount != 1 {
		t.Errorf("expected one reconnect, got %d", fake.Health().ReconnectCount)
	}
}

func TestReconnectExhaustionFailsStop(t *testing.T) {
	var mu sync.Mutex
	var errEvents int

	fake := newFakeProvider("fake",
		fakeStream{events: []models.Event{tradeEvent("1", 1000)}, err: errors.New("transport reset")},
	)
	fake.reconnectErr = errors.New("endpoint gone")

	c := New(nil, Handlers{
		OnError: func(string, error) {
			mu.Lock()
			errEvents++
			mu.Unlock()
		},
	}, Options{})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	// Transport error plus reconnect exhaustion.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errEvents == 2
	})
	waitFor(t, func() bool { return fake.Status() == models.StatusDisconnected })
}

func TestPartialStartup(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	var trades int

	healthy := newFakeProvider("healthy", fakeStream{events: []models.Event{tradeEvent("1", 1000)}})
	broken := newFakeProvider("broken")
	broken.connectErr = errors.New("refused")

	c := New(nil, Handlers{
		OnTrade: func(models.Trade) {
			mu.Lock()
			trades++
			mu.Unlock()
		},
		OnError: func(name string, err error) {
			mu.Lock()
			failed = append(failed, name)
			mu.Unlock()
		},
	}, Options{})
	if err := c.Register(healthy); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Register(broken); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("partial startup must not fail: %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return trades == 1 && len(failed) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if failed[0] != "broken" {
		t.Errorf("expected error event for broken provider, got %v", failed)
	}
}

func TestHandlerPanicDoesNotAbortIngestion(t *testing.T) {
	var mu sync.Mutex
	var calls int

	fake := newFakeProvider("fake", fakeStream{events: []models.Event{tradeEvent("1", 1000), tradeEvent("2", 2000)}})
	c := New(nil, Handlers{
		OnTrade: func(models.Trade) {
			mu.Lock()
			calls++
			mu.Unlock()
			panic("handler bug")
		},
	}, Options{})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

type panicBridge struct{}

func (b *panicBridge) Forward(t models.DataType, data models.MarketDataRecord) {
	panic("bridge bug")
}

func TestBridgePanicDoesNotAbortIngestion(t *testing.T) {
	var mu sync.Mutex
	var calls int

	fake := newFakeProvider("fake", fakeStream{events: []models.Event{tradeEvent("1", 1000), tradeEvent("2", 2000)}})
	c := New(nil, Handlers{
		OnTrade: func(models.Trade) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}, Options{Bridge: &panicBridge{}})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	// The bridge panics on the first trade; the second must still dispatch.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

func TestPanickingErrorHandlerStillEmitsToBus(t *testing.T) {
	var mu sync.Mutex
	var busErrors, busStatuses int

	fake := newFakeProvider("fake",
		fakeStream{events: []models.Event{tradeEvent("1", 1000)}, err: errors.New("transport reset")},
		fakeStream{},
	)

	c := New(nil, Handlers{
		OnError:        func(string, error) { panic("error handler bug") },
		OnStatusChange: func(string, models.ProviderStatus) { panic("status handler bug") },
	}, Options{})
	c.Bus().Subscribe(bus.EventError, func(bus.Event) {
		mu.Lock()
		busErrors++
		mu.Unlock()
	})
	c.Bus().Subscribe(bus.EventStatusChange, func(bus.Event) {
		mu.Lock()
		busStatuses++
		mu.Unlock()
	})

	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return busErrors >= 1 && busStatuses >= 1
	})
}

func TestFetchHistoricalBuffersRecords(t *testing.T) {
	ordered := &orderedLog{}
	buffer := storage.NewBuffer(&logWriter{log: ordered}, 2, time.Hour)

	fake := newFakeProvider("fake")
	fake.historical = []models.MarketDataRecord{
		tradeEvent("1", 1000).Data,
		tradeEvent("2", 2000).Data,
	}

	c := New(nil, Handlers{}, Options{Buffer: buffer})
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	records, errs, err := c.FetchHistorical(context.Background(), "fake", models.HistoricalRequest{
		Symbol:   "BTCUSDT",
		DataType: models.DataTypeTrade,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	var count int
	for range records {
		count++
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records, got %d", count)
	}
	if got := len(ordered.snapshot()); got != 2 {
		t.Errorf("expected 2 storage observations, got %d", got)
	}
}

func TestUnknownProviderOperations(t *testing.T) {
	c := New(nil, Handlers{}, Options{})
	ctx := context.Background()

	if err := c.Subscribe(ctx, "ghost", models.Subscription{}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("subscribe: expected ErrUnknownProvider, got %v", err)
	}
	if err := c.Unsubscribe(ctx, "ghost", models.Subscription{}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("unsubscribe: expected ErrUnknownProvider, got %v", err)
	}
	if _, _, err := c.FetchHistorical(ctx, "ghost", models.HistoricalRequest{}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("fetch historical: expected ErrUnknownProvider, got %v", err)
	}
	if _, err := c.FetchOrderBookSnapshot(ctx, "ghost", "BTCUSDT", 10); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("fetch snapshot: expected ErrUnknownProvider, got %v", err)
	}
}

func TestHealthAccessorDefaults(t *testing.T) {
	c := New(nil, Handlers{}, Options{})

	if got := c.ProviderStatus("ghost"); got != models.StatusDisconnected {
		t.Errorf("expected disconnected default, got %s", got)
	}
	h := c.ProviderHealth("ghost")
	if h.Provider != "ghost" || h.Status != models.StatusDisconnected || h.MessageCount != 0 {
		t.Errorf("expected zero-valued health, got %+v", h)
	}
}

func TestStopIdempotentAndWithoutStart(t *testing.T) {
	c := New(nil, Handlers{}, Options{})
	c.Stop()

	fake := newFakeProvider("fake")
	if err := c.Register(fake); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	c.Stop()
	c.Stop()

	if fake.Status() != models.StatusDisconnected {
		t.Errorf("expected provider disconnected after stop, got %s", fake.Status())
	}
}
