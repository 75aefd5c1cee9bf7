package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"marketflow/bus"
	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/provider"
	"marketflow/provider/binance"
	"marketflow/provider/bybit"
	"marketflow/storage"
)

// Handlers is the application-facing callback table. Each event kind has at
// most one direct slot; nil slots are skipped. Handler panics are recovered
// at the dispatch boundary and never abort ingestion.
type Handlers struct {
	OnTrade             func(models.Trade)
	OnCandle            func(models.Candle)
	OnTick              func(models.Tick)
	OnOrderBookSnapshot func(models.OrderBookSnapshot)
	OnOrderBookDelta    func(models.OrderBookDelta)
	OnError             func(provider string, err error)
	OnStatusChange      func(provider string, status models.ProviderStatus)
}

// Bridge forwards dispatched events to an external bus after local dispatch
// completes.
type Bridge interface {
	Forward(eventType models.DataType, data models.MarketDataRecord)
}

// ErrorEvent is the payload emitted on the internal bus for provider errors.
type ErrorEvent struct {
	Provider string
	Err      error
}

// StatusEvent is the payload emitted on the internal bus for provider status
// transitions.
type StatusEvent struct {
	Provider string
	Status   models.ProviderStatus
}

// Options carries the controller's optional collaborators.
type Options struct {
	Buffer *storage.Buffer
	Bridge Bridge
}

// Controller owns the provider registry, one ingestion goroutine per
// connected provider, a private event bus and the optional storage buffer.
type Controller struct {
	handlers  Handlers
	bus       *bus.Bus
	buffer    *storage.Buffer
	bridge    Bridge
	providers map[string]provider.Provider
	configs   map[string]appconfig.ProviderConfig
	log       *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a controller from provider configs. Unrecognized provider names
// are logged and skipped, never fatal.
func New(configs []appconfig.ProviderConfig, handlers Handlers, opts Options) *Controller {
	c := &Controller{
		handlers:  handlers,
		bus:       bus.New(),
		buffer:    opts.Buffer,
		bridge:    opts.Bridge,
		providers: make(map[string]provider.Provider),
		configs:   make(map[string]appconfig.ProviderConfig),
		log:       logger.GetLogger(),
	}

	for _, cfg := range configs {
		p := newProvider(cfg)
		if p == nil {
			c.log.WithComponent("controller").WithFields(logger.Fields{
				"provider": cfg.Name,
			}).Warn("unrecognized provider name, skipping")
			continue
		}
		c.providers[cfg.Name] = p
		c.configs[cfg.Name] = cfg
	}

	return c
}

// newProvider maps a config block to a concrete provider by name prefix.
func newProvider(cfg appconfig.ProviderConfig) provider.Provider {
	switch {
	case strings.HasPrefix(cfg.Name, "binance"):
		return binance.New(cfg)
	case strings.HasPrefix(cfg.Name, "bybit"):
		return bybit.New(cfg)
	}
	return nil
}

// Register adds a provider built outside the config registry. Fails once the
// controller is running.
func (c *Controller) Register(p provider.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cannot register provider %q while running", p.Name())
	}
	c.providers[p.Name()] = p
	return nil
}

// Bus exposes the controller's private event bus for in-process subscribers.
func (c *Controller) Bus() *bus.Bus { return c.bus }

// Start brings up the storage buffer first so no early record is dropped,
// then connects every provider. A per-provider connect failure emits an
// error event but does not abort the remaining providers. Each connected
// provider gets exactly one ingestion goroutine.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	log := c.log.WithComponent("controller").WithFields(logger.Fields{"operation": "start"})

	if c.buffer != nil {
		if err := c.buffer.Start(runCtx); err != nil {
			log.WithError(err).Error("failed to start storage buffer")
			return err
		}
	}

	var connected int
	for name, p := range c.providers {
		c.applySubscriptions(runCtx, name, p)

		if err := p.Connect(runCtx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"provider": name}).Error("provider connect failed")
			c.emitError(name, err)
			c.emitStatusChange(name, p.Status())
			continue
		}

		connected++
		c.emitStatusChange(name, models.StatusConnected)
		c.wg.Add(1)
		go c.ingest(runCtx, p)
	}

	log.WithFields(logger.Fields{
		"providers": len(c.providers),
		"connected": connected,
	}).Info("controller started")
	return nil
}

// applySubscriptions registers the config-declared subscriptions before
// connecting so they apply on the initial handshake.
func (c *Controller) applySubscriptions(ctx context.Context, name string, p provider.Provider) {
	cfg, ok := c.configs[name]
	if !ok {
		return
	}
	for _, sc := range cfg.Subscriptions {
		sub := models.Subscription{Symbol: sc.Symbol, Interval: sc.Interval}
		for _, dt := range sc.DataTypes {
			sub.DataTypes = append(sub.DataTypes, models.DataType(dt))
		}
		if err := p.Subscribe(ctx, sub); err != nil {
			c.log.WithComponent("controller").WithError(err).WithFields(logger.Fields{
				"provider": name,
				"symbol":   sc.Symbol,
			}).Warn("configured subscription rejected")
		}
	}
}

// ingest consumes one provider's message stream. A transport failure emits
// an error event and drives the bounded reconnect path; successful reconnect
// resumes consumption, exhaustion leaves the provider disconnected with no
// further automatic attempts.
func (c *Controller) ingest(ctx context.Context, p provider.Provider) {
	defer c.wg.Done()

	log := c.log.WithComponent("controller").WithFields(logger.Fields{
		"provider": p.Name(),
		"worker":   "ingest",
	})

	for {
		events, errs := p.Messages(ctx)
		for ev := range events {
			c.dispatch(ctx, ev.Type, ev.Data)
			logger.IncrementDispatched(p.Name(), 1)
		}

		err := <-errs
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("message stream ended")
			return
		}

		c.emitError(p.Name(), err)
		c.emitStatusChange(p.Name(), p.Status())

		if rerr := p.Reconnect(ctx); rerr != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(rerr).Error("reconnect attempts exhausted, provider left disconnected")
			c.emitError(p.Name(), rerr)
			c.emitStatusChange(p.Name(), p.Status())
			return
		}

		log.Info("reconnected, resuming ingestion")
		c.emitStatusChange(p.Name(), models.StatusConnected)
	}
}

// dispatch routes one record in fixed order: storage, direct handler,
// internal bus, external bridge. Downstream consumers rely on this order.
func (c *Controller) dispatch(ctx context.Context, t models.DataType, data models.MarketDataRecord) {
	if c.buffer != nil && data != nil {
		if err := c.buffer.Add(ctx, data); err != nil {
			c.log.WithComponent("controller").WithError(err).Warn("storage buffering failed")
		}
	}

	c.invokeHandler(t, data)
	c.bus.Emit(string(t), data)

	if c.bridge != nil {
		c.forwardToBridge(t, data)
	}
}

// forwardToBridge hands the record to the external bridge, guarded against
// panics so an application-supplied bridge cannot abort ingestion.
func (c *Controller) forwardToBridge(t models.DataType, data models.MarketDataRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithComponent("controller").WithError(fmt.Errorf("%v", r)).WithFields(logger.Fields{
				"event_type": t,
			}).Error("bridge panicked")
		}
	}()
	c.bridge.Forward(t, data)
}

// invokeHandler calls the single direct handler for the event kind, guarded
// against panics.
func (c *Controller) invokeHandler(t models.DataType, data models.MarketDataRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithComponent("controller").WithError(fmt.Errorf("%v", r)).WithFields(logger.Fields{
				"event_type": t,
			}).Error("handler panicked")
		}
	}()

	switch t {
	case models.DataTypeTrade:
		if c.handlers.OnTrade != nil {
			c.handlers.OnTrade(data.(models.Trade))
		}
	case models.DataTypeCandle:
		if c.handlers.OnCandle != nil {
			c.handlers.OnCandle(data.(models.Candle))
		}
	case models.DataTypeTick:
		if c.handlers.OnTick != nil {
			c.handlers.OnTick(data.(models.Tick))
		}
	case models.DataTypeOrderBookSnapshot:
		if c.handlers.OnOrderBookSnapshot != nil {
			c.handlers.OnOrderBookSnapshot(data.(models.OrderBookSnapshot))
		}
	case models.DataTypeOrderBookDelta:
		if c.handlers.OnOrderBookDelta != nil {
			c.handlers.OnOrderBookDelta(data.(models.OrderBookDelta))
		}
	}
}

// emitError invokes the error handler inside its own recover so a panicking
// handler cannot suppress the internal bus emission that follows.
func (c *Controller) emitError(name string, err error) {
	if c.handlers.OnError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithComponent("controller").Error(fmt.Sprintf("error handler panicked: %v", r))
				}
			}()
			c.handlers.OnError(name, err)
		}()
	}
	c.bus.Emit(bus.EventError, ErrorEvent{Provider: name, Err: err})
}

func (c *Controller) emitStatusChange(name string, status models.ProviderStatus) {
	if c.handlers.OnStatusChange != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithComponent("controller").Error(fmt.Sprintf("status handler panicked: %v", r))
				}
			}()
			c.handlers.OnStatusChange(name, status)
		}()
	}
	c.bus.Emit(bus.EventStatusChange, StatusEvent{Provider: name, Status: status})
}

// Subscribe delegates to the named provider.
func (c *Controller) Subscribe(ctx context.Context, name string, sub models.Subscription) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	return p.Subscribe(ctx, sub)
}

// Unsubscribe delegates to the named provider.
func (c *Controller) Unsubscribe(ctx context.Context, name string, sub models.Subscription) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	return p.Unsubscribe(ctx, sub)
}

// FetchHistorical delegates to the named provider. When a storage buffer is
// configured every record is buffered as it passes through.
func (c *Controller) FetchHistorical(ctx context.Context, name string, req models.HistoricalRequest) (<-chan models.MarketDataRecord, <-chan error, error) {
	p, err := c.lookup(name)
	if err != nil {
		return nil, nil, err
	}

	records, errs := p.FetchHistorical(ctx, req)
	if c.buffer == nil {
		return records, errs, nil
	}

	out := make(chan models.MarketDataRecord)
	go func() {
		defer close(out)
		for rec := range records {
			if err := c.buffer.Add(ctx, rec); err != nil {
				c.log.WithComponent("controller").WithError(err).Warn("historical record buffering failed")
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs, nil
}

// FetchOrderBookSnapshot delegates to the named provider.
func (c *Controller) FetchOrderBookSnapshot(ctx context.Context, name, symbol string, limit int) (models.OrderBookSnapshot, error) {
	p, err := c.lookup(name)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	return p.FetchOrderBookSnapshot(ctx, symbol, limit)
}

func (c *Controller) lookup(name string) (provider.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, name)
	}
	return p, nil
}

// Stop cancels ingestion, waits for the goroutines, disconnects providers on
// a best-effort basis and flushes the storage buffer last. Idempotent, and
// safe even if Start was never called.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	log := c.log.WithComponent("controller").WithFields(logger.Fields{"operation": "stop"})

	cancel()
	c.wg.Wait()

	for name, p := range c.providers {
		if err := p.Disconnect(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"provider": name}).Warn("disconnect failed")
		}
	}

	if c.buffer != nil {
		c.buffer.Stop()
	}

	log.Info("controller stopped")
}

// ProviderStatus returns the named provider's status, defaulting to
// disconnected for unknown names.
func (c *Controller) ProviderStatus(name string) models.ProviderStatus {
	p, err := c.lookup(name)
	if err != nil {
		return models.StatusDisconnected
	}
	return p.Status()
}

// ProviderHealth returns the named provider's health snapshot; unknown names
// yield a zero-valued disconnected snapshot rather than an error.
func (c *Controller) ProviderHealth(name string) models.ProviderHealth {
	p, err := c.lookup(name)
	if err != nil {
		return models.ProviderHealth{Provider: name, Status: models.StatusDisconnected}
	}
	return p.Health()
}

// AllProviderHealth snapshots every registered provider.
func (c *Controller) AllProviderHealth() map[string]models.ProviderHealth {
	c.mu.Lock()
	providers := make(map[string]provider.Provider, len(c.providers))
	for name, p := range c.providers {
		providers[name] = p
	}
	c.mu.Unlock()

	health := make(map[string]models.ProviderHealth, len(providers))
	for name, p := range providers {
		health[name] = p.Health()
	}
	return health
}
