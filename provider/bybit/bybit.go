package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/provider"
	"marketflow/reliability"

	bybit "github.com/bybit-exchange/bybit.go.api"
)

const (
	defaultRestURL = "https://api.bybit.com"

	// category selects the UTA market the v5 endpoints operate on.
	category = "linear"
)

// Provider polls the Bybit v5 REST API for order book snapshots. Bybit has
// no combined-stream equivalent wired here, so live data is snapshot polling
// at poll_interval_ms; historical fetches are not supported.
type Provider struct {
	name     string
	cfg      appconfig.ProviderConfig
	tracker  *provider.Tracker
	breaker  *reliability.CircuitBreaker
	limiter  *reliability.TokenBucket
	client   *bybit.Client
	log      *logger.Log
	interval time.Duration

	mu        sync.Mutex
	connected bool
	subs      map[string]models.Subscription
}

func New(cfg appconfig.ProviderConfig) *Provider {
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(restURL))
	client.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}

	return &Provider{
		name:     cfg.Name,
		cfg:      cfg,
		tracker:  provider.NewTracker(cfg.Name),
		breaker:  reliability.NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout),
		limiter:  reliability.NewTokenBucket(cfg.RateLimitPerSecond),
		client:   client,
		log:      logger.GetLogger(),
		interval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		subs:     make(map[string]models.Subscription),
	}
}

func (p *Provider) Name() string { return p.name }

// Connect probes the REST API with one order book request so a dead endpoint
// is caught up front. With no subscriptions yet the probe is skipped and the
// provider is simply marked connected.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	if !p.breaker.IsAvailable() {
		return provider.ErrCircuitOpen
	}

	log := p.log.WithComponent("bybit_provider").WithFields(logger.Fields{"operation": "connect"})
	p.tracker.SetStatus(models.StatusConnecting)

	if symbol := p.probeSymbol(); symbol != "" {
		if _, err := p.fetchOrderBook(ctx, symbol, 1); err != nil {
			p.breaker.RecordFailure()
			p.tracker.SetStatus(models.StatusError)
			p.tracker.RecordError()
			log.WithError(err).Error("connectivity probe failed")
			return fmt.Errorf("probe %s: %w", symbol, err)
		}
	}

	p.connected = true
	p.breaker.RecordSuccess()
	p.tracker.SetStatus(models.StatusConnected)
	log.WithFields(logger.Fields{"poll_interval": p.interval.String()}).Info("connected")
	return nil
}

// probeSymbol picks any subscribed symbol for the connect probe. Caller
// holds p.mu.
func (p *Provider) probeSymbol() string {
	for _, sub := range p.subs {
		return sub.Symbol
	}
	return ""
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	p.tracker.SetStatus(models.StatusDisconnected)
	p.log.WithComponent("bybit_provider").Info("disconnected")
	return nil
}

func (p *Provider) Reconnect(ctx context.Context) error {
	if err := p.Disconnect(); err != nil {
		return err
	}
	p.tracker.RecordReconnect()
	logger.IncrementReconnect()

	retryCfg := reliability.RetryConfig{
		MaxAttempts: p.cfg.ReconnectAttempts,
		BaseDelay:   p.cfg.ReconnectDelay,
		MaxDelay:    p.cfg.ReconnectDelay * 16,
	}
	return reliability.Retry(ctx, retryCfg, p.name+"_reconnect", func() error {
		return p.Connect(ctx)
	})
}

// Subscribe registers a symbol for snapshot polling. Only the order book
// snapshot data type maps onto Bybit's polled endpoints; other types are
// rejected.
func (p *Provider) Subscribe(ctx context.Context, sub models.Subscription) error {
	for _, dt := range sub.DataTypes {
		if dt != models.DataTypeOrderBookSnapshot {
			return fmt.Errorf("%w: bybit streaming %s", provider.ErrUnsupported, dt)
		}
	}

	p.mu.Lock()
	p.subs[sub.Key()] = sub
	p.mu.Unlock()
	return nil
}

func (p *Provider) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	p.mu.Lock()
	delete(p.subs, sub.Key())
	p.mu.Unlock()
	return nil
}

// Messages polls order book snapshots for every subscribed symbol on a
// fixed ticker. Cancellation closes the event channel without an error; a
// poll failure counts against the provider but only repeated failures that
// mark the transport dead surface as a stream error.
func (p *Provider) Messages(ctx context.Context) (<-chan models.Event, <-chan error) {
	events := make(chan models.Event, p.cfg.EventBuffer)
	errs := make(chan error, errBuffer(p.cfg.ErrorBuffer))

	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		errs <- provider.ErrNotConnected
		close(events)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)

		log := p.log.WithComponent("bybit_provider").WithFields(logger.Fields{"worker": "snapshot_poller"})
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			for _, sub := range p.snapshotSubs() {
				snap, err := p.FetchOrderBookSnapshot(ctx, sub.Symbol, p.cfg.SnapshotLimit)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					p.breaker.RecordFailure()
					log.WithError(err).WithFields(logger.Fields{"symbol": sub.Symbol}).Warn("snapshot poll failed")
					if !p.breaker.IsAvailable() {
						p.tracker.SetStatus(models.StatusError)
						errs <- fmt.Errorf("snapshot polling for %s: %w", sub.Symbol, err)
						return
					}
					continue
				}
				p.breaker.RecordSuccess()
				p.tracker.RecordMessage()
				select {
				case events <- models.Event{Type: models.DataTypeOrderBookSnapshot, Data: snap}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, errs
}

// errBuffer keeps room for the single error the stream contract delivers
// even when the config leaves the buffer unset.
func errBuffer(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (p *Provider) snapshotSubs() []models.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]models.Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	return subs
}

// FetchHistorical is not supported: the wired Bybit surface is snapshot
// polling only.
func (p *Provider) FetchHistorical(ctx context.Context, req models.HistoricalRequest) (<-chan models.MarketDataRecord, <-chan error) {
	records := make(chan models.MarketDataRecord)
	errs := make(chan error, 1)
	errs <- fmt.Errorf("%w: bybit historical %s", provider.ErrUnsupported, req.DataType)
	close(records)
	close(errs)
	return records, errs
}

// FetchOrderBookSnapshot retrieves a point-in-time order book via the v5
// market endpoint.
func (p *Provider) FetchOrderBookSnapshot(ctx context.Context, symbol string, limit int) (models.OrderBookSnapshot, error) {
	if limit <= 0 {
		limit = p.cfg.SnapshotLimit
	}
	if err := p.limiter.Acquire(ctx); err != nil {
		return models.OrderBookSnapshot{}, err
	}
	return p.fetchOrderBook(ctx, symbol, limit)
}

// orderBookResult is the v5 order book payload shape.
type orderBookResult struct {
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
	Timestamp int64      `json:"ts"`
	UpdateID  int64      `json:"u"`
}

func (p *Provider) fetchOrderBook(ctx context.Context, symbol string, limit int) (models.OrderBookSnapshot, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"limit":    limit,
	}

	start := time.Now()
	resp, err := p.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		p.tracker.RecordError()
		return models.OrderBookSnapshot{}, fmt.Errorf("fetch orderbook for %s: %w", symbol, err)
	}
	if resp.RetCode != 0 {
		p.tracker.RecordError()
		return models.OrderBookSnapshot{}, fmt.Errorf("fetch orderbook for %s: ret_code %d: %s", symbol, resp.RetCode, resp.RetMsg)
	}
	logger.LogPerformanceEntry(p.log.WithComponent("bybit_provider"), "bybit_provider", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("marshal orderbook result: %w", err)
	}
	var result orderBookResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("decode orderbook result: %w", err)
	}

	return models.OrderBookSnapshot{
		SchemaVersion: models.SchemaVersion,
		Provider:      p.name,
		Symbol:        result.Symbol,
		Timestamp:     result.Timestamp,
		Sequence:      result.UpdateID,
		Bids:          parseLevels(result.Bids),
		Asks:          parseLevels(result.Asks),
	}, nil
}

func (p *Provider) Health() models.ProviderHealth { return p.tracker.Health() }

func (p *Provider) Status() models.ProviderStatus { return p.tracker.Status() }

func parseLevels(raw [][]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(l[0], 64)
		qty, _ := strconv.ParseFloat(l[1], 64)
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}
