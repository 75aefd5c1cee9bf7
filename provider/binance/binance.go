package binance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/provider"
	"marketflow/reliability"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
)

const (
	defaultWsURL   = "wss://stream.binance.com:9443"
	defaultRestURL = "https://api.binance.com"
)

// Provider streams live market data over the Binance combined websocket
// stream and serves historical and snapshot queries through the REST API.
type Provider struct {
	name    string
	wsURL   string
	cfg     appconfig.ProviderConfig
	tracker *provider.Tracker
	breaker *reliability.CircuitBreaker
	limiter *reliability.TokenBucket
	rest    *gobinance.Client
	log     *logger.Log

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      map[string]models.Subscription
	nextReqID int64

	writeMu sync.Mutex
}

// New builds a Binance provider from its config block. The REST client hosts
// a tuned connection pool shared by snapshot and historical fetches.
func New(cfg appconfig.ProviderConfig) *Provider {
	wsURL := cfg.WsURL
	if wsURL == "" {
		wsURL = defaultWsURL
	}
	restURL := cfg.RestURL
	if restURL == "" {
		restURL = defaultRestURL
	}

	transport := &http.Transport{
		MaxIdleConns:       cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:    cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:    cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression: false,
	}

	rest := gobinance.NewClient("", "")
	rest.BaseURL = restURL
	rest.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	return &Provider{
		name:    cfg.Name,
		wsURL:   wsURL,
		cfg:     cfg,
		tracker: provider.NewTracker(cfg.Name),
		breaker: reliability.NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout),
		limiter: reliability.NewTokenBucket(cfg.RateLimitPerSecond),
		rest:    rest,
		subs:    make(map[string]models.Subscription),
		log:     logger.GetLogger(),
	}
}

func (p *Provider) Name() string { return p.name }

// Connect dials the combined stream endpoint and applies any subscriptions
// registered before connecting. Calling Connect on a connected provider is a
// no-op.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}
	if !p.breaker.IsAvailable() {
		return provider.ErrCircuitOpen
	}

	log := p.log.WithComponent("binance_provider").WithFields(logger.Fields{"operation": "connect"})
	p.tracker.SetStatus(models.StatusConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.Timeout}
	conn, _, err := dialer.DialContext(ctx, p.wsURL+"/stream", nil)
	if err != nil {
		p.breaker.RecordFailure()
		p.tracker.SetStatus(models.StatusError)
		p.tracker.RecordError()
		log.WithError(err).Error("websocket dial failed")
		return fmt.Errorf("connect to %s: %w", p.wsURL, err)
	}

	p.conn = conn
	p.connected = true
	p.breaker.RecordSuccess()
	p.tracker.SetStatus(models.StatusConnected)

	if streams := p.allStreams(); len(streams) > 0 {
		if err := p.sendStreamRequest(ctx, "SUBSCRIBE", streams); err != nil {
			log.WithError(err).Warn("failed to apply queued subscriptions")
		}
	}

	log.WithFields(logger.Fields{"url": p.wsURL, "subscriptions": len(p.subs)}).Info("connected")
	return nil
}

// Disconnect closes the websocket. Safe to call when already disconnected.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	err := p.conn.Close()
	p.conn = nil
	p.tracker.SetStatus(models.StatusDisconnected)
	p.log.WithComponent("binance_provider").Info("disconnected")
	return err
}

// Reconnect tears down the transport and retries the dial with exponential
// backoff, restoring the subscription set. The reconnect counter increments
// once per call regardless of attempts.
func (p *Provider) Reconnect(ctx context.Context) error {
	if err := p.Disconnect(); err != nil {
		p.log.WithComponent("binance_provider").WithError(err).Warn("close before reconnect failed")
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

// Subscribe registers the streams for sub. When connected the SUBSCRIBE
// control frame is sent on the live socket; otherwise the subscription is
// queued and applied on the next Connect.
func (p *Provider) Subscribe(ctx context.Context, sub models.Subscription) error {
	streams, err := streamNames(sub)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.subs[sub.Key()] = sub
	if !p.connected {
		return nil
	}
	return p.sendStreamRequest(ctx, "SUBSCRIBE", streams)
}

// Unsubscribe removes the subscription and, when connected, sends the
// UNSUBSCRIBE control frame.
func (p *Provider) Unsubscribe(ctx context.Context, sub models.Subscription) error {
	streams, err := streamNames(sub)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs, sub.Key())
	if !p.connected {
		return nil
	}
	return p.sendStreamRequest(ctx, "UNSUBSCRIBE", streams)
}

func (p *Provider) Health() models.ProviderHealth { return p.tracker.Health() }

func (p *Provider) Status() models.ProviderStatus { return p.tracker.Status() }

// allStreams returns stream names for every registered subscription. Caller
// holds p.mu.
func (p *Provider) allStreams() []string {
	var streams []string
	for _, sub := range p.subs {
		names, err := streamNames(sub)
		if err != nil {
			continue
		}
		streams = append(streams, names...)
	}
	return streams
}

// sendStreamRequest writes one SUBSCRIBE/UNSUBSCRIBE frame. Rate limited so
// bulk resubscription after reconnect cannot trip the exchange's message
// cap. Caller holds p.mu.
func (p *Provider) sendStreamRequest(ctx context.Context, method string, streams []string) error {
	if err := p.limiter.Acquire(ctx); err != nil {
		return err
	}

	p.nextReqID++
	req := wsRequest{Method: method, Params: streams, ID: p.nextReqID}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.Timeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(req)
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
