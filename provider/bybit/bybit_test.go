package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "marketflow/config"
	"marketflow/models"
	"marketflow/provider"
)

func testConfig(restURL string) appconfig.ProviderConfig {
	return appconfig.ProviderConfig{
		Name:               "bybit",
		RestURL:            restURL,
		Timeout:            5 * time.Second,
		RateLimitPerSecond: 1000,
		ReconnectAttempts:  2,
		ReconnectDelay:     10 * time.Millisecond,
		PollIntervalMs:     10,
		SnapshotLimit:      50,
		CircuitBreaker: appconfig.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
		},
	}
}

func orderBookHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/orderbook" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["42000.5","1.5"]],"a":[["42001.0","2.0"]],"ts":1700000000000,"u":12345},"time":1700000000001}`)
	}
}

func TestFetchOrderBookSnapshot(t *testing.T) {
	server := httptest.NewServer(orderBookHandler(t))
	defer server.Close()

	p := New(testConfig(server.URL))
	snap, err := p.FetchOrderBookSnapshot(context.Background(), "BTCUSDT", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %q", snap.Symbol)
	}
	if snap.Sequence != 12345 || snap.Timestamp != 1700000000000 {
		t.Errorf("unexpected sequence/timestamp: %+v", snap)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 42000.5 || snap.Bids[0].Quantity != 1.5 {
		t.Errorf("unexpected bids: %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 42001.0 {
		t.Errorf("unexpected asks: %+v", snap.Asks)
	}
	if snap.Provider != "bybit" || snap.SchemaVersion != models.SchemaVersion {
		t.Errorf("unexpected envelope: %+v", snap)
	}
}

func TestFetchOrderBookSnapshotAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	}))
	defer server.Close()

	p := New(testConfig(server.URL))
	if _, err := p.FetchOrderBookSnapshot(context.Background(), "BTCUSDT", 50); err == nil {
		t.Fatal("expected error for non-zero ret_code")
	}
	if p.Health().ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", p.Health().ErrorCount)
	}
}

func TestSubscribeRejectsStreamingTypes(t *testing.T) {
	p := New(testConfig("http://127.0.0.1:1"))
	sub := models.Subscription{Symbol: "BTCUSDT", DataTypes: []models.DataType{models.DataTypeTrade}}
	err := p.Subscribe(context.Background(), sub)
	if !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFetchHistoricalUnsupported(t *testing.T) {
	p := New(testConfig("http://127.0.0.1:1"))
	records, errs := p.FetchHistorical(context.Background(), models.HistoricalRequest{
		Symbol:   "BTCUSDT",
		DataType: models.DataTypeCandle,
	})
	for range records {
	}
	if err := <-errs; !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestMessagesNotConnected(t *testing.T) {
	p := New(testConfig("http://127.0.0.1:1"))
	events, errs := p.Messages(context.Background())
	for range events {
	}
	if err := <-errs; !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	server := httptest.NewServer(orderBookHandler(t))
	defer server.Close()

	p := New(testConfig(server.URL))
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op: %v", err)
	}
	if p.Status() != models.StatusConnected {
		t.Errorf("expected connected status, got %s", p.Status())
	}
}

func TestConnectProbeFailureOpensBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10006,"retMsg":"rate limited","result":{}}`)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	p := New(cfg)
	sub := models.Subscription{Symbol: "BTCUSDT", DataTypes: []models.DataType{models.DataTypeOrderBookSnapshot}}
	if err := p.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < cfg.CircuitBreaker.FailureThreshold; i++ {
		if err := p.Connect(context.Background()); err == nil {
			t.Fatal("expected probe failure")
		}
	}

	err := p.Connect(context.Background())
	if !errors.Is(err, provider.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after %d failures, got %v", cfg.CircuitBreaker.FailureThreshold, err)
	}
}

func TestMessagesPollsSnapshots(t *testing.T) {
	server := httptest.NewServer(orderBookHandler(t))
	defer server.Close()

	p := New(testConfig(server.URL))
	sub := models.Subscription{Symbol: "BTCUSDT", DataTypes: []models.DataType{models.DataTypeOrderBookSnapshot}}
	if err := p.Subscribe(context.Background(), sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, errs := p.Messages(ctx)

	select {
	case ev := <-events:
		if ev.Type != models.DataTypeOrderBookSnapshot {
			t.Errorf("expected snapshot event, got %s", ev.Type)
		}
		if _, ok := ev.Data.(models.OrderBookSnapshot); !ok {
			t.Errorf("expected OrderBookSnapshot payload, got %T", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled snapshot")
	}

	cancel()
	for range events {
	}
	if err := <-errs; err != nil {
		t.Errorf("expected clean shutdown on cancellation, got %v", err)
	}
	if p.Health().MessageCount == 0 {
		t.Error("expected message count to advance")
	}
}
