package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"marketflow/logger"
	"marketflow/models"
	"marketflow/provider"
)

// restPageLimit is the maximum rows per page the klines and aggTrades
// endpoints accept.
const restPageLimit = 1000

// FetchOrderBookSnapshot retrieves the current order book via the depth
// endpoint.
func (p *Provider) FetchOrderBookSnapshot(ctx context.Context, symbol string, limit int) (models.OrderBookSnapshot, error) {
	if limit <= 0 {
		limit = p.cfg.SnapshotLimit
	}
	if err := p.limiter.Acquire(ctx); err != nil {
		return models.OrderBookSnapshot{}, err
	}

	start := time.Now()
	res, err := p.rest.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		p.tracker.RecordError()
		return models.OrderBookSnapshot{}, fmt.Errorf("fetch depth for %s: %w", symbol, err)
	}
	logger.LogPerformanceEntry(p.log.WithComponent("binance_provider"), "binance_provider", "depth_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	bids := make([]models.PriceLevel, 0, len(res.Bids))
	for _, b := range res.Bids {
		bids = append(bids, models.PriceLevel{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	asks := make([]models.PriceLevel, 0, len(res.Asks))
	for _, a := range res.Asks {
		asks = append(asks, models.PriceLevel{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}

	return models.OrderBookSnapshot{
		SchemaVersion: models.SchemaVersion,
		Provider:      p.name,
		Symbol:        symbol,
		Timestamp:     time.Now().UnixMilli(),
		Sequence:      res.LastUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

// FetchHistorical streams candles or trades for the requested window, oldest
// first, paging through the REST API until the window is exhausted.
func (p *Provider) FetchHistorical(ctx context.Context, req models.HistoricalRequest) (<-chan models.MarketDataRecord, <-chan error) {
	records := make(chan models.MarketDataRecord)
	errs := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errs)

		var err error
		switch req.DataType {
		case models.DataTypeCandle:
			err = p.fetchKlines(ctx, req, records)
		case models.DataTypeTrade:
			err = p.fetchAggTrades(ctx, req, records)
		default:
			err = fmt.Errorf("%w: historical %s", provider.ErrUnsupported, req.DataType)
		}
		if err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	return records, errs
}

func (p *Provider) fetchKlines(ctx context.Context, req models.HistoricalRequest, out chan<- models.MarketDataRecord) error {
	interval := req.Interval
	if interval == "" {
		interval = "1m"
	}

	remaining := req.Limit
	cursor := req.StartTimeMs
	for {
		pageLimit := restPageLimit
		if remaining > 0 && remaining < pageLimit {
			pageLimit = remaining
		}

		q := url.Values{}
		q.Set("symbol", req.Symbol)
		q.Set("interval", interval)
		q.Set("startTime", strconv.FormatInt(cursor, 10))
		q.Set("endTime", strconv.FormatInt(req.EndTimeMs, 10))
		q.Set("limit", strconv.Itoa(pageLimit))

		var rows [][]any
		if err := p.getJSON(ctx, "/api/v3/klines", q, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			candle := models.Candle{
				SchemaVersion: models.SchemaVersion,
				Provider:      p.name,
				Symbol:        req.Symbol,
				Interval:      interval,
				OpenTime:      asInt64(row[0]),
				Open:          asFloat(row[1]),
				High:          asFloat(row[2]),
				Low:           asFloat(row[3]),
				Close:         asFloat(row[4]),
				Volume:        asFloat(row[5]),
				CloseTime:     asInt64(row[6]),
				IsClosed:      true,
			}
			if candle.OpenTime > req.EndTimeMs {
				return nil
			}
			select {
			case out <- candle:
			case <-ctx.Done():
				return ctx.Err()
			}
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return nil
				}
			}
			cursor = candle.CloseTime + 1
		}

		if len(rows) < pageLimit || cursor > req.EndTimeMs {
			return nil
		}
	}
}

func (p *Provider) fetchAggTrades(ctx context.Context, req models.HistoricalRequest, out chan<- models.MarketDataRecord) error {
	type aggTrade struct {
		ID           int64  `json:"a"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		Timestamp    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	}

	remaining := req.Limit
	fromID := int64(-1)
	for {
		pageLimit := restPageLimit
		if remaining > 0 && remaining < pageLimit {
			pageLimit = remaining
		}

		q := url.Values{}
		q.Set("symbol", req.Symbol)
		q.Set("limit", strconv.Itoa(pageLimit))
		if fromID < 0 {
			q.Set("startTime", strconv.FormatInt(req.StartTimeMs, 10))
			q.Set("endTime", strconv.FormatInt(req.EndTimeMs, 10))
		} else {
			q.Set("fromId", strconv.FormatInt(fromID, 10))
		}

		var rows []aggTrade
		if err := p.getJSON(ctx, "/api/v3/aggTrades", q, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			if row.Timestamp > req.EndTimeMs {
				return nil
			}
			side := models.SideBuy
			if row.IsBuyerMaker {
				side = models.SideSell
			}
			trade := models.Trade{
				SchemaVersion: models.SchemaVersion,
				Provider:      p.name,
				Symbol:        req.Symbol,
				TradeID:       strconv.FormatInt(row.ID, 10),
				Timestamp:     row.Timestamp,
				Price:         parseFloat(row.Price),
				Quantity:      parseFloat(row.Quantity),
				Side:          side,
			}
			select {
			case out <- trade:
			case <-ctx.Done():
				return ctx.Err()
			}
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return nil
				}
			}
			fromID = row.ID + 1
		}

		if len(rows) < pageLimit {
			return nil
		}
	}
}

// getJSON issues one rate-limited GET against the REST API. A 429 response
// honors the Retry-After header and retries the same request; 418 means the
// IP is banned and is fatal.
func (p *Provider) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	log := p.log.WithComponent("binance_provider").WithFields(logger.Fields{"path": path})

	for {
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.rest.BaseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}

		resp, err := p.rest.HTTPClient.Do(httpReq)
		if err != nil {
			p.tracker.RecordError()
			return fmt.Errorf("GET %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("GET %s: read body: %w", path, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return json.Unmarshal(body, out)

		case http.StatusTooManyRequests:
			wait := retryAfter(resp.Header)
			prev := p.tracker.Status()
			p.tracker.SetStatus(models.StatusRateLimited)
			log.WithFields(logger.Fields{"retry_after": wait.String()}).Warn("rate limited, backing off")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			p.tracker.SetStatus(prev)

		case http.StatusTeapot:
			p.tracker.RecordError()
			return fmt.Errorf("GET %s: IP banned by exchange (418)", path)

		default:
			p.tracker.RecordError()
			return fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, truncate(body, 200))
		}
	}
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		return parseFloat(n)
	}
	return 0
}
