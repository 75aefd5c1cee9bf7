package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketflow/logger"
	"marketflow/models"
	"marketflow/provider"
)

// streamNames maps a subscription to Binance combined-stream names.
func streamNames(sub models.Subscription) ([]string, error) {
	symbol := strings.ToLower(sub.Symbol)
	names := make([]string, 0, len(sub.DataTypes))
	for _, dt := range sub.DataTypes {
		switch dt {
		case models.DataTypeTrade:
			names = append(names, symbol+"@trade")
		case models.DataTypeCandle:
			interval := sub.Interval
			if interval == "" {
				interval = "1m"
			}
			names = append(names, symbol+"@kline_"+interval)
		case models.DataTypeTick:
			names = append(names, symbol+"@bookTicker")
		case models.DataTypeOrderBookDelta:
			names = append(names, symbol+"@depth@100ms")
		case models.DataTypeOrderBookSnapshot:
			names = append(names, symbol+"@depth20")
		default:
			return nil, fmt.Errorf("data type %q has no binance stream", dt)
		}
	}
	return names, nil
}

// Messages pumps parsed events from the live websocket until ctx is
// cancelled or the transport fails. Cancellation closes the event channel
// without an error; a transport failure delivers exactly one error before
// both channels close.
func (p *Provider) Messages(ctx context.Context) (<-chan models.Event, <-chan error) {
	events := make(chan models.Event, p.cfg.EventBuffer)
	errs := make(chan error, errBuffer(p.cfg.ErrorBuffer))

	p.mu.Lock()
	conn := p.conn
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		errs <- provider.ErrNotConnected
		close(events)
		close(errs)
		return events, errs
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(errs)
		defer close(done)

		log := p.log.WithComponent("binance_provider").WithFields(logger.Fields{"worker": "message_pump"})
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.tracker.SetStatus(models.StatusError)
				p.tracker.RecordError()
				log.WithError(err).Warn("websocket read failed")
				errs <- fmt.Errorf("websocket read: %w", err)
				return
			}

			ev, err := parseFrame(p.name, payload)
			if err != nil {
				log.WithError(err).Debug("skipping unparseable frame")
				continue
			}
			if ev.Data == nil {
				continue
			}

			p.tracker.RecordMessage()
			select {
			case events <- ev:
			case <-ctx.Done():
				return
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

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsTrade struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wsKline struct {
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

type wsBookTicker struct {
	Symbol      string `json:"s"`
	BidPrice    string `json:"b"`
	BidQuantity string `json:"B"`
	AskPrice    string `json:"a"`
	AskQuantity string `json:"A"`
}

type wsDepthUpdate struct {
	Symbol        string     `json:"s"`
	EventTime     int64      `json:"E"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type wsPartialDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// parseFrame normalizes one combined-stream frame. Control acknowledgements
// and unknown streams yield a zero event with nil Data.
func parseFrame(providerName string, payload []byte) (models.Event, error) {
	var frame combinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return models.Event{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Stream == "" {
		// SUBSCRIBE/UNSUBSCRIBE acknowledgement.
		return models.Event{}, nil
	}

	symbol, kind := splitStream(frame.Stream)

	switch {
	case kind == "trade":
		var t wsTrade
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return models.Event{}, err
		}
		side := models.SideBuy
		if t.IsBuyerMaker {
			side = models.SideSell
		}
		return models.Event{Type: models.DataTypeTrade, Data: models.Trade{
			SchemaVersion: models.SchemaVersion,
			Provider:      providerName,
			Symbol:        t.Symbol,
			TradeID:       strconv.FormatInt(t.TradeID, 10),
			Timestamp:     t.TradeTime,
			Price:         parseFloat(t.Price),
			Quantity:      parseFloat(t.Quantity),
			Side:          side,
		}}, nil

	case strings.HasPrefix(kind, "kline"):
		var k wsKline
		if err := json.Unmarshal(frame.Data, &k); err != nil {
			return models.Event{}, err
		}
		return models.Event{Type: models.DataTypeCandle, Data: models.Candle{
			SchemaVersion: models.SchemaVersion,
			Provider:      providerName,
			Symbol:        k.Symbol,
			Interval:      k.Kline.Interval,
			OpenTime:      k.Kline.OpenTime,
			CloseTime:     k.Kline.CloseTime,
			Open:          parseFloat(k.Kline.Open),
			High:          parseFloat(k.Kline.High),
			Low:           parseFloat(k.Kline.Low),
			Close:         parseFloat(k.Kline.Close),
			Volume:        parseFloat(k.Kline.Volume),
			IsClosed:      k.Kline.IsClosed,
		}}, nil

	case kind == "bookTicker":
		var t wsBookTicker
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return models.Event{}, err
		}
		return models.Event{Type: models.DataTypeTick, Data: models.Tick{
			SchemaVersion: models.SchemaVersion,
			Provider:      providerName,
			Symbol:        t.Symbol,
			Timestamp:     time.Now().UnixMilli(),
			BidPrice:      parseFloat(t.BidPrice),
			BidQuantity:   parseFloat(t.BidQuantity),
			AskPrice:      parseFloat(t.AskPrice),
			AskQuantity:   parseFloat(t.AskQuantity),
		}}, nil

	case kind == "depth@100ms" || kind == "depth":
		var d wsDepthUpdate
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return models.Event{}, err
		}
		return models.Event{Type: models.DataTypeOrderBookDelta, Data: models.OrderBookDelta{
			SchemaVersion: models.SchemaVersion,
			Provider:      providerName,
			Symbol:        d.Symbol,
			Timestamp:     d.EventTime,
			FirstUpdateID: d.FirstUpdateID,
			FinalUpdateID: d.FinalUpdateID,
			Bids:          parseLevels(d.Bids),
			Asks:          parseLevels(d.Asks),
		}}, nil

	case strings.HasPrefix(kind, "depth"):
		var d wsPartialDepth
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return models.Event{}, err
		}
		return models.Event{Type: models.DataTypeOrderBookSnapshot, Data: models.OrderBookSnapshot{
			SchemaVersion: models.SchemaVersion,
			Provider:      providerName,
			Symbol:        strings.ToUpper(symbol),
			Timestamp:     time.Now().UnixMilli(),
			Sequence:      d.LastUpdateID,
			Bids:          parseLevels(d.Bids),
			Asks:          parseLevels(d.Asks),
		}}, nil
	}

	return models.Event{}, nil
}

func splitStream(stream string) (symbol, kind string) {
	i := strings.Index(stream, "@")
	if i < 0 {
		return stream, ""
	}
	return stream[:i], stream[i+1:]
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseLevels(raw [][]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		levels = append(levels, models.PriceLevel{
			Price:    parseFloat(l[0]),
			Quantity: parseFloat(l[1]),
		})
	}
	return levels
}
