package models

// SchemaVersion tags every normalized record so downstream consumers can
// detect format changes in persisted data.
const SchemaVersion = "1.0"

// DataType identifies the kind of a normalized market data record or event.
type DataType string

const (
	DataTypeTrade             DataType = "trade"
	DataTypeCandle            DataType = "candle"
	DataTypeTick              DataType = "tick"
	DataTypeOrderBookSnapshot DataType = "orderbook_snapshot"
	DataTypeOrderBookDelta    DataType = "orderbook_delta"
	DataTypeError             DataType = "error"
	DataTypeStatusChange      DataType = "status_change"
	DataTypeHealthUpdate      DataType = "health_update"
)

// ProviderStatus is the connection state reported by a provider.
type ProviderStatus string

const (
	StatusDisconnected ProviderStatus = "disconnected"
	StatusConnecting   ProviderStatus = "connecting"
	StatusConnected    ProviderStatus = "connected"
	StatusError        ProviderStatus = "error"
	StatusRateLimited  ProviderStatus = "rate_limited"
)

// MarketDataRecord is the only payload shape crossing the controller/provider
// boundary. The controller routes purely by RecordType and never inspects the
// concrete payload.
type MarketDataRecord interface {
	RecordType() DataType
	TimestampMs() int64
}

// Side of a trade, taker perspective.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a normalized executed trade.
type Trade struct {
	SchemaVersion string  `json:"schema_version"`
	Provider      string  `json:"provider"`
	Symbol        string  `json:"symbol"`
	TradeID       string  `json:"trade_id"`
	Timestamp     int64   `json:"timestamp_ms"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	Side          Side    `json:"side"`
}

func (t Trade) RecordType() DataType { return DataTypeTrade }
func (t Trade) TimestampMs() int64   { return t.Timestamp }

// Candle is a normalized OHLCV bar.
type Candle struct {
	SchemaVersion string  `json:"schema_version"`
	Provider      string  `json:"provider"`
	Symbol        string  `json:"symbol"`
	Interval      string  `json:"interval"`
	OpenTime      int64   `json:"open_time_ms"`
	CloseTime     int64   `json:"close_time_ms"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	IsClosed      bool    `json:"is_closed"`
}

func (c Candle) RecordType() DataType { return DataTypeCandle }
func (c Candle) TimestampMs() int64   { return c.OpenTime }

// Tick is a normalized best bid/ask quote.
type Tick struct {
	SchemaVersion string  `json:"schema_version"`
	Provider      string  `json:"provider"`
	Symbol        string  `json:"symbol"`
	Timestamp     int64   `json:"timestamp_ms"`
	BidPrice      float64 `json:"bid_price"`
	BidQuantity   float64 `json:"bid_quantity"`
	AskPrice      float64 `json:"ask_price"`
	AskQuantity   float64 `json:"ask_quantity"`
	LastPrice     float64 `json:"last_price"`
	LastQuantity  float64 `json:"last_quantity"`
}

func (t Tick) RecordType() DataType { return DataTypeTick }
func (t Tick) TimestampMs() int64   { return t.Timestamp }

// PriceLevel is a single order book price level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBookSnapshot is a normalized full order book state.
type OrderBookSnapshot struct {
	SchemaVersion string       `json:"schema_version"`
	Provider      string       `json:"provider"`
	Symbol        string       `json:"symbol"`
	Timestamp     int64        `json:"timestamp_ms"`
	Sequence      int64        `json:"sequence"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
}

func (s OrderBookSnapshot) RecordType() DataType { return DataTypeOrderBookSnapshot }
func (s OrderBookSnapshot) TimestampMs() int64   { return s.Timestamp }

// OrderBookDelta is a normalized incremental order book update.
type OrderBookDelta struct {
	SchemaVersion string       `json:"schema_version"`
	Provider      string       `json:"provider"`
	Symbol        string       `json:"symbol"`
	Timestamp     int64        `json:"timestamp_ms"`
	FirstUpdateID int64        `json:"first_update_id"`
	FinalUpdateID int64        `json:"final_update_id"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
}

func (d OrderBookDelta) RecordType() DataType { return DataTypeOrderBookDelta }
func (d OrderBookDelta) TimestampMs() int64   { return d.Timestamp }

// Event pairs a type tag with its payload as delivered by a provider stream.
type Event struct {
	Type DataType
	Data MarketDataRecord
}
