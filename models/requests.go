package models

// Subscription describes one data stream on a provider. It is an immutable
// value; two subscriptions are the same stream when symbol, data types and
// interval all match.
type Subscription struct {
	Symbol    string     `json:"symbol" yaml:"symbol"`
	DataTypes []DataType `json:"data_types" yaml:"data_types"`
	Interval  string     `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Key returns a stable identity for subscription-set membership checks.
func (s Subscription) Key() string {
	key := s.Symbol + "|" + s.Interval
	for _, dt := range s.DataTypes {
		key += "|" + string(dt)
	}
	return key
}

// HistoricalRequest bounds a historical data fetch. Records yielded for one
// request are non-decreasing by timestamp within [StartTimeMs, EndTimeMs].
type HistoricalRequest struct {
	Symbol      string   `json:"symbol"`
	DataType    DataType `json:"data_type"`
	StartTimeMs int64    `json:"start_time_ms"`
	EndTimeMs   int64    `json:"end_time_ms"`
	Interval    string   `json:"interval,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// ProviderHealth is a point-in-time snapshot of one provider's counters.
type ProviderHealth struct {
	Provider       string         `json:"provider"`
	Status         ProviderStatus `json:"status"`
	LastMessageMs  int64          `json:"last_message_ms"`
	MessageCount   int64          `json:"message_count"`
	ErrorCount     int64          `json:"error_count"`
	ReconnectCount int64          `json:"reconnect_count"`
}
