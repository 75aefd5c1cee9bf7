package replay

import (
	"context"
	"encoding/json"
	"time"

	"marketflow/logger"
	"marketflow/models"
)

// Handlers is the replay dispatch table: one slot per record kind, dispatched
// strictly by type tag with no bus fan-out.
type Handlers struct {
	OnTrade             func(models.Trade)
	OnCandle            func(models.Candle)
	OnTick              func(models.Tick)
	OnOrderBookSnapshot func(models.OrderBookSnapshot)
	OnOrderBookDelta    func(models.OrderBookDelta)
}

// Options controls playback pacing and the time window.
type Options struct {
	// SpeedMultiplier scales inter-event timing; 0 dispatches with no delay.
	SpeedMultiplier float64
	// StartTimeMs excludes earlier records, counting them as skipped. Zero
	// disables the filter.
	StartTimeMs int64
	// EndTimeMs stops playback at the first record past it. Zero disables
	// the filter.
	EndTimeMs int64
}

// Stats are the per-type dispatch counters returned by a replay run.
type Stats struct {
	Trades    int
	Candles   int
	Ticks     int
	Snapshots int
	Deltas    int
	Skipped   int
	Total     int
}

// ReplayFromFile plays a JSONL recording through the handlers. The file is
// scanned sequentially and must already be chronologically sorted; the
// player never re-sorts.
func ReplayFromFile(ctx context.Context, path string, handlers Handlers, opts Options) (Stats, error) {
	records, err := LoadFromFile(path)
	if err != nil {
		return Stats{}, err
	}
	return replay(ctx, records, handlers, opts)
}

// ReplayFromRecords plays an in-memory recording at the given speed.
func ReplayFromRecords(ctx context.Context, records []Record, handlers Handlers, speed float64) (Stats, error) {
	return replay(ctx, records, handlers, Options{SpeedMultiplier: speed})
}

func replay(ctx context.Context, records []Record, handlers Handlers, opts Options) (Stats, error) {
	log := logger.GetLogger().WithComponent("replay")
	stats := Stats{}

	prev := int64(-1)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if opts.StartTimeMs > 0 && rec.TimestampMs < opts.StartTimeMs {
			stats.Skipped++
			continue
		}
		if opts.EndTimeMs > 0 && rec.TimestampMs > opts.EndTimeMs {
			break
		}

		if prev >= 0 && opts.SpeedMultiplier > 0 {
			if wait := pacing(prev, rec.TimestampMs, opts.SpeedMultiplier); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return stats, ctx.Err()
				case <-timer.C:
				}
			}
		}
		prev = rec.TimestampMs

		if err := dispatch(rec, handlers, &stats); err != nil {
			log.WithError(err).WithFields(logger.Fields{"type": rec.Type}).Warn("skipping undecodable record")
		}
	}

	return stats, nil
}

// pacing reproduces the recorded inter-event gap scaled by the speed
// multiplier. Out-of-order input yields zero wait, never negative.
func pacing(prevMs, nextMs int64, speed float64) time.Duration {
	deltaMs := nextMs - prevMs
	if deltaMs <= 0 {
		return 0
	}
	return time.Duration(float64(deltaMs) / speed * float64(time.Millisecond))
}

func dispatch(rec Record, handlers Handlers, stats *Stats) error {
	switch rec.Type {
	case models.DataTypeTrade:
		var t models.Trade
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return err
		}
		stats.Trades++
		stats.Total++
		if handlers.OnTrade != nil {
			handlers.OnTrade(t)
		}
	case models.DataTypeCandle:
		var c models.Candle
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			return err
		}
		stats.Candles++
		stats.Total++
		if handlers.OnCandle != nil {
			handlers.OnCandle(c)
		}
	case models.DataTypeTick:
		var t models.Tick
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			return err
		}
		stats.Ticks++
		stats.Total++
		if handlers.OnTick != nil {
			handlers.OnTick(t)
		}
	case models.DataTypeOrderBookSnapshot:
		var s models.OrderBookSnapshot
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return err
		}
		stats.Snapshots++
		stats.Total++
		if handlers.OnOrderBookSnapshot != nil {
			handlers.OnOrderBookSnapshot(s)
		}
	case models.DataTypeOrderBookDelta:
		var d models.OrderBookDelta
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return err
		}
		stats.Deltas++
		stats.Total++
		if handlers.OnOrderBookDelta != nil {
			handlers.OnOrderBookDelta(d)
		}
	}
	return nil
}
