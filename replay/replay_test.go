package replay

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"marketflow/models"
)

func sampleTrade(id string, ts int64) models.Trade {
	return models.Trade{
		SchemaVersion: models.SchemaVersion,
		Provider:      "binance",
		Symbol:        "BTCUSDT",
		TradeID:       id,
		Timestamp:     ts,
		Price:         42000,
		Quantity:      0.5,
		Side:          models.SideBuy,
	}
}

func sampleCandle(ts int64) models.Candle {
	return models.Candle{
		SchemaVersion: models.SchemaVersion,
		Provider:      "binance",
		Symbol:        "BTCUSDT",
		Interval:      "1m",
		OpenTime:      ts,
		CloseTime:     ts + 59999,
		Open:          100,
		High:          110,
		Low:           90,
		Close:         105,
		Volume:        10,
		IsClosed:      true,
	}
}

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder()

	// Outside a session RecordEvent is a no-op.
	if err := r.RecordEvent(models.DataTypeTrade, sampleTrade("0", 500), 500); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	r.StartRecording()
	if !r.Recording() {
		t.Fatal("expected recorder active")
	}
	if err := r.RecordEvent(models.DataTypeTrade, sampleTrade("1", 1000), 1000); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := r.RecordEvent(models.DataTypeCandle, sampleCandle(4000), 4000); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	records := r.StopRecording()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != models.DataTypeTrade || records[0].TimestampMs != 1000 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[1].Type != models.DataTypeCandle || records[1].TimestampMs != 4000 {
		t.Errorf("unexpected second record: %+v", records[1])
	}

	// The returned slice is an owned copy.
	r.StartRecording()
	if err := r.RecordEvent(models.DataTypeTrade, sampleTrade("2", 2000), 2000); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("StopRecording copy mutated by later session")
	}
}

func TestStartRecordingClearsPriorRecords(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("1", 1000), 1000)
	r.StopRecording()

	r.StartRecording()
	records := r.StopRecording()
	if len(records) != 0 {
		t.Fatalf("expected cleared recording, got %d records", len(records))
	}
}

func TestEndToEndRecordSaveReplay(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("A", 1000), 1000)
	_ = r.RecordEvent(models.DataTypeCandle, sampleCandle(4000), 4000)
	records := r.StopRecording()

	path := filepath.Join(t.TempDir(), "recording.jsonl")
	if err := SaveToFile(path, records); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var sequence []string
	handlers := Handlers{
		OnTrade: func(tr models.Trade) {
			sequence = append(sequence, "trade:"+tr.TradeID)
		},
		OnCandle: func(c models.Candle) {
			sequence = append(sequence, "candle")
		},
	}

	stats, err := ReplayFromFile(context.Background(), path, handlers, Options{SpeedMultiplier: 0})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	want := []string{"trade:A", "candle"}
	if !reflect.DeepEqual(sequence, want) {
		t.Errorf("expected call sequence %v, got %v", want, sequence)
	}
	if stats.Trades != 1 || stats.Candles != 1 || stats.Total != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReplayDeterministic(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	for i := 0; i < 10; i++ {
		_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("t", int64(i*100)), int64(i*100))
	}
	_ = r.RecordEvent(models.DataTypeCandle, sampleCandle(2000), 2000)
	records := r.StopRecording()

	run := func() (Stats, []string) {
		var calls []string
		handlers := Handlers{
			OnTrade:  func(tr models.Trade) { calls = append(calls, "trade") },
			OnCandle: func(models.Candle) { calls = append(calls, "candle") },
		}
		stats, err := ReplayFromRecords(context.Background(), records, handlers, 0)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		return stats, calls
	}

	stats1, calls1 := run()
	stats2, calls2 := run()
	if stats1 != stats2 {
		t.Errorf("stats differ across runs: %+v vs %+v", stats1, stats2)
	}
	if !reflect.DeepEqual(calls1, calls2) {
		t.Errorf("call sequences differ across runs")
	}
}

func TestReplayStartEndFilters(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	for i := 1; i <= 5; i++ {
		ts := int64(i * 1000)
		_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("t", ts), ts)
	}
	records := r.StopRecording()

	var dispatched []int64
	handlers := Handlers{
		OnTrade: func(tr models.Trade) { dispatched = append(dispatched, tr.Timestamp) },
	}

	stats, err := replay(context.Background(), records, handlers, Options{
		StartTimeMs: 2000,
		EndTimeMs:   4000,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	want := []int64{2000, 3000, 4000}
	if !reflect.DeepEqual(dispatched, want) {
		t.Errorf("expected dispatch of %v, got %v", want, dispatched)
	}
	if stats.Skipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", stats.Skipped)
	}
	if stats.Trades != 3 {
		t.Errorf("expected 3 trades, got %d", stats.Trades)
	}
}

func TestReplayPacing(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("1", 0), 0)
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("2", 100), 100)
	records := r.StopRecording()

	start := time.Now()
	_, err := ReplayFromRecords(context.Background(), records, Handlers{}, 1)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected >= 100ms of pacing at 1x, got %v", elapsed)
	}

	// Double speed halves the gap.
	start = time.Now()
	if _, err := ReplayFromRecords(context.Background(), records, Handlers{}, 2); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 95*time.Millisecond {
		t.Errorf("expected roughly 50ms of pacing at 2x, got %v", elapsed)
	}
}

func TestReplayOutOfOrderYieldsZeroWait(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("1", 60000), 60000)
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("2", 1000), 1000)
	records := r.StopRecording()

	start := time.Now()
	stats, err := ReplayFromRecords(context.Background(), records, Handlers{}, 1)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("out-of-order input must not wait, took %v", elapsed)
	}
	if stats.Trades != 2 {
		t.Errorf("expected both records dispatched, got %+v", stats)
	}
}

func TestReplayNeverReorders(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("late", 5000), 5000)
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("early", 1000), 1000)
	records := r.StopRecording()

	var order []string
	handlers := Handlers{OnTrade: func(tr models.Trade) { order = append(order, tr.TradeID) }}
	if _, err := ReplayFromRecords(context.Background(), records, handlers, 0); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	want := []string{"late", "early"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected input order preserved %v, got %v", want, order)
	}
}

func TestReplayCancellation(t *testing.T) {
	r := NewRecorder()
	r.StartRecording()
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("1", 0), 0)
	_ = r.RecordEvent(models.DataTypeTrade, sampleTrade("2", 60_000_000), 60_000_000)
	records := r.StopRecording()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ReplayFromRecords(ctx, records, Handlers{}, 1)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not interrupt pacing sleep")
	}
}
