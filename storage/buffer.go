package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketflow/logger"
	"marketflow/models"
)

// Buffer batches records in front of a BatchWriter. A flush happens when the
// batch size is reached (inline, on the Add that filled it), on every flush
// interval, and on Stop. A failed flush re-enqueues the batch, so delivery
// is at-least-once and consumers must tolerate duplicates.
type Buffer struct {
	writer    BatchWriter
	batchSize int
	interval  time.Duration
	log       *logger.Log

	mu      sync.Mutex
	pending []models.MarketDataRecord
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	flushes        int64
	flushedRecords int64
	failedFlushes  int64
}

// BufferStats is a point-in-time snapshot of buffer counters.
type BufferStats struct {
	Buffered       int
	Flushes        int64
	FlushedRecords int64
	FailedFlushes  int64
}

func NewBuffer(writer BatchWriter, batchSize int, interval time.Duration) *Buffer {
	return &Buffer{
		writer:    writer,
		batchSize: batchSize,
		interval:  interval,
		pending:   make([]models.MarketDataRecord, 0, batchSize),
		log:       logger.GetLogger(),
	}
}

// Start launches the periodic flush loop.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("buffer already running")
	}
	b.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.flushLoop(loopCtx)

	b.log.WithComponent("storage_buffer").WithFields(logger.Fields{
		"batch_size":     b.batchSize,
		"flush_interval": b.interval.String(),
	}).Info("storage buffer started")
	return nil
}

// Stop halts the flush loop and flushes whatever is pending. Idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.flushLocked(context.Background())
	b.mu.Unlock()

	b.log.WithComponent("storage_buffer").Info("storage buffer stopped")
}

// Add appends one record. Reaching the batch size flushes inline before Add
// returns, so a caller observes the write completing in submission order.
func (b *Buffer) Add(ctx context.Context, record models.MarketDataRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, record)
	if len(b.pending) >= b.batchSize {
		return b.flushLocked(ctx)
	}
	return nil
}

// Flush forces a flush of all pending records.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// flushLocked writes the pending batch. On failure the batch goes back to
// the front of the queue. Caller holds b.mu.
func (b *Buffer) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}

	batch := b.pending
	b.pending = make([]models.MarketDataRecord, 0, b.batchSize)

	if err := b.writer.WriteBatch(ctx, batch); err != nil {
		b.failedFlushes++
		b.pending = append(batch, b.pending...)
		b.log.WithComponent("storage_buffer").WithError(err).WithFields(logger.Fields{
			"batch_size": len(batch),
		}).Error("flush failed, batch re-enqueued")
		return fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	b.flushes++
	b.flushedRecords += int64(len(batch))
	logger.IncrementStorageWrite(len(batch))
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			// flushLocked logs its own failures; the batch stays queued.
			_ = b.flushLocked(ctx)
			b.mu.Unlock()
		}
	}
}

func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Buffered:       len(b.pending),
		Flushes:        b.flushes,
		FlushedRecords: b.flushedRecords,
		FailedFlushes:  b.failedFlushes,
	}
}
