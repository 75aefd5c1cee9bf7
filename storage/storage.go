package storage

import (
	"context"

	"marketflow/models"
)

// BatchWriter persists a batch in one call. A batch either fully succeeds or
// fully fails; partial writes are the implementation's problem to avoid.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []models.MarketDataRecord) error
}
