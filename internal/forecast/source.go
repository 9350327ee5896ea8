package forecast

import (
	"context"

	"demand-forecast/internal/models"
)

// RecordSource supplies the raw sales rows of one user
type RecordSource interface {
	FetchRecords(ctx context.Context, userID int64) ([]models.RawRecord, error)
}

// SourceFunc adapts a function to RecordSource
type SourceFunc func(ctx context.Context, userID int64) ([]models.RawRecord, error)

// FetchRecords calls f
func (f SourceFunc) FetchRecords(ctx context.Context, userID int64) ([]models.RawRecord, error) {
	return f(ctx, userID)
}

// StaticSource is an in-memory RecordSource keyed by user id.
// Unknown users have no records.
type StaticSource map[int64][]models.RawRecord

// FetchRecords returns a copy of the records stored for userID
func (s StaticSource) FetchRecords(ctx context.Context, userID int64) ([]models.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := s[userID]
	out := make([]models.RawRecord, len(records))
	copy(out, records)
	return out, nil
}
