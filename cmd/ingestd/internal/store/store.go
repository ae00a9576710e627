package store

import (
	"context"
	"time"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// PutResult reports what a write did. A rejected write is an expected
// outcome of racing sources, not an error.
type PutResult struct {
	// Accepted is false when the snapshot's sequence did not advance the
	// per-source counter (stale write ignored).
	Accepted bool
	// ViewAdvanced is true when the symbol's externally visible value moved
	// to this snapshot (most recent observed_at across sources wins).
	ViewAdvanced bool
}

// SnapshotStore is the shared cache every component reads and writes
// through. All keys carry a TTL so a total ingestion outage surfaces as
// "no data" instead of silently ancient data.
type SnapshotStore interface {
	Put(ctx context.Context, snap models.Snapshot) (PutResult, error)
	Get(ctx context.Context, symbol string) (models.Snapshot, time.Duration, error)
	GetAll(ctx context.Context) ([]models.Snapshot, error)
	LastUpdated(ctx context.Context) (time.Time, error)

	// AcquireCooldown returns true if the symbol was not in cool-down and
	// the marker was set for d. Used by the spike detector to suppress
	// repeat alerts.
	AcquireCooldown(ctx context.Context, symbol string, d time.Duration) (bool, error)

	PushAlert(ctx context.Context, alert models.SpikeAlert) error
	RecentAlerts(ctx context.Context, n int) ([]models.SpikeAlert, error)

	Close() error
}
