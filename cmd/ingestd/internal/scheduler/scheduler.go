package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/store"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/upstream"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// Expected, non-exceptional outcomes of the single-flight guard.
var (
	ErrCycleRunning = errors.New("ingestion cycle already in progress")
	ErrCoolingDown  = errors.New("ingestion cycle in cool-down")
)

// Fetcher abstracts the upstream call for testing
type Fetcher interface {
	FetchAll(ctx context.Context) ([]models.Snapshot, error)
}

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CycleRecord is the ephemeral run record of the most recent cycle, kept
// only for health reporting.
type CycleRecord struct {
	StartedAt   time.Time     `json:"started_at"`
	Source      models.Source `json:"source"`
	Success     bool          `json:"success"`
	ErrorReason string        `json:"error_reason,omitempty"`
	Snapshots   int           `json:"snapshots"`
}

// Scheduler drives fetch-and-publish cycles. The timer tick and the external
// trigger endpoint funnel through the same guard, so at most one cycle runs
// at a time no matter who asked for it.
type Scheduler struct {
	fetcher    Fetcher
	store      store.SnapshotStore
	onSnapshot func(models.Snapshot) // accepted writes flow to the detector
	logger     *zap.Logger
	clock      Clock

	interval time.Duration
	cooldown time.Duration
	timeout  time.Duration

	mu          sync.Mutex
	running     bool
	nextAllowed time.Time
	last        CycleRecord
	hasRun      bool
}

func New(fetcher Fetcher, st store.SnapshotStore, onSnapshot func(models.Snapshot),
	logger *zap.Logger, interval, cooldown, timeout time.Duration) *Scheduler {
	return &Scheduler{
		fetcher:    fetcher,
		store:      st,
		onSnapshot: onSnapshot,
		logger:     logger,
		clock:      realClock{},
		interval:   interval,
		cooldown:   cooldown,
		timeout:    timeout,
	}
}

// SetClock replaces the wall clock. Test hook.
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// Trigger attempts one cycle immediately. Returns ErrCycleRunning while a
// cycle is in flight and ErrCoolingDown during the post-cycle window; both
// are expected outcomes, not failures. On a completed cycle the record is
// returned along with any classified fetch error.
func (s *Scheduler) Trigger(ctx context.Context) (CycleRecord, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return CycleRecord{}, ErrCycleRunning
	}
	if s.clock.Now().Before(s.nextAllowed) {
		s.mu.Unlock()
		return CycleRecord{}, ErrCoolingDown
	}
	s.running = true
	s.mu.Unlock()

	rec, fetchErr := s.runCycle(ctx)

	s.mu.Lock()
	s.running = false
	s.nextAllowed = s.clock.Now().Add(s.cooldown)
	s.last = rec
	s.hasRun = true
	s.mu.Unlock()

	return rec, fetchErr
}

// Run drives the timer until ctx is cancelled. Trigger rejections from
// overlapping external calls are ignored here; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Prime the cache immediately instead of waiting a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Trigger(ctx); err != nil &&
		!errors.Is(err, ErrCycleRunning) && !errors.Is(err, ErrCoolingDown) {
		s.logger.Warn("Scheduled cycle failed", zap.Error(err))
	}
}

// Last returns the most recent cycle record and whether any cycle has
// completed yet.
func (s *Scheduler) Last() (CycleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasRun
}

func (s *Scheduler) runCycle(ctx context.Context) (CycleRecord, error) {
	rec := CycleRecord{StartedAt: s.clock.Now(), Source: models.SourceScheduled}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snaps, err := s.fetcher.FetchAll(cctx)
	if err != nil {
		// Existing cached data is deliberately left in place: stale-but-present
		// beats no data. The failure surfaces through the health endpoint.
		rec.ErrorReason = upstream.Reason(err)
		metrics.IngestCyclesTotal.WithLabelValues(rec.ErrorReason).Inc()
		s.logger.Error("Upstream fetch failed",
			zap.String("reason", rec.ErrorReason), zap.Error(err))
		return rec, err
	}

	accepted := 0
	for _, snap := range snaps {
		res, err := s.store.Put(ctx, snap)
		if err != nil {
			s.logger.Error("Store write failed", zap.String("symbol", snap.Symbol), zap.Error(err))
			continue
		}
		if !res.Accepted {
			metrics.StaleWritesTotal.Inc()
			continue
		}
		metrics.SnapshotsWrittenTotal.Inc()
		accepted++
		if s.onSnapshot != nil {
			s.onSnapshot(snap)
		}
	}

	rec.Success = true
	rec.Snapshots = accepted
	metrics.IngestCyclesTotal.WithLabelValues("success").Inc()
	s.logger.Info("Ingestion cycle complete",
		zap.Int("fetched", len(snaps)), zap.Int("accepted", accepted))
	return rec, nil
}

// Describe renders the trigger outcome for the API layer.
func Describe(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrCycleRunning), errors.Is(err, ErrCoolingDown):
		return "already-running"
	default:
		return fmt.Sprintf("upstream-error: %s", upstream.Reason(err))
	}
}
