package detector

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/config"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// AlertSink is the subset of the snapshot store the detector needs. The
// cool-down marker lives in the cache so it survives restarts and is shared
// with any future replica.
type AlertSink interface {
	AcquireCooldown(ctx context.Context, symbol string, d time.Duration) (bool, error)
	PushAlert(ctx context.Context, alert models.SpikeAlert) error
}

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Detector maintains per-symbol rolling volume baselines and emits a
// SpikeAlert when an observation deviates beyond the threshold. Snapshots
// are sharded to workers by symbol hash, so each baseline has exactly one
// writer and symbols never contend with each other.
type Detector struct {
	sink   AlertSink
	logger *zap.Logger
	clock  Clock

	windowSize int
	minSamples int
	threshold  float64
	cooldown   time.Duration

	chans []chan models.Snapshot
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func New(sink AlertSink, logger *zap.Logger, cfg config.DetectorConfig) *Detector {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	// LoadConfig rejects these, but a zero-length ring buffer must never
	// reach a worker.
	windowSize := cfg.WindowSize
	if windowSize < 1 {
		windowSize = 1
	}

	d := &Detector{
		sink:       sink,
		logger:     logger,
		clock:      realClock{},
		windowSize: windowSize,
		minSamples: cfg.MinSamples,
		threshold:  cfg.Threshold,
		cooldown:   cfg.AlertCooldown,
		chans:      make([]chan models.Snapshot, workers),
	}
	for i := range d.chans {
		d.chans[i] = make(chan models.Snapshot, 100)
	}
	return d
}

// SetClock replaces the wall clock. Test hook.
func (d *Detector) SetClock(c Clock) { d.clock = c }

// Start launches the worker pool. Workers run until Stop.
func (d *Detector) Start() {
	for i, ch := range d.chans {
		d.wg.Add(1)
		go d.worker(i, ch)
	}
}

// Stop drains and joins the workers.
func (d *Detector) Stop() {
	d.closeOnce.Do(func() {
		for _, ch := range d.chans {
			close(ch)
		}
	})
	d.wg.Wait()
}

// Offer hands a newly ingested snapshot to its symbol's worker. Non-blocking:
// if the shard is backed up the sample is dropped rather than stalling
// ingestion.
func (d *Detector) Offer(snap models.Snapshot) {
	shard := shardFor(snap.Symbol, len(d.chans))
	select {
	case d.chans[shard] <- snap:
	default:
		metrics.DroppedDeliveriesTotal.Inc()
		d.logger.Warn("Dropping detector sample",
			zap.String("symbol", snap.Symbol), zap.Int("shard", shard))
	}
}

func (d *Detector) worker(id int, snaps <-chan models.Snapshot) {
	defer d.wg.Done()
	ctx := context.Background()

	// Baselines are owned by this worker alone; sharding guarantees a
	// symbol always lands here.
	baselines := make(map[string]*baseline)

	for snap := range snaps {
		if snap.Volume <= 0 {
			// Malformed sample. Skip it without touching the baseline or
			// the rest of the batch.
			d.logger.Debug("Skipping non-positive volume sample", zap.String("symbol", snap.Symbol))
			continue
		}

		b, ok := baselines[snap.Symbol]
		if !ok {
			b = newBaseline(d.windowSize)
			baselines[snap.Symbol] = b
		}

		d.evaluate(ctx, b, snap, id)
		b.Add(snap.Volume)
	}
}

// evaluate compares the observation against the baseline as it stood before
// this sample. A zero or short baseline means insufficient history: no alert
// is possible yet, and that is not an error.
func (d *Detector) evaluate(ctx context.Context, b *baseline, snap models.Snapshot, workerID int) {
	if b.Count() < d.minSamples {
		return
	}
	mean := b.Mean()
	if mean <= 0 {
		return
	}

	ratio := snap.Volume / mean
	if ratio < d.threshold {
		return
	}

	ok, err := d.sink.AcquireCooldown(ctx, snap.Symbol, d.cooldown)
	if err != nil {
		d.logger.Error("Cool-down check failed", zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}
	if !ok {
		d.logger.Debug("Spike suppressed by cool-down", zap.String("symbol", snap.Symbol))
		return
	}

	alert := models.SpikeAlert{
		Symbol:         snap.Symbol,
		TriggeredAt:    d.clock.Now().UnixMicro(),
		ObservedVolume: snap.Volume,
		BaselineVolume: mean,
		DeviationRatio: ratio,
	}
	if err := d.sink.PushAlert(ctx, alert); err != nil {
		d.logger.Error("Alert publish failed", zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}

	metrics.SpikeAlertsTotal.Inc()
	d.logger.Info("Volume spike detected",
		zap.String("symbol", snap.Symbol),
		zap.Float64("observed", snap.Volume),
		zap.Float64("baseline", mean),
		zap.Float64("ratio", ratio),
		zap.Int("worker_id", workerID))
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32()) % n
}
