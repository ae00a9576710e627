package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/store"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Offerer is the detector hook for accepted snapshots
type Offerer interface {
	Offer(snap models.Snapshot)
}

// Consumer drains the direct-feed topic, where the gateway lands snapshot
// submissions from premium clients. Records go through the same Put contract
// as scheduled ingestion; the store's per-source sequence rule keeps the two
// paths from clobbering each other.
type Consumer struct {
	reader   KafkaReader
	store    store.SnapshotStore
	detector Offerer
	logger   *zap.Logger
	maxSkew  time.Duration
}

func NewConsumer(reader KafkaReader, st store.SnapshotStore, det Offerer,
	logger *zap.Logger, maxSkew time.Duration) *Consumer {
	return &Consumer{
		reader:   reader,
		store:    st,
		detector: det,
		logger:   logger,
		maxSkew:  maxSkew,
	}
}

// Run blocks until ctx is cancelled or the reader closes.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Direct feed consumer started")

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.logger.Error("Kafka Read Error", zap.Error(err))
			continue
		}
		c.process(ctx, m.Value)
	}
}

func (c *Consumer) process(ctx context.Context, payload []byte) {
	var snap models.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		c.logger.Error("JSON Unmarshal Error", zap.Error(err))
		return
	}

	// The gateway stamps the source, but the topic is a trust boundary:
	// anything read from it is treated as the direct path.
	snap.Source = models.SourceDirect

	if err := models.ValidateShape(snap, time.Now(), c.maxSkew); err != nil {
		c.logger.Warn("Rejecting direct feed record",
			zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}

	res, err := c.store.Put(ctx, snap)
	if err != nil {
		c.logger.Error("Store write failed", zap.String("symbol", snap.Symbol), zap.Error(err))
		return
	}
	if !res.Accepted {
		metrics.StaleWritesTotal.Inc()
		c.logger.Debug("Skipping duplicate direct feed record",
			zap.String("symbol", snap.Symbol), zap.Int64("seq_id", snap.SeqID))
		return
	}

	metrics.SnapshotsWrittenTotal.Inc()
	if c.detector != nil {
		c.detector.Offer(snap)
	}
}
