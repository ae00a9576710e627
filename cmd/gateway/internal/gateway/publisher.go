package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// Publisher forwards elite-client observations onto the direct feed topic.
// The source stamp and sequence are owned here: client-supplied source and
// seq values are overwritten, never trusted.
type Publisher struct {
	writer  KafkaWriter
	clock   Clock
	logger  *zap.Logger
	maxSkew time.Duration
	seq     atomic.Int64
}

func NewPublisher(writer KafkaWriter, clock Clock, logger *zap.Logger, maxSkew time.Duration) *Publisher {
	return &Publisher{
		writer:  writer,
		clock:   clock,
		logger:  logger,
		maxSkew: maxSkew,
	}
}

func (p *Publisher) Publish(ctx context.Context, snap models.Snapshot) error {
	now := p.clock.Now()
	if snap.ObservedAt == 0 {
		snap.ObservedAt = now.UnixMicro()
	}
	if err := models.ValidateShape(snap, now, p.maxSkew); err != nil {
		return err
	}

	snap.Source = models.SourceDirect
	snap.SeqID = p.seq.Add(1)

	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	// Key ensures partition ordering per symbol
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(snap.Symbol),
		Value: payload,
	}); err != nil {
		p.logger.Error("Kafka Write Error", zap.String("symbol", snap.Symbol), zap.Error(err))
		return err
	}

	p.logger.Debug("Forwarded direct snapshot",
		zap.String("symbol", snap.Symbol), zap.Int64("seq", snap.SeqID))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
