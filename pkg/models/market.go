package models

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies which ingestion path produced a snapshot. Sequence
// numbers are only comparable within one source.
type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceDirect    Source = "direct"
)

// Snapshot is the latest known market state for one symbol from one source.
type Snapshot struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`      // 24h quote volume
	ObservedAt int64   `json:"observed_at"` // unix micro
	Source     Source  `json:"source"`
	SeqID      int64   `json:"seq_id"` // monotonic counter per source
}

func (s Snapshot) ObservedTime() time.Time {
	return time.UnixMicro(s.ObservedAt)
}

var (
	ErrMissingSymbol     = errors.New("missing symbol")
	ErrNonPositivePrice  = errors.New("non-positive price")
	ErrNonPositiveVolume = errors.New("non-positive volume")
	ErrFutureTimestamp   = errors.New("timestamp too far in the future")
)

// ValidateShape rejects snapshots that are structurally unusable before they
// reach the cache. maxSkew bounds how far ahead of the local clock an
// observed_at is tolerated.
func ValidateShape(s Snapshot, now time.Time, maxSkew time.Duration) error {
	if s.Symbol == "" {
		return ErrMissingSymbol
	}
	if s.Price <= 0 {
		return ErrNonPositivePrice
	}
	if s.Volume <= 0 {
		return ErrNonPositiveVolume
	}
	if s.ObservedAt > now.Add(maxSkew).UnixMicro() {
		return ErrFutureTimestamp
	}
	return nil
}

// SpikeAlert records a volume observation that exceeded the symbol's rolling
// baseline. Immutable once created.
type SpikeAlert struct {
	Symbol         string  `json:"symbol"`
	TriggeredAt    int64   `json:"triggered_at"` // unix micro
	ObservedVolume float64 `json:"observed_volume"`
	BaselineVolume float64 `json:"baseline_volume"`
	DeviationRatio float64 `json:"deviation_ratio"`
}

// Tier is a subscriber's service class. It decides the snapshot delivery
// interval; spike alerts are delivered to every tier without throttling.
type Tier int

const (
	TierFree Tier = iota
	TierPro
	TierElite
)

func (t Tier) String() string {
	switch t {
	case TierPro:
		return "pro"
	case TierElite:
		return "elite"
	default:
		return "free"
	}
}

func ParseTier(s string) (Tier, error) {
	switch s {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "elite":
		return TierElite, nil
	}
	return TierFree, fmt.Errorf("unknown tier %q", s)
}
