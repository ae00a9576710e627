package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/config"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

const tickerPath = "/fapi/v1/ticker/24hr"

// Failure taxonomy. The scheduler routes each kind to its recovery action;
// the fetcher itself never retries.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrUpstream    = errors.New("upstream error")
	ErrMalformed   = errors.New("malformed upstream response")
)

// ticker24h is the exchange's 24hr ticker record. Numeric fields arrive as
// strings.
type ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

// Fetcher performs one bulk ticker fetch per call. Snapshots get a freshly
// assigned sequence from a per-instance counter since the exchange provides
// no native ordering.
type Fetcher struct {
	client         HTTPDoer
	clock          Clock
	logger         *zap.Logger
	baseURL        string
	quoteAsset     string
	minQuoteVolume float64
	seq            atomic.Int64
}

func NewFetcher(client HTTPDoer, clock Clock, logger *zap.Logger, cfg config.UpstreamConfig) *Fetcher {
	base := cfg.BaseURL
	// Some egress IPs are blocked by the exchange; a configured proxy edge
	// takes precedence over the direct endpoint.
	if cfg.ProxyBaseURL != "" {
		base = cfg.ProxyBaseURL
	}
	return &Fetcher{
		client:         client,
		clock:          clock,
		logger:         logger,
		baseURL:        strings.TrimRight(base, "/"),
		quoteAsset:     cfg.QuoteAsset,
		minQuoteVolume: cfg.MinQuoteVolume,
	}
}

// FetchAll performs one bulk fetch against the ticker endpoint and parses
// each qualifying record into a Snapshot. The caller owns the deadline on ctx.
func (f *Fetcher) FetchAll(ctx context.Context) ([]models.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+tickerPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnavailableForLegalReasons,
		resp.StatusCode == 418: // the exchange bans with a teapot
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var tickers []ticker24h
	if err := json.NewDecoder(resp.Body).Decode(&tickers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	observedAt := f.clock.Now().UnixMicro()
	snaps := make([]models.Snapshot, 0, len(tickers))
	for _, tk := range tickers {
		if !strings.HasSuffix(tk.Symbol, f.quoteAsset) {
			continue
		}

		price, err := strconv.ParseFloat(tk.LastPrice, 64)
		if err != nil {
			f.logger.Warn("Skipping unparseable ticker", zap.String("symbol", tk.Symbol), zap.Error(err))
			continue
		}
		volume, err := strconv.ParseFloat(tk.QuoteVolume, 64)
		if err != nil {
			f.logger.Warn("Skipping unparseable ticker", zap.String("symbol", tk.Symbol), zap.Error(err))
			continue
		}
		if volume < f.minQuoteVolume || price <= 0 {
			continue
		}

		snaps = append(snaps, models.Snapshot{
			Symbol:     tk.Symbol,
			Price:      price,
			Volume:     volume,
			ObservedAt: observedAt,
			Source:     models.SourceScheduled,
			SeqID:      f.seq.Add(1),
		})
	}

	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: no qualifying records", ErrMalformed)
	}
	return snaps, nil
}

// Reason maps a classified fetch error onto the stable string the health
// surface reports.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrMalformed):
		return "parse-error"
	case errors.Is(err, ErrUpstream):
		return "upstream-error"
	case errors.Is(err, ErrUnreachable):
		return "network-unreachable"
	case err == nil:
		return ""
	default:
		return "network-unreachable"
	}
}
