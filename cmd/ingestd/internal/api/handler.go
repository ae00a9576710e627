package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/scheduler"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/store"
)

// Triggerer abstracts the scheduler for testing
type Triggerer interface {
	Trigger(ctx context.Context) (scheduler.CycleRecord, error)
	Last() (scheduler.CycleRecord, bool)
}

// Handler serves the ingestion control and cache read surface. Reads are
// cache-only: they never reach upstream as a side effect, and a failing
// upstream degrades responses to last-known-good with a stale flag instead
// of an error.
type Handler struct {
	sched        Triggerer
	store        store.SnapshotStore
	logger       *zap.Logger
	maxStaleness time.Duration
}

func NewHandler(sched Triggerer, st store.SnapshotStore, logger *zap.Logger, maxStaleness time.Duration) *Handler {
	return &Handler{sched: sched, store: st, logger: logger, maxStaleness: maxStaleness}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/trigger", h.handleTrigger)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/snapshots", h.handleSnapshots)
	mux.HandleFunc("/alerts", h.handleAlerts)
}

type triggerResponse struct {
	Result    string                 `json:"result"`
	Cycle     *scheduler.CycleRecord `json:"cycle,omitempty"`
	Snapshots int                    `json:"snapshots,omitempty"`
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, err := h.sched.Trigger(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, triggerResponse{Result: "accepted", Cycle: &rec, Snapshots: rec.Snapshots})
	case scheduler.Describe(err) == "already-running":
		writeJSON(w, http.StatusConflict, triggerResponse{Result: "already-running"})
	default:
		writeJSON(w, http.StatusBadGateway, triggerResponse{Result: scheduler.Describe(err)})
	}
}

type healthResponse struct {
	LastUpdated string                 `json:"last_updated,omitempty"`
	Stale       bool                   `json:"stale"`
	LastCycle   *scheduler.CycleRecord `json:"last_cycle,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Stale: true}

	lu, err := h.store.LastUpdated(r.Context())
	if err != nil {
		h.logger.Error("LastUpdated read failed", zap.Error(err))
	}
	if !lu.IsZero() {
		resp.LastUpdated = lu.UTC().Format(time.RFC3339Nano)
		resp.Stale = time.Since(lu) > h.maxStaleness
	}
	if rec, ok := h.sched.Last(); ok {
		resp.LastCycle = &rec
	}

	writeJSON(w, http.StatusOK, resp)
}

type snapshotsResponse struct {
	Snapshots   interface{} `json:"snapshots"`
	Count       int         `json:"count"`
	Stale       bool        `json:"stale"`
	LastUpdated string      `json:"last_updated,omitempty"`
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.store.GetAll(r.Context())
	if err != nil {
		h.logger.Error("GetAll failed", zap.Error(err))
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}

	// Volume-descending, the dashboard's natural order.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Volume > snaps[j].Volume })

	resp := snapshotsResponse{Snapshots: snaps, Count: len(snaps), Stale: true}
	if lu, err := h.store.LastUpdated(r.Context()); err == nil && !lu.IsZero() {
		resp.LastUpdated = lu.UTC().Format(time.RFC3339Nano)
		resp.Stale = time.Since(lu) > h.maxStaleness
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	alerts, err := h.store.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.logger.Error("RecentAlerts failed", zap.Error(err))
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
