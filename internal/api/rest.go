// Package api is the operator HTTP surface: liveness, per-kind status, a
// sync trigger, clamped upstream capacity and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/synchronizer"
)

// Synchronizer is what the API needs from one running kind.
type Synchronizer interface {
	Kind() models.Kind
	Status(ctx context.Context) (synchronizer.Status, error)
	TriggerSync()
}

type Handler struct {
	syncs   map[models.Kind]Synchronizer
	hosts   repository.HostStatsReader
	maxDisk int64
	log     *zap.Logger
}

// Options of the HTTP handler. Hosts may be nil when the upstream cannot
// report capacity; MaxHostDiskSize of zero disables the clamp.
type Options struct {
	Hosts           repository.HostStatsReader
	MaxHostDiskSize int64
	Metrics         *Metrics
	Log             *zap.Logger
}

var ErrUnknownKind = errors.New("unknown or disabled resource kind")

func NewHTTPHandler(syncs []Synchronizer, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		syncs:   make(map[models.Kind]Synchronizer, len(syncs)),
		hosts:   opts.Hosts,
		maxDisk: opts.MaxHostDiskSize,
		log:     log,
	}
	for _, s := range syncs {
		h.syncs[s.Kind()] = s
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/sync", h.handleSync)
	mux.HandleFunc("/capacity", h.handleCapacity)
	if opts.Metrics != nil {
		RegisterMetrics(mux, opts.Metrics)
	}
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from fedsync"})
}

// selected returns the synchronizers named by ?kind=, all of them when the
// parameter is absent.
func (h *Handler) selected(r *http.Request) ([]Synchronizer, error) {
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := models.ParseKind(k)
		if err != nil {
			return nil, ErrUnknownKind
		}
		s, ok := h.syncs[kind]
		if !ok {
			return nil, ErrUnknownKind
		}
		return []Synchronizer{s}, nil
	}
	out := make([]Synchronizer, 0, len(h.syncs))
	for _, s := range h.syncs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out, nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	syncs, err := h.selected(r)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	out := make([]synchronizer.Status, 0, len(syncs))
	for _, s := range syncs {
		st, err := s.Status(r.Context())
		if err != nil {
			h.log.Error("status failed", zap.String("kind", string(s.Kind())), zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "failed to read status")
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	syncs, err := h.selected(r)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	kinds := make([]models.Kind, 0, len(syncs))
	for _, s := range syncs {
		s.TriggerSync()
		kinds = append(kinds, s.Kind())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sync_requested", "kinds": kinds})
}

func (h *Handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if h.hosts == nil {
		h.writeError(w, http.StatusNotImplemented, "upstream does not report host capacity")
		return
	}
	stats, err := h.hosts.HostStats(r.Context())
	if err != nil {
		h.log.Error("host stats failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "failed to read upstream capacity")
		return
	}
	writeJSON(w, http.StatusOK, ClampCapacity(stats, h.maxDisk))
}

// ClampCapacity caps the reported disk at max so the local scheduler never
// sees more than it can handle. A max of zero leaves stats untouched.
func ClampCapacity(stats repository.HostStats, max int64) repository.HostStats {
	if max > 0 && stats.DiskGB > max {
		stats.DiskGB = max
	}
	return stats
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.log.Debug("http error", zap.Int("status", status), zap.String("msg", msg))
}
