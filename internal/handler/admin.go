package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/econet/internal/access"
	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/store"
	"github.com/dukerupert/econet/internal/websocket"
)

const metricsStreamInterval = 5 * time.Second

// BackupRunner triggers an on-demand backup. Nil when backups are not
// configured.
type BackupRunner interface {
	RunNow(ctx context.Context) (*model.Backup, error)
}

type AdminHandler struct {
	sessions *store.SessionStore
	ratings  *store.RatingStore
	events   *store.EventStore
	network  access.Controller
	hub      *websocket.Hub
	backups  BackupRunner
	logger   *slog.Logger
}

func NewAdminHandler(sessions *store.SessionStore, ratings *store.RatingStore, events *store.EventStore, network access.Controller, hub *websocket.Hub, backups BackupRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		sessions: sessions,
		ratings:  ratings,
		events:   events,
		network:  network,
		hub:      hub,
		backups:  backups,
		logger:   logger,
	}
}

type adminMetrics struct {
	Timestamp       int64              `json:"timestamp"`
	SessionsByState map[string]int     `json:"sessions_by_state"`
	TotalBottles    int64              `json:"total_bottles"`
	BottlesToday    int64              `json:"bottles_today"`
	AllowedIPs      []string           `json:"allowed_ips"`
	WSClients       int                `json:"ws_clients"`
	RatingsCount    int64              `json:"ratings_count"`
	RatingMeans     map[string]float64 `json:"rating_means"`
}

func (h *AdminHandler) snapshot() (*adminMetrics, error) {
	now := time.Now().UTC()

	byState := make(map[string]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		n, err := h.sessions.CountByStatus(st)
		if err != nil {
			return nil, err
		}
		byState[string(st)] = n
	}

	total, err := h.sessions.TotalBottles()
	if err != nil {
		return nil, err
	}
	today, err := h.sessions.BottlesSince(now.Add(-24 * time.Hour).Unix())
	if err != nil {
		return nil, err
	}
	ratingsCount, err := h.ratings.Count()
	if err != nil {
		return nil, err
	}
	means, err := h.ratings.Means()
	if err != nil {
		return nil, err
	}

	return &adminMetrics{
		Timestamp:       now.Unix(),
		SessionsByState: byState,
		TotalBottles:    total,
		BottlesToday:    today,
		AllowedIPs:      h.network.ListAllowed(),
		WSClients:       h.hub.ClientCount(),
		RatingsCount:    ratingsCount,
		RatingMeans:     means,
	}, nil
}

func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.snapshot()
	if err != nil {
		h.logger.Error("collect metrics", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to collect metrics"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// MetricsStream pushes a metrics snapshot over a websocket every few
// seconds until the client disconnects.
func (h *AdminHandler) MetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("admin stream accept", "error", err)
		return
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(metricsStreamInterval)
	defer ticker.Stop()

	for {
		m, err := h.snapshot()
		if err != nil {
			h.logger.Error("collect metrics", "error", err)
			return
		}
		data, err := json.Marshal(m)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, ws.MessageText, data); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Events returns the most recent audit log entries, optionally filtered by
// event type.
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	entries, err := h.events.Recent(100, r.URL.Query().Get("type"))
	if err != nil {
		h.logger.Error("list events", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}
	if entries == nil {
		entries = []model.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Backup runs an on-demand database backup.
func (h *AdminHandler) Backup(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backups not configured"})
		return
	}

	b, err := h.backups.RunNow(r.Context())
	if err != nil {
		h.logger.Error("run backup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "backup failed"})
		return
	}
	writeJSON(w, http.StatusCreated, b)
}
