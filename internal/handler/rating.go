package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/session"
	"github.com/dukerupert/econet/internal/store"
	"github.com/dukerupert/econet/internal/websocket"
)

type RatingHandler struct {
	ratings *store.RatingStore
	events  *store.EventStore
	ctrl    *session.Controller
	hub     *websocket.Hub
	logger  *slog.Logger
}

func NewRatingHandler(ratings *store.RatingStore, events *store.EventStore, ctrl *session.Controller, hub *websocket.Hub, logger *slog.Logger) *RatingHandler {
	return &RatingHandler{ratings: ratings, events: events, ctrl: ctrl, hub: hub, logger: logger}
}

type ratingRequest struct {
	SessionID int64   `json:"session_id"`
	Answers   [10]int `json:"answers"`
	Comment   string  `json:"comment"`
}

// Create stores the survey for a session. One rating per session, and only
// sessions that actually recycled something are eligible.
func (h *RatingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	for i, a := range req.Answers {
		if a < 1 || a > 5 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("answer %d must be between 1 and 5", i+1),
			})
			return
		}
	}

	sess, err := h.ctrl.GetSession(req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		h.logger.Error("get session for rating", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if sess.BottlesInserted == 0 {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session has no recycled bottles"})
		return
	}

	existing, err := h.ratings.GetBySession(req.SessionID)
	if err != nil {
		h.logger.Error("check existing rating", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already rated"})
		return
	}

	rating, err := h.ratings.Create(req.SessionID, req.Answers, req.Comment)
	if err != nil {
		h.logger.Error("create rating", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store rating"})
		return
	}

	if err := h.events.Log(model.EventRatingSubmitted, fmt.Sprintf("session %d rated", req.SessionID)); err != nil {
		h.logger.Warn("audit rating", "error", err)
	}
	if h.hub != nil {
		h.hub.Broadcast(websocket.SessionEvent("rated", req.SessionID, nil))
	}

	writeJSON(w, http.StatusCreated, rating)
}

// Status reports whether a session may be rated and whether it already was.
func (h *RatingHandler) Status(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("session_id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session_id"})
		return
	}

	sess, err := h.ctrl.GetSession(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		h.logger.Error("get session for rating status", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	existing, err := h.ratings.GetBySession(id)
	if err != nil {
		h.logger.Error("get rating", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"eligible": sess.BottlesInserted > 0,
		"rated":    existing != nil,
	})
}
