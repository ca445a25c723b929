package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/econet/internal/device"
	"github.com/dukerupert/econet/internal/middleware"
	"github.com/dukerupert/econet/internal/model"
	"github.com/dukerupert/econet/internal/session"
	"github.com/dukerupert/econet/internal/websocket"
)

type SessionHandler struct {
	ctrl     *session.Controller
	resolver *device.Resolver
	hub      *websocket.Hub
	logger   *slog.Logger
}

func NewSessionHandler(ctrl *session.Controller, resolver *device.Resolver, hub *websocket.Hub, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{ctrl: ctrl, resolver: resolver, hub: hub, logger: logger}
}

func (h *SessionHandler) broadcast(ev websocket.Event) {
	if h.hub != nil {
		h.hub.Broadcast(ev)
	}
}

// sessionResponse is the wire shape for a session. remaining_seconds is
// computed at response time so clients never have to do window math.
type sessionResponse struct {
	*model.Session
	RemainingSeconds int64 `json:"remaining_seconds"`
	SecondsPerBottle int   `json:"seconds_per_bottle"`
}

func (h *SessionHandler) respond(w http.ResponseWriter, status int, sess *model.Session) {
	writeJSON(w, status, sessionResponse{
		Session:          sess,
		RemainingSeconds: sess.RemainingSeconds(time.Now().UTC().Unix()),
		SecondsPerBottle: h.ctrl.SecondsPerBottle(),
	})
}

// writeDomainError maps the session error taxonomy onto HTTP statuses.
func (h *SessionHandler) writeDomainError(w http.ResponseWriter, err error) {
	var conflict *session.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   conflict.Error(),
			"held_by": conflict.HeldBy,
		})
	case errors.Is(err, session.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, session.ErrStaleCommit):
		writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	default:
		h.logger.Error("session operation", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// Lookup returns the device's ongoing session, creating an awaiting one
// when the device has none.
func (h *SessionHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	ip := middleware.RealIP(r)
	identity := h.resolver.Identify(r, ip)
	device.SetCookie(w, identity)

	sess, err := h.ctrl.LookupOrCreate(identity.Key, ip)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ip := middleware.RealIP(r)
	identity := h.resolver.Identify(r, ip)
	device.SetCookie(w, identity)

	sess, err := h.ctrl.AcquireInsertionLock(identity.Key, ip)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("lock_acquired", sess.ID, nil))
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	ip := middleware.RealIP(r)
	identity := h.resolver.Identify(r, ip)

	if err := h.ctrl.ReleaseInsertionLock(identity.Key); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("lock_released", 0, nil))
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	sess, err := h.ctrl.GetSession(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Bottle(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	sess, err := h.ctrl.RecordBottle(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("bottle", sess.ID, map[string]int{"bottles_inserted": sess.BottlesInserted}))
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	// count is the client's optimistic total; when absent the server's
	// confirmed count stands.
	var req struct {
		Count *int `json:"count"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	clientCount := -1
	if req.Count != nil {
		if *req.Count < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be non-negative"})
			return
		}
		clientCount = *req.Count
	}

	sess, err := h.ctrl.CommitBottles(id, clientCount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("committed", sess.ID, map[string]any{
		"status":           sess.Status,
		"bottles_inserted": sess.BottlesInserted,
		"seconds_earned":   sess.SecondsEarned,
	}))
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	sess, err := h.ctrl.CancelInsertion(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("cancelled", sess.ID, nil))
	h.respond(w, http.StatusOK, sess)
}

func (h *SessionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	sess, err := h.ctrl.ExpireSession(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("expired", sess.ID, nil))
	h.respond(w, http.StatusOK, sess)
}

// NotifyExpiry acknowledges the client's local countdown hitting zero.
// The server decides for itself whether the session actually expired.
func (h *SessionHandler) NotifyExpiry(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	if err := h.ctrl.NotifyExpiry(id); err != nil {
		h.logger.Warn("notify expiry", "session", id, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "acknowledged"})
}

// SensorHit is the bridge for the bottle detector: it credits a bottle to
// the given session, or to whichever session holds the insertion lock when
// no id is supplied.
func (h *SessionHandler) SensorHit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID int64 `json:"session_id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	id := req.SessionID
	if id == 0 {
		current, err := h.ctrl.CurrentInserting()
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		if current == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no session is inserting"})
			return
		}
		id = current.ID
	}

	sess, err := h.ctrl.RecordBottle(id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.broadcast(websocket.SessionEvent("bottle", sess.ID, map[string]int{"bottles_inserted": sess.BottlesInserted}))
	h.respond(w, http.StatusOK, sess)
}

// Probe answers OS captive-portal connectivity checks. A session is ensured
// for the probing device and the probe is redirected to the portal page,
// which is what keeps the sign-in sheet popping up.
func (h *SessionHandler) Probe(w http.ResponseWriter, r *http.Request) {
	ip := middleware.RealIP(r)
	identity := h.resolver.Identify(r, ip)
	device.SetCookie(w, identity)

	if _, err := h.ctrl.LookupOrCreate(identity.Key, ip); err != nil {
		h.logger.Warn("captive probe", "ip", ip, "error", err)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
