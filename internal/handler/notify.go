package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mossfell/centsible/internal/model"
	"github.com/mossfell/centsible/internal/push"
	"github.com/mossfell/centsible/internal/store"
)

// NotifyHandler serves the internal endpoints invoked by the external cron
// service and by account provisioning.
type NotifyHandler struct {
	trigger   *push.Trigger
	oneShot   *push.OneShotNotifier
	userStore *store.UserStore
	logger    *slog.Logger
}

func NewNotifyHandler(t *push.Trigger, os *push.OneShotNotifier, us *store.UserStore, logger *slog.Logger) *NotifyHandler {
	return &NotifyHandler{trigger: t, oneShot: os, userStore: us, logger: logger}
}

// Trigger handles POST /internal/notify/trigger. Runs one scheduled
// notification pass and reports the audience and delivery counts.
func (h *NotifyHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	summary, err := h.trigger.Run(r.Context())
	if err != nil {
		h.logger.Error("notification run", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "notification run failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type welcomeRequest struct {
	UserID int64 `json:"user_id"`
}

// Welcome handles POST /internal/notify/welcome
func (h *NotifyHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	var req welcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	user, err := h.userStore.GetByID(req.UserID)
	if err != nil {
		h.logger.Error("welcome user lookup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "user lookup failed"})
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	result, err := h.oneShot.SendWelcome(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("welcome send", "error", err, "user_id", req.UserID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "welcome send failed"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type releaseRequest struct {
	Tag   string `json:"tag"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Release handles POST /internal/notify/release. Broadcasts a release
// announcement at most once per tag.
func (h *NotifyHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag is required"})
		return
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Centsible %s is out", req.Tag)
	}

	payload := push.Payload{
		Title: title,
		Body:  req.Body,
		Tag:   "release",
	}

	summary, err := h.trigger.Broadcast(r.Context(), model.NotifTypeReleaseUpdate, "release:"+req.Tag, payload)
	if err != nil {
		h.logger.Error("release broadcast", "error", err, "tag", req.Tag)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "release broadcast failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
