package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mossfell/centsible/internal/auth"
	"github.com/mossfell/centsible/internal/push"
	"github.com/mossfell/centsible/internal/store"
)

type PushHandler struct {
	pushStore *store.PushStore
	prefStore *store.PreferenceStore
	deliverer *push.Deliverer
	service   *push.Service
	logger    *slog.Logger
}

func NewPushHandler(ps *store.PushStore, pref *store.PreferenceStore, d *push.Deliverer, svc *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		pushStore: ps,
		prefStore: pref,
		deliverer: d,
		service:   svc,
		logger:    logger,
	}
}

type subscribeRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
	UserAgent string `json:"user_agent"`
}

// Subscribe handles POST /api/push/subscribe. Re-registering an existing
// endpoint updates the stored keys and transfers ownership to the caller.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint, p256dh, and auth are required"})
		return
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	sub, err := h.pushStore.UpsertSubscription(ac.UserID, nil, req.Endpoint, req.P256dh, req.Auth, userAgent)
	if err != nil {
		h.logger.Error("save push subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save subscription"})
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}. Deleting an
// already-removed subscription succeeds.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	if err := h.pushStore.DeleteSubscription(id, userID); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete subscription"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	subs, err := h.pushStore.ListByUser(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list subscriptions"})
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}

type preferencesResponse struct {
	PushEnabled bool `json:"push_enabled"`
}

// GetPreferences handles GET /api/push/preferences. Users without a stored
// preference are reported as enabled.
func (h *PushHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	enabled, err := h.prefStore.IsPushEnabled(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get preferences"})
		return
	}
	writeJSON(w, http.StatusOK, preferencesResponse{PushEnabled: enabled})
}

type updatePreferencesRequest struct {
	PushEnabled bool `json:"push_enabled"`
}

// UpdatePreferences handles PUT /api/push/preferences
func (h *PushHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if err := h.prefStore.Set(userID, req.PushEnabled); err != nil {
		h.logger.Error("set push preference", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to update preferences"})
		return
	}

	writeJSON(w, http.StatusOK, preferencesResponse{PushEnabled: req.PushEnabled})
}

// TestNotification handles POST /api/push/test. Sends a test payload to all
// of the caller's registered devices so broken subscriptions surface and are
// evicted through the usual failure bookkeeping.
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	payload := push.Payload{
		Title: "Test Notification",
		Body:  "Push notifications are working!",
		Tag:   "test",
	}

	result, err := h.deliverer.Deliver(r.Context(), userID, payload)
	if err != nil {
		h.logger.Error("test push send", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to send test notification"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}
