package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
	"ranker/internal/intercom"
	"ranker/internal/orchestrator"
)

// webhookNotification mirrors the notification envelope Intercom posts.
// The user_id encoding varies with how the caller assigned it, so it is
// decoded leniently.
type webhookNotification struct {
	Data struct {
		Item struct {
			UserID json.RawMessage `json:"user_id"`
			Email  string          `json:"email"`
		} `json:"item"`
	} `json:"data"`
}

// IntercomWebhook handles inbound user notifications. The project is
// resolved by the opaque secret in the path; an unknown secret is a 404.
// Accepted notifications always return 200, processing happens async.
func (h *Handlers) IntercomWebhook(w http.ResponseWriter, r *http.Request) {
	secret := mux.Vars(r)["secret"]

	project, err := h.storage.GetProjectByWebhookSecret(r.Context(), secret)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		h.respondError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve webhook project", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var notification webhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed notification")
		return
	}

	item := notification.Data.Item
	userID := intercom.ParseUserID(item.UserID)
	if userID == 0 {
		h.respondError(w, http.StatusBadRequest, "notification has no user")
		return
	}

	err = h.orch.SubmitSyncUser(r.Context(), orchestrator.SyncUserArgs{
		ProjectID: project.ID,
		UserID:    userID,
		Email:     item.Email,
	})
	if err != nil {
		h.logger.Error("failed to submit user sync", err,
			logging.Int64("project_id", project.ID))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
