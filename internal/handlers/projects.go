package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
	"ranker/internal/storage"
)

// subscriptionTopics are the upstream events the webhook listens for.
var subscriptionTopics = []string{"user.created", "user.email.updated"}

func (h *Handlers) loadProject(w http.ResponseWriter, r *http.Request) *storage.Project {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid project id")
		return nil
	}

	project, err := h.storage.GetProject(r.Context(), id)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		h.respondError(w, http.StatusNotFound, "project not found")
		return nil
	}
	if err != nil {
		h.logger.Error("failed to load project", err, logging.Int64("project_id", id))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return nil
	}

	return project
}

// SyncProject kicks off a full sync for the project.
func (h *Handlers) SyncProject(w http.ResponseWriter, r *http.Request) {
	project := h.loadProject(w, r)
	if project == nil {
		return
	}

	if err := h.orch.SubmitSync(r.Context(), project.ID); err != nil {
		h.logger.Error("failed to submit sync", err, logging.Int64("project_id", project.ID))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "submitted",
		"project_id": project.ID,
	})
}

// Subscribe registers the project's webhook subscription upstream.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	project := h.loadProject(w, r)
	if project == nil {
		return
	}

	client, err := h.factory.Subscriptions(project)
	if err != nil {
		h.logger.Error("failed to build subscription client", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hookURL := h.config.BaseCallbackURL + "/webhooks/intercom/" + project.WebhookSecret
	subscriptionID, err := client.Subscribe(r.Context(), hookURL, subscriptionTopics)
	if err != nil {
		h.logger.Error("failed to subscribe", err, logging.Int64("project_id", project.ID))
		h.respondError(w, http.StatusBadGateway, "subscription failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"subscription_id": subscriptionID})
}

// Unsubscribe removes an upstream webhook subscription.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	project := h.loadProject(w, r)
	if project == nil {
		return
	}

	client, err := h.factory.Subscriptions(project)
	if err != nil {
		h.logger.Error("failed to build subscription client", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	subscriptionID := mux.Vars(r)["subscriptionID"]
	if err := client.Unsubscribe(r.Context(), subscriptionID); err != nil {
		h.logger.Error("failed to unsubscribe", err, logging.Int64("project_id", project.ID))
		h.respondError(w, http.StatusBadGateway, "unsubscribe failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// Health reports liveness of the service and its storage.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Health(); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
