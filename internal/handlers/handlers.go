package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"ranker/internal/blocklist"
	"ranker/internal/common/logging"
	"ranker/internal/config"
	"ranker/internal/orchestrator"
	"ranker/internal/storage"
)

// Handlers holds the dependencies for the HTTP surface.
type Handlers struct {
	storage   storage.Storage
	orch      *orchestrator.Orchestrator
	blocklist *blocklist.Handler
	factory   orchestrator.ClientFactory
	config    *config.Config
	logger    logging.Logger
}

func New(store storage.Storage, orch *orchestrator.Orchestrator, bl *blocklist.Handler, factory orchestrator.ClientFactory, cfg *config.Config, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		storage:   store,
		orch:      orch,
		blocklist: bl,
		factory:   factory,
		config:    cfg,
		logger:    logger,
	}
}

// SetupRoutes registers every route on the router.
func SetupRoutes(router *mux.Router, h *Handlers) {
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/webhooks/intercom/{secret}", h.IntercomWebhook).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/projects/{id:[0-9]+}/sync", h.SyncProject).Methods("POST")
	api.HandleFunc("/projects/{id:[0-9]+}/subscribe", h.Subscribe).Methods("POST")
	api.HandleFunc("/projects/{id:[0-9]+}/subscribe/{subscriptionID}", h.Unsubscribe).Methods("DELETE")
	api.HandleFunc("/blocklist", h.BlockDomain).Methods("POST")
	api.HandleFunc("/blocklist", h.ListBlockedDomains).Methods("GET")
	api.HandleFunc("/blocklist/{domain}", h.UnblockDomain).Methods("DELETE")
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("failed to encode response", err)
		}
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
