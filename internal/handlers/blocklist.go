package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
)

// BlockDomain adds a domain to the block list and propagates the change.
func (h *Handlers) BlockDomain(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed request")
		return
	}

	if err := h.blocklist.Block(r.Context(), payload.Domain); err != nil {
		if errors.IsType(err, errors.ErrTypeValidation) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to block domain", err, logging.String("domain", payload.Domain))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "blocked",
		"domain": payload.Domain,
	})
}

// UnblockDomain removes a domain from the block list and propagates the
// change.
func (h *Handlers) UnblockDomain(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	if err := h.blocklist.Unblock(r.Context(), domain); err != nil {
		if errors.IsType(err, errors.ErrTypeValidation) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to unblock domain", err, logging.String("domain", domain))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "unblocked",
		"domain": domain,
	})
}

// ListBlockedDomains returns the current block list.
func (h *Handlers) ListBlockedDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.storage.ListBlockedDomains(r.Context())
	if err != nil {
		h.logger.Error("failed to list blocked domains", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.Domain
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"domains": names})
}
