package blocklist

import (
	"context"

	"ranker/internal/classifier"
	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
	"ranker/internal/orchestrator"
	"ranker/internal/records"
	"ranker/internal/storage"
)

// Handler applies block-list changes and propagates their consequences:
// blocking a domain erases its users' enrichment, unblocking re-enriches
// them. The code path that mutates the list calls this directly.
type Handler struct {
	storage storage.Storage
	records *records.Store
	orch    *orchestrator.Orchestrator
	logger  logging.Logger
}

func New(store storage.Storage, rec *records.Store, orch *orchestrator.Orchestrator, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handler{storage: store, records: rec, orch: orch, logger: logger}
}

// Block adds the domain to the block list, then walks every record that
// is still marked valuable for it and schedules erasure per project.
func (h *Handler) Block(ctx context.Context, domain string) error {
	domain = classifier.Normalize(domain)
	if domain == "" {
		return errors.ValidationError("domain is required")
	}

	if err := h.storage.AddBlockedDomain(ctx, domain); err != nil {
		return err
	}
	h.logger.Info("domain blocked", logging.String("domain", domain))

	return h.propagate(ctx, domain, true)
}

// Unblock removes the domain from the block list and schedules
// re-enrichment for every record that was demoted by it.
func (h *Handler) Unblock(ctx context.Context, domain string) error {
	domain = classifier.Normalize(domain)
	if domain == "" {
		return errors.ValidationError("domain is required")
	}

	if err := h.storage.RemoveBlockedDomain(ctx, domain); err != nil {
		return err
	}
	h.logger.Info("domain unblocked", logging.String("domain", domain))

	return h.propagate(ctx, domain, false)
}

// propagate walks the affected records once, in project order, and
// flushes one group per project: the flag flips are persisted first so a
// dispatched unit never races a stale record, then exactly one
// compensating unit goes out for the project.
func (h *Handler) propagate(ctx context.Context, domain string, blocked bool) error {
	// Records still carrying the pre-change flag are the affected set
	affected, err := h.records.FindByDomain(ctx, domain, blocked)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}

	var (
		projectID int64
		ids       []int64
		userIDs   []int64
	)

	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := h.records.SetValuableByIDs(ctx, ids, !blocked); err != nil {
			return err
		}
		if blocked {
			err = h.orch.SubmitEraseChunk(ctx, orchestrator.EraseChunkArgs{
				ProjectID: projectID,
				UserIDs:   userIDs,
			})
		} else {
			users := make([]orchestrator.Identity, len(userIDs))
			for i, userID := range userIDs {
				users[i] = orchestrator.Identity{UserID: userID, Domain: domain}
			}
			err = h.orch.SubmitEnrichChunk(ctx, orchestrator.EnrichChunkArgs{
				ProjectID: projectID,
				Users:     users,
			})
		}
		if err != nil {
			return err
		}

		h.logger.Info("blocklist change propagated",
			logging.String("domain", domain),
			logging.Int64("project_id", projectID),
			logging.Int("users", len(userIDs)),
			logging.Bool("blocked", blocked))

		ids = ids[:0]
		userIDs = userIDs[:0]
		return nil
	}

	for _, record := range affected {
		if record.ProjectID != projectID && len(ids) > 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		projectID = record.ProjectID
		ids = append(ids, record.ID)
		userIDs = append(userIDs, record.UserID)
	}

	return flush()
}
