package records

import (
	"context"

	"ranker/internal/classifier"
	"ranker/internal/common/logging"
	"ranker/internal/storage"
)

// Store keeps the per-project user ledger in sync with what the pipeline
// has seen. Every user that passes through a sync is recorded here along
// with the classification of their email domain at the time.
type Store struct {
	storage    storage.Storage
	classifier *classifier.Classifier
	logger     logging.Logger
}

func New(store storage.Storage, c *classifier.Classifier, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Store{storage: store, classifier: c, logger: logger}
}

// Upsert records a user sighting. It extracts the domain from the email,
// classifies it against the current block list and writes the record.
// The returned record carries the classification result.
func (s *Store) Upsert(ctx context.Context, projectID, userID int64, email string) (*storage.UserRecord, error) {
	domain := classifier.DomainFromEmail(email)

	valuable, err := s.classifier.IsValuable(ctx, domain)
	if err != nil {
		return nil, err
	}

	record := &storage.UserRecord{
		ProjectID:  projectID,
		UserID:     userID,
		Domain:     domain,
		IsValuable: valuable,
	}
	if err := s.storage.UpsertUserRecord(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Debug("user record upserted",
		logging.Int64("project_id", projectID),
		logging.Int64("user_id", userID),
		logging.String("domain", domain),
		logging.Bool("is_valuable", valuable))

	return record, nil
}

// FindByDomain lists records with the given domain and valuable flag,
// ordered by project so callers can group them in a single pass.
func (s *Store) FindByDomain(ctx context.Context, domain string, isValuable bool) ([]*storage.UserRecord, error) {
	return s.storage.FindUserRecordsByDomain(ctx, classifier.Normalize(domain), isValuable)
}

// SetValuableByIDs flips the valuable flag on the given records.
func (s *Store) SetValuableByIDs(ctx context.Context, ids []int64, isValuable bool) error {
	return s.storage.SetUserRecordsValuable(ctx, ids, isValuable)
}
