package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"ranker/internal/awis"
	"ranker/internal/common/errors"
	"ranker/internal/common/logging"
	"ranker/internal/intercom"
	"ranker/internal/records"
	"ranker/internal/storage"
	"ranker/internal/tasks"
)

// Unit names registered with the dispatcher.
const (
	UnitSyncProject = "sync_project"
	UnitEnrichChunk = "enrich_chunk"
	UnitEraseChunk  = "erase_chunk"
	UnitSyncUser    = "sync_user"
)

// AttributePrefix is prepended to every enrichment attribute written
// upstream, keeping them apart from attributes other tools manage.
const AttributePrefix = "AWIS"

// RankingClient resolves domain rankings.
type RankingClient interface {
	Lookup(ctx context.Context, domains []string) (map[string]*awis.Result, error)
}

// MessagingClient is the slice of the upstream messaging API units use.
type MessagingClient interface {
	IterateUsers(ctx context.Context, order string, fn func(intercom.User) error) error
	UpdateUsers(ctx context.Context, updates []intercom.UserUpdate, prefix string) error
	CreateNotes(ctx context.Context, notes []intercom.Note, force bool) error
}

// SubscriptionClient manages upstream webhook subscriptions.
type SubscriptionClient interface {
	Subscribe(ctx context.Context, hookURL string, topics []string) (string, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// ClientFactory builds per-project clients from project credentials.
// Clients live for the duration of one unit.
type ClientFactory interface {
	Ranking(project *storage.Project) (RankingClient, error)
	Messaging(project *storage.Project) (MessagingClient, error)
	Subscriptions(project *storage.Project) (SubscriptionClient, error)
}

// Config tunes unit behavior.
type Config struct {
	// ChunkSize is how many users go into one enrich unit.
	ChunkSize int
	// MaxUsersPerSync caps valuable users collected per sync; 0 is unlimited.
	MaxUsersPerSync int
	// UnitMaxRetries and UnitRetryDelay are passed to the dispatcher.
	UnitMaxRetries int
	UnitRetryDelay time.Duration
}

// Orchestrator owns the enrichment units: full project syncs, chunk
// enrichment and erasure, and single-user syncs off the webhook.
type Orchestrator struct {
	storage    storage.Storage
	records    *records.Store
	factory    ClientFactory
	dispatcher tasks.Dispatcher
	config     Config
	logger     logging.Logger
}

func New(store storage.Storage, rec *records.Store, factory ClientFactory, dispatcher tasks.Dispatcher, config Config, logger logging.Logger) *Orchestrator {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 100
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Orchestrator{
		storage:    store,
		records:    rec,
		factory:    factory,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

// RegisterUnits binds every unit handler to the dispatcher.
func (o *Orchestrator) RegisterUnits() {
	o.dispatcher.Register(UnitSyncProject, unmarshalInto(o.SyncProject))
	o.dispatcher.Register(UnitEnrichChunk, unmarshalInto(o.EnrichChunk))
	o.dispatcher.Register(UnitEraseChunk, unmarshalInto(o.EraseChunk))
	o.dispatcher.Register(UnitSyncUser, unmarshalInto(o.SyncUser))
}

func unmarshalInto[T any](fn func(ctx context.Context, args T) error) tasks.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return errors.ValidationError("malformed unit args: " + err.Error())
		}
		return fn(ctx, args)
	}
}

// SyncProjectArgs identify the project to sync.
type SyncProjectArgs struct {
	ProjectID int64 `json:"project_id"`
}

// Identity is one user to enrich, carried between units.
type Identity struct {
	UserID int64  `json:"user_id"`
	Domain string `json:"domain"`
}

// EnrichChunkArgs carry one chunk of valuable users.
type EnrichChunkArgs struct {
	ProjectID int64      `json:"project_id"`
	Users     []Identity `json:"users"`
}

// EraseChunkArgs carry users whose enrichment must be nulled out.
type EraseChunkArgs struct {
	ProjectID int64   `json:"project_id"`
	UserIDs   []int64 `json:"user_ids"`
}

// SyncUserArgs carry one webhook-reported identity.
type SyncUserArgs struct {
	ProjectID int64  `json:"project_id"`
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
}

// errSyncCapReached stops user iteration once the per-sync cap is hit.
var errSyncCapReached = errors.InternalError("sync cap reached", nil)

// SyncProject walks the project's user base, records every identity and
// fans valuable users out into enrich units.
func (o *Orchestrator) SyncProject(ctx context.Context, args SyncProjectArgs) error {
	project, err := o.loadProject(ctx, args.ProjectID)
	if err != nil || project == nil {
		return err
	}

	client, err := o.factory.Messaging(project)
	if err != nil {
		return err
	}

	var valuable []Identity
	err = client.IterateUsers(ctx, "desc", func(user intercom.User) error {
		if user.Email == "" {
			return nil
		}
		if user.UserID == 0 {
			o.logger.Info("skipping user without a usable id",
				logging.Int64("project_id", project.ID),
				logging.String("email", user.Email))
			return nil
		}

		record, err := o.records.Upsert(ctx, project.ID, user.UserID, user.Email)
		if err != nil {
			return err
		}
		if !record.IsValuable {
			o.logger.Info("skipping non-valuable domain",
				logging.Int64("project_id", project.ID),
				logging.String("domain", record.Domain))
			return nil
		}

		valuable = append(valuable, Identity{UserID: user.UserID, Domain: record.Domain})
		if o.config.MaxUsersPerSync > 0 && len(valuable) >= o.config.MaxUsersPerSync {
			return errSyncCapReached
		}
		return nil
	})
	if err != nil && err != errSyncCapReached {
		return err
	}

	for start := 0; start < len(valuable); start += o.config.ChunkSize {
		end := start + o.config.ChunkSize
		if end > len(valuable) {
			end = len(valuable)
		}
		chunkArgs := EnrichChunkArgs{ProjectID: project.ID, Users: valuable[start:end]}
		if err := o.submit(ctx, UnitEnrichChunk, chunkArgs); err != nil {
			return err
		}
	}

	o.logger.Info("project sync dispatched",
		logging.Int64("project_id", project.ID),
		logging.Int("valuable_users", len(valuable)))

	return nil
}

// EnrichChunk looks up rankings for the chunk's domains and writes
// attributes and notes back upstream.
func (o *Orchestrator) EnrichChunk(ctx context.Context, args EnrichChunkArgs) error {
	project, err := o.loadProject(ctx, args.ProjectID)
	if err != nil || project == nil {
		return err
	}

	ranking, err := o.factory.Ranking(project)
	if err != nil {
		return err
	}
	messaging, err := o.factory.Messaging(project)
	if err != nil {
		return err
	}

	domainUsers := make(map[string][]int64)
	for _, user := range args.Users {
		if user.Domain == "" {
			continue
		}
		domainUsers[user.Domain] = append(domainUsers[user.Domain], user.UserID)
	}
	if len(domainUsers) == 0 {
		return nil
	}

	domains := make([]string, 0, len(domainUsers))
	for domain := range domainUsers {
		domains = append(domains, domain)
	}

	results, err := ranking.Lookup(ctx, domains)
	if err != nil {
		return err
	}

	var updates []intercom.UserUpdate
	var notes []intercom.Note
	for domain, result := range results {
		body := result.NoteBody()
		for _, userID := range domainUsers[domain] {
			updates = append(updates, intercom.UserUpdate{
				UserID:           userID,
				CustomAttributes: result.Attributes(),
			})
			notes = append(notes, intercom.Note{UserID: userID, Body: body})
		}
	}

	if err := messaging.UpdateUsers(ctx, updates, AttributePrefix); err != nil {
		return err
	}
	return messaging.CreateNotes(ctx, notes, false)
}

// EraseChunk nulls out the enrichment attributes for users whose domain
// is no longer valuable.
func (o *Orchestrator) EraseChunk(ctx context.Context, args EraseChunkArgs) error {
	project, err := o.loadProject(ctx, args.ProjectID)
	if err != nil || project == nil {
		return err
	}

	messaging, err := o.factory.Messaging(project)
	if err != nil {
		return err
	}

	updates := make([]intercom.UserUpdate, len(args.UserIDs))
	for i, userID := range args.UserIDs {
		updates[i] = intercom.UserUpdate{
			UserID:           userID,
			CustomAttributes: awis.NullAttributes(),
		}
	}

	return messaging.UpdateUsers(ctx, updates, AttributePrefix)
}

// SyncUser records one webhook-reported identity and enriches it when
// the domain is valuable.
func (o *Orchestrator) SyncUser(ctx context.Context, args SyncUserArgs) error {
	project, err := o.loadProject(ctx, args.ProjectID)
	if err != nil || project == nil {
		return err
	}

	if args.Email == "" {
		return nil
	}

	record, err := o.records.Upsert(ctx, project.ID, args.UserID, args.Email)
	if err != nil {
		return err
	}
	if !record.IsValuable {
		return nil
	}

	return o.submit(ctx, UnitEnrichChunk, EnrichChunkArgs{
		ProjectID: project.ID,
		Users:     []Identity{{UserID: args.UserID, Domain: record.Domain}},
	})
}

// SubmitSync enqueues a full sync for the project.
func (o *Orchestrator) SubmitSync(ctx context.Context, projectID int64) error {
	return o.submit(ctx, UnitSyncProject, SyncProjectArgs{ProjectID: projectID})
}

// SubmitSyncUser enqueues a single-user sync.
func (o *Orchestrator) SubmitSyncUser(ctx context.Context, args SyncUserArgs) error {
	return o.submit(ctx, UnitSyncUser, args)
}

// SubmitEraseChunk enqueues an erase unit; used by the blocklist handler.
func (o *Orchestrator) SubmitEraseChunk(ctx context.Context, args EraseChunkArgs) error {
	return o.submit(ctx, UnitEraseChunk, args)
}

// SubmitEnrichChunk enqueues an enrich unit; used by the blocklist handler.
func (o *Orchestrator) SubmitEnrichChunk(ctx context.Context, args EnrichChunkArgs) error {
	return o.submit(ctx, UnitEnrichChunk, args)
}

func (o *Orchestrator) submit(ctx context.Context, unit string, args interface{}) error {
	return o.dispatcher.Submit(ctx, unit, args, o.config.UnitMaxRetries, o.config.UnitRetryDelay)
}

// loadProject resolves a project id. A missing project is a logged noop:
// the unit returns success so the queue does not retry it.
func (o *Orchestrator) loadProject(ctx context.Context, projectID int64) (*storage.Project, error) {
	project, err := o.storage.GetProject(ctx, projectID)
	if errors.IsType(err, errors.ErrTypeNotFound) {
		o.logger.Error("project does not exist", nil,
			logging.Int64("project_id", projectID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}
