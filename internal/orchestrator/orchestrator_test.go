package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ranker/internal/awis"
	"ranker/internal/classifier"
	"ranker/internal/common/errors"
	"ranker/internal/intercom"
	"ranker/internal/records"
	"ranker/internal/storage"
	"ranker/internal/storage/sqlite"
	"ranker/internal/tasks"
)

type fakeRanking struct {
	mu      sync.Mutex
	lookups [][]string
	results map[string]*awis.Result
	err     error
}

func (f *fakeRanking) Lookup(ctx context.Context, domains []string) (map[string]*awis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, domains)
	if f.err != nil {
		return nil, f.err
	}

	out := make(map[string]*awis.Result, len(domains))
	for _, d := range domains {
		if r, ok := f.results[d]; ok {
			out[d] = r
		} else {
			out[d] = &awis.Result{Site: awis.SiteData{Title: "-", Description: "-", OnlineSince: "-"}}
		}
	}
	return out, nil
}

type fakeMessaging struct {
	mu      sync.Mutex
	users   []intercom.User
	iterErr error
	updates []intercom.UserUpdate
	prefix  string
	notes   []intercom.Note
}

func (f *fakeMessaging) IterateUsers(ctx context.Context, order string, fn func(intercom.User) error) error {
	if f.iterErr != nil {
		return f.iterErr
	}
	for _, u := range f.users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeMessaging) UpdateUsers(ctx context.Context, updates []intercom.UserUpdate, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates...)
	f.prefix = prefix
	return nil
}

func (f *fakeMessaging) CreateNotes(ctx context.Context, notes []intercom.Note, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notes...)
	return nil
}

type fakeFactory struct {
	ranking   *fakeRanking
	messaging *fakeMessaging
}

func (f *fakeFactory) Ranking(*storage.Project) (RankingClient, error) {
	return f.ranking, nil
}

func (f *fakeFactory) Messaging(*storage.Project) (MessagingClient, error) {
	return f.messaging, nil
}

func (f *fakeFactory) Subscriptions(*storage.Project) (SubscriptionClient, error) {
	return nil, errors.InternalError("not used in tests", nil)
}

type submission struct {
	unit string
	args json.RawMessage
}

// recordingDispatcher captures submissions without running them.
type recordingDispatcher struct {
	mu   sync.Mutex
	subs []submission
}

func (d *recordingDispatcher) Submit(ctx context.Context, unit string, args interface{}, maxRetries int, retryDelay time.Duration) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, submission{unit: unit, args: data})
	return nil
}

func (d *recordingDispatcher) Register(string, tasks.Handler) {}
func (d *recordingDispatcher) Flush(context.Context) error    { return nil }
func (d *recordingDispatcher) Close() error                   { return nil }

type fixture struct {
	orch       *Orchestrator
	storage    storage.Storage
	dispatcher *recordingDispatcher
	factory    *fakeFactory
	project    *storage.Project
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	adapter, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	project := &storage.Project{
		Title:              "Test",
		IntercomAppID:      "app",
		IntercomAPIKey:     "key",
		AWSAccessID:        "id",
		AWSSecretAccessKey: "secret",
		WebhookSecret:      "hook",
	}
	require.NoError(t, adapter.CreateProject(context.Background(), project))

	dispatcher := &recordingDispatcher{}
	factory := &fakeFactory{
		ranking:   &fakeRanking{results: map[string]*awis.Result{}},
		messaging: &fakeMessaging{},
	}

	rec := records.New(adapter, classifier.New(adapter), nil)
	orch := New(adapter, rec, factory, dispatcher, config, nil)

	return &fixture{
		orch:       orch,
		storage:    adapter,
		dispatcher: dispatcher,
		factory:    factory,
		project:    project,
	}
}

func enrichArgs(t *testing.T, sub submission) EnrichChunkArgs {
	t.Helper()
	require.Equal(t, UnitEnrichChunk, sub.unit)
	var args EnrichChunkArgs
	require.NoError(t, json.Unmarshal(sub.args, &args))
	return args
}

func TestSyncProjectDispatchesChunks(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 2})
	ctx := context.Background()

	require.NoError(t, f.storage.AddBlockedDomain(ctx, "gmail.com"))

	f.factory.messaging.users = []intercom.User{
		{UserID: 1, Email: "a@acme.com"},
		{UserID: 2, Email: ""},              // no email, skipped entirely
		{UserID: 3, Email: "c@gmail.com"},   // blocked, recorded but not enriched
		{UserID: 4, Email: "d@example.com"},
		{UserID: 5, Email: "e@acme.com"},
	}

	require.NoError(t, f.orch.SyncProject(ctx, SyncProjectArgs{ProjectID: f.project.ID}))

	require.Len(t, f.dispatcher.subs, 2, "3 valuable users in chunks of 2")

	first := enrichArgs(t, f.dispatcher.subs[0])
	assert.Equal(t, f.project.ID, first.ProjectID)
	assert.Equal(t, []Identity{{UserID: 1, Domain: "acme.com"}, {UserID: 4, Domain: "example.com"}}, first.Users)

	second := enrichArgs(t, f.dispatcher.subs[1])
	assert.Equal(t, []Identity{{UserID: 5, Domain: "acme.com"}}, second.Users)

	// Blocked user was still recorded
	record, err := f.storage.GetUserRecord(ctx, f.project.ID, 3)
	require.NoError(t, err)
	assert.False(t, record.IsValuable)

	// User without email was not recorded
	_, err = f.storage.GetUserRecord(ctx, f.project.ID, 2)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestSyncProjectSkipsUsersWithoutUsableID(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 100})
	ctx := context.Background()

	// Zero id is what the lenient decode yields for a non-numeric
	// caller-assigned user_id.
	f.factory.messaging.users = []intercom.User{
		{UserID: 0, Email: "legacy@acme.com"},
		{UserID: 1, Email: "a@acme.com"},
	}

	require.NoError(t, f.orch.SyncProject(ctx, SyncProjectArgs{ProjectID: f.project.ID}))

	require.Len(t, f.dispatcher.subs, 1)
	first := enrichArgs(t, f.dispatcher.subs[0])
	assert.Equal(t, []Identity{{UserID: 1, Domain: "acme.com"}}, first.Users)

	_, err := f.storage.GetUserRecord(ctx, f.project.ID, 0)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestSyncProjectCapCountsValuableOnly(t *testing.T) {
	f := newFixture(t, Config{ChunkSize: 100, MaxUsersPerSync: 2})
	ctx := context.Background()

	require.NoError(t, f.storage.AddBlockedDomain(ctx, "gmail.com"))

	f.factory.messaging.users = []intercom.User{
		{UserID: 1, Email: "a@gmail.com"},
		{UserID: 2, Email: "b@gmail.com"},
		{UserID: 3, Email: "c@acme.com"},
		{UserID: 4, Email: "d@example.com"},
		{UserID: 5, Email: "e@corp.com"},
	}

	require.NoError(t, f.orch.SyncProject(ctx, SyncProjectArgs{ProjectID: f.project.ID}))

	require.Len(t, f.dispatcher.subs, 1)
	args := enrichArgs(t, f.dispatcher.subs[0])
	require.Len(t, args.Users, 2, "blocked users must not count against the cap")
	assert.Equal(t, int64(3), args.Users[0].UserID)
	assert.Equal(t, int64(4), args.Users[1].UserID)
}

func TestSyncProjectMissingProjectIsNoop(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.orch.SyncProject(context.Background(), SyncProjectArgs{ProjectID: 404}))
	assert.Empty(t, f.dispatcher.subs)
}

func TestSyncProjectPropagatesIterateFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.factory.messaging.iterErr = errors.ConnectionError("upstream down", nil)

	err := f.orch.SyncProject(context.Background(), SyncProjectArgs{ProjectID: f.project.ID})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
	assert.Empty(t, f.dispatcher.subs)
}

func TestEnrichChunkWritesAttributesAndNotes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	lang := "en"
	rank := "123"
	f.factory.ranking.results["acme.com"] = &awis.Result{
		Lang:      &lang,
		RankValue: &rank,
		Site:      awis.SiteData{Title: "Acme", Description: "Tools", OnlineSince: "01-Jan-1997"},
	}

	args := EnrichChunkArgs{
		ProjectID: f.project.ID,
		Users: []Identity{
			{UserID: 1, Domain: "acme.com"},
			{UserID: 2, Domain: "acme.com"},
			{UserID: 3, Domain: "ghost.com"},
		},
	}
	require.NoError(t, f.orch.EnrichChunk(ctx, args))

	require.Len(t, f.factory.ranking.lookups, 1)
	assert.ElementsMatch(t, []string{"acme.com", "ghost.com"}, f.factory.ranking.lookups[0])

	assert.Equal(t, AttributePrefix, f.factory.messaging.prefix)
	require.Len(t, f.factory.messaging.updates, 3)
	require.Len(t, f.factory.messaging.notes, 3)

	byUser := make(map[int64]intercom.UserUpdate)
	for _, u := range f.factory.messaging.updates {
		byUser[u.UserID] = u
	}
	assert.Equal(t, "en", byUser[1].CustomAttributes["lang"])
	assert.Equal(t, "123", byUser[2].CustomAttributes["rank_value"])
	assert.Nil(t, byUser[3].CustomAttributes["lang"])

	noteBodies := make(map[int64]string)
	for _, n := range f.factory.messaging.notes {
		noteBodies[n.UserID] = n.Body
	}
	assert.Equal(t, "Title: Acme\nDescr: Tools\nSince: 01-Jan-1997\n", noteBodies[1])
	assert.Equal(t, "Title: -\nDescr: -\nSince: -\n", noteBodies[3])
}

func TestEnrichChunkLookupFailurePropagates(t *testing.T) {
	f := newFixture(t, Config{})
	f.factory.ranking.err = errors.ConnectionError("provider down", nil)

	err := f.orch.EnrichChunk(context.Background(), EnrichChunkArgs{
		ProjectID: f.project.ID,
		Users:     []Identity{{UserID: 1, Domain: "acme.com"}},
	})
	require.Error(t, err)
	assert.Empty(t, f.factory.messaging.updates)
}

func TestEraseChunkNullsAttributes(t *testing.T) {
	f := newFixture(t, Config{})

	args := EraseChunkArgs{ProjectID: f.project.ID, UserIDs: []int64{1, 2}}
	require.NoError(t, f.orch.EraseChunk(context.Background(), args))

	require.Len(t, f.factory.messaging.updates, 2)
	assert.Equal(t, AttributePrefix, f.factory.messaging.prefix)
	for _, update := range f.factory.messaging.updates {
		require.Len(t, update.CustomAttributes, 5)
		for key, value := range update.CustomAttributes {
			assert.Nil(t, value, key)
		}
	}
	assert.Empty(t, f.factory.messaging.notes)
}

func TestSyncUserEnrichesValuable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.orch.SyncUser(ctx, SyncUserArgs{
		ProjectID: f.project.ID, UserID: 9, Email: "x@acme.com",
	}))

	require.Len(t, f.dispatcher.subs, 1)
	args := enrichArgs(t, f.dispatcher.subs[0])
	assert.Equal(t, []Identity{{UserID: 9, Domain: "acme.com"}}, args.Users)

	record, err := f.storage.GetUserRecord(ctx, f.project.ID, 9)
	require.NoError(t, err)
	assert.True(t, record.IsValuable)
}

func TestSyncUserSkipsBlocked(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.storage.AddBlockedDomain(ctx, "gmail.com"))

	require.NoError(t, f.orch.SyncUser(ctx, SyncUserArgs{
		ProjectID: f.project.ID, UserID: 9, Email: "x@gmail.com",
	}))

	assert.Empty(t, f.dispatcher.subs)

	record, err := f.storage.GetUserRecord(ctx, f.project.ID, 9)
	require.NoError(t, err)
	assert.False(t, record.IsValuable)
}

func TestUnitsRoundTripThroughQueue(t *testing.T) {
	adapter, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	project := &storage.Project{
		Title: "Test", IntercomAppID: "app", IntercomAPIKey: "key",
		AWSAccessID: "id", AWSSecretAccessKey: "secret", WebhookSecret: "hook",
	}
	require.NoError(t, adapter.CreateProject(context.Background(), project))

	factory := &fakeFactory{
		ranking:   &fakeRanking{results: map[string]*awis.Result{}},
		messaging: &fakeMessaging{users: []intercom.User{{UserID: 1, Email: "a@acme.com"}}},
	}

	queue := tasks.NewQueue(2, nil)
	t.Cleanup(func() { queue.Close() })

	rec := records.New(adapter, classifier.New(adapter), nil)
	orch := New(adapter, rec, factory, queue, Config{ChunkSize: 100}, nil)
	orch.RegisterUnits()

	ctx := context.Background()
	require.NoError(t, orch.SubmitSync(ctx, project.ID))
	require.NoError(t, queue.Flush(ctx))

	assert.Empty(t, queue.Failures())
	require.Len(t, factory.messaging.updates, 1)
	assert.Equal(t, int64(1), factory.messaging.updates[0].UserID)
	require.Len(t, factory.messaging.notes, 1)
}
