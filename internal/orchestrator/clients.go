package orchestrator

import (
	"net/http"
	"time"

	"ranker/internal/awis"
	"ranker/internal/cache"
	"ranker/internal/common/utils"
	"ranker/internal/intercom"
	"ranker/internal/storage"
)

// ClientConfig carries the tunables for per-project clients.
type ClientConfig struct {
	RankingBatchSize    int
	RankingBatchWorkers int
	MessagingWorkers    int
	MessagingPerPage    int
	MessagingBulkSize   int
	NoteWaitRange       time.Duration
	CacheTTL            time.Duration
	Retry               utils.RetryConfig

	// Test overrides
	RankingBaseURL   string
	MessagingBaseURL string
	HTTPClient       *http.Client
}

// clientFactory builds real API clients from project credentials. The
// enrichment cache is shared across projects; results are keyed by
// domain only.
type clientFactory struct {
	cache  cache.Cache
	config ClientConfig
}

// NewClientFactory returns the production ClientFactory.
func NewClientFactory(c cache.Cache, config ClientConfig) ClientFactory {
	return &clientFactory{cache: c, config: config}
}

func (f *clientFactory) Ranking(project *storage.Project) (RankingClient, error) {
	return awis.NewClient(project.AWSAccessID, project.AWSSecretAccessKey, f.cache, awis.Config{
		BaseURL:    f.config.RankingBaseURL,
		BatchSize:  f.config.RankingBatchSize,
		Workers:    f.config.RankingBatchWorkers,
		CacheTTL:   f.config.CacheTTL,
		Retry:      f.config.Retry,
		HTTPClient: f.config.HTTPClient,
	})
}

func (f *clientFactory) Messaging(project *storage.Project) (MessagingClient, error) {
	return f.newIntercomClient(project)
}

func (f *clientFactory) Subscriptions(project *storage.Project) (SubscriptionClient, error) {
	return f.newIntercomClient(project)
}

func (f *clientFactory) newIntercomClient(project *storage.Project) (*intercom.Client, error) {
	return intercom.NewClient(project.IntercomAppID, project.IntercomAPIKey, intercom.Config{
		BaseURL:       f.config.MessagingBaseURL,
		Workers:       f.config.MessagingWorkers,
		PerPage:       f.config.MessagingPerPage,
		BulkSize:      f.config.MessagingBulkSize,
		NoteWaitRange: f.config.NoteWaitRange,
		Retry:         f.config.Retry,
		HTTPClient:    f.config.HTTPClient,
	})
}
