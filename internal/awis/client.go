package awis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ranker/internal/cache"
	"ranker/internal/circuitbreaker"
	"ranker/internal/common/errors"
	"ranker/internal/common/httpclient"
	"ranker/internal/common/logging"
	"ranker/internal/common/utils"
)

const (
	// maxBatchSize is the provider's hard limit on domains per request.
	maxBatchSize = 5

	defaultHost    = "awis.amazonaws.com"
	defaultPath    = "/api"
	defaultWorkers = 5
)

// responseGroups requested on every lookup.
var responseGroups = []string{"UsageStats", "SiteData", "Language", "RankByCountry"}

// Config tunes a ranking client. Zero values fall back to defaults.
type Config struct {
	BaseURL    string
	BatchSize  int
	Workers    int
	CacheTTL   time.Duration
	Retry      utils.RetryConfig
	HTTPClient *http.Client
}

// Client fetches domain rankings from the provider, serving repeat
// lookups from the enrichment cache.
type Client struct {
	signer  signer
	baseURL *url.URL
	batch   int
	workers int
	ttl     time.Duration
	retry   utils.RetryConfig
	http    *http.Client
	cache   cache.Cache
	breaker *circuitbreaker.Breaker
	logger  logging.Logger
}

// NewClient builds a ranking client with the given provider credentials.
func NewClient(accessID, secretAccessKey string, c cache.Cache, config Config) (*Client, error) {
	if accessID == "" || secretAccessKey == "" {
		return nil, errors.ConfigError("ranking credentials are required")
	}

	base := config.BaseURL
	if base == "" {
		base = "https://" + defaultHost + defaultPath
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, errors.ConfigError("invalid ranking base url: " + err.Error())
	}

	batch := config.BatchSize
	if batch <= 0 || batch > maxBatchSize {
		batch = maxBatchSize
	}
	workers := config.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	retry := config.Retry
	if retry.MaxAttempts <= 0 {
		retry = utils.DefaultRetryConfig()
	}
	retry.RetryableErrors = errors.IsRetryable

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.New()
	}

	return &Client{
		signer:  signer{accessID: accessID, secret: secretAccessKey, now: time.Now},
		baseURL: parsed,
		batch:   batch,
		workers: workers,
		ttl:     ttl,
		retry:   retry,
		http:    httpClient,
		cache:   c,
		breaker: circuitbreaker.New("ranking", circuitbreaker.DefaultConfig(), nil),
		logger:  logging.GetGlobalLogger(),
	}, nil
}

// Lookup resolves rankings for the given domains. Cached domains are
// served without touching the provider; the rest are fetched in batches
// through a bounded worker pool. Every requested domain appears in the
// returned map, with nil numerics when the provider has no data for it.
func (c *Client) Lookup(ctx context.Context, domains []string) (map[string]*Result, error) {
	results := make(map[string]*Result, len(domains))

	missing := c.serveFromCache(ctx, domains, results)
	if len(missing) == 0 {
		return results, nil
	}

	var batches [][]string
	for start := 0; start < len(missing); start += c.batch {
		end := start + c.batch
		if end > len(missing) {
			end = len(missing)
		}
		batches = append(batches, missing[start:end])
	}

	fetched, err := c.fetchBatches(ctx, batches)

	// Keep successful batches even when another batch failed
	for domain, result := range fetched {
		c.writeCache(ctx, domain, result)
		results[domain] = result
	}
	if err != nil {
		return nil, err
	}

	// Domains the provider omitted still get an empty result, uncached
	for _, domain := range missing {
		if _, ok := results[domain]; !ok {
			results[domain] = newResult()
		}
	}

	return results, nil
}

func (c *Client) serveFromCache(ctx context.Context, domains []string, results map[string]*Result) []string {
	var missing []string
	for _, domain := range domains {
		if _, ok := results[domain]; ok {
			continue
		}

		data, ok := c.cache.Get(ctx, cache.Key(domain))
		if !ok {
			missing = append(missing, domain)
			continue
		}

		result := &Result{}
		if err := json.Unmarshal(data, result); err != nil {
			c.logger.Warn("dropping corrupt cache entry", logging.String("domain", domain))
			missing = append(missing, domain)
			continue
		}

		c.logger.Debug("domain served from cache", logging.String("domain", domain))
		results[domain] = result
	}
	return missing
}

func (c *Client) fetchBatches(ctx context.Context, batches [][]string) (map[string]*Result, error) {
	type batchResult struct {
		results map[string]*Result
		err     error
	}

	jobs := make(chan []string)
	outputs := make(chan batchResult, len(batches))

	var wg sync.WaitGroup
	workers := c.workers
	if workers > len(batches) {
		workers = len(batches)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				results, err := c.fetchBatch(ctx, batch)
				outputs <- batchResult{results: results, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, batch := range batches {
			select {
			case jobs <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(outputs)

	merged := make(map[string]*Result)
	var firstErr error
	for out := range outputs {
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		for domain, result := range out.results {
			merged[domain] = result
		}
	}

	if firstErr == nil {
		if err := ctx.Err(); err != nil {
			firstErr = errors.TimeoutError("ranking lookup")
		}
	}

	return merged, firstErr
}

func (c *Client) fetchBatch(ctx context.Context, domains []string) (map[string]*Result, error) {
	c.logger.Info("ranking request", logging.Any("domains", domains))

	results := make(map[string]*Result)
	err := utils.RetryWithBackoff(ctx, c.retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			body, err := c.doRequest(ctx, domains)
			if err != nil {
				return err
			}
			return parseResponse(body, results)
		})
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func (c *Client) doRequest(ctx context.Context, domains []string) ([]byte, error) {
	query := c.signer.signedQuery(c.baseURL.Host, c.baseURL.Path, domains, responseGroups)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String()+"?"+query, nil)
	if err != nil {
		return nil, errors.InternalError("failed to build ranking request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.ConnectionError("ranking request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ConnectionError("failed to read ranking response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.ConnectionError(
			fmt.Sprintf("ranking provider returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.RateLimitError("ranking provider")
	case resp.StatusCode >= 400:
		return nil, errors.ValidationError(
			fmt.Sprintf("ranking provider rejected request with %d", resp.StatusCode))
	}

	return body, nil
}

func (c *Client) writeCache(ctx context.Context, domain string, result *Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cache.Key(domain), data, c.ttl); err != nil {
		c.logger.Warn("failed to cache ranking result",
			logging.String("domain", domain), logging.Err(err))
	}
}
