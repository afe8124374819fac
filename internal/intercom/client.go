package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ranker/internal/common/errors"
	"ranker/internal/common/httpclient"
	"ranker/internal/common/logging"
	"ranker/internal/common/utils"
)

const (
	defaultBaseURL = "https://api.intercom.io"
	defaultPerPage = 50
	defaultWorkers = 10

	// defaultBulkSize is Intercom's limit on items per bulk request.
	defaultBulkSize = 50
)

var validOrders = map[string]bool{"asc": true, "desc": true}

// Config tunes a messaging client. Zero values fall back to defaults.
type Config struct {
	BaseURL           string
	Workers           int
	PerPage           int
	BulkSize          int
	NoteWaitRange     time.Duration
	RequestsPerSecond float64
	Retry             utils.RetryConfig
	HTTPClient        *http.Client
}

// Client talks to the Intercom API with one project's credentials.
// Construct one per unit of work; it holds no background state.
type Client struct {
	appID   string
	apiKey  string
	baseURL string
	workers  int
	perPage  int
	bulkSize int

	noteWait time.Duration
	limiter  *rate.Limiter
	retry    utils.RetryConfig
	http     *http.Client
	logger   logging.Logger
}

// NewClient builds a client from project credentials.
func NewClient(appID, apiKey string, config Config) (*Client, error) {
	if appID == "" || apiKey == "" {
		return nil, errors.ConfigError("intercom credentials are required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	workers := config.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	perPage := config.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	bulkSize := config.BulkSize
	if bulkSize <= 0 || bulkSize > defaultBulkSize {
		bulkSize = defaultBulkSize
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 10
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
		appID:    appID,
		apiKey:   apiKey,
		baseURL:  baseURL,
		workers:  workers,
		perPage:  perPage,
		bulkSize: bulkSize,
		noteWait: config.NoteWaitRange,
		limiter:  rate.NewLimiter(rate.Limit(rps), workers),
		retry:    retry,
		http:     httpClient,
		logger:   logging.GetGlobalLogger(),
	}, nil
}

// IterateUsers streams users page by page, following the next-page link
// the API returns. Each page fetch is retried independently, so a
// transient failure resumes from the current page rather than the start.
// Iteration stops when fn returns an error, which is propagated.
func (c *Client) IterateUsers(ctx context.Context, order string, fn func(User) error) error {
	if !validOrders[order] {
		return errors.ValidationError(fmt.Sprintf("order must be asc or desc, got %q", order))
	}

	url := fmt.Sprintf("%s/users?page=1&per_page=%d&order=%s", c.baseURL, c.perPage, order)

	for url != "" {
		var page usersPage
		err := utils.RetryWithBackoff(ctx, c.retry, func() error {
			return c.doJSON(ctx, http.MethodGet, url, nil, &page)
		})
		if err != nil {
			return err
		}

		for _, user := range page.Users {
			if err := fn(user); err != nil {
				return err
			}
		}

		url = page.Pages.Next
	}

	return nil
}

// UpdateUsers writes custom attributes in bulk, chunked to the API limit.
// A non-empty prefix is joined to every attribute key with an underscore.
func (c *Client) UpdateUsers(ctx context.Context, updates []UserUpdate, prefix string) error {
	if len(updates) == 0 {
		return nil
	}

	prefixed := make([]UserUpdate, len(updates))
	for i, update := range updates {
		prefixed[i] = update
		if prefix != "" && update.CustomAttributes != nil {
			attrs := make(map[string]interface{}, len(update.CustomAttributes))
			for key, value := range update.CustomAttributes {
				attrs[prefix+"_"+key] = value
			}
			prefixed[i].CustomAttributes = attrs
		}
	}

	var chunks [][]UserUpdate
	for start := 0; start < len(prefixed); start += c.bulkSize {
		end := start + c.bulkSize
		if end > len(prefixed) {
			end = len(prefixed)
		}
		chunks = append(chunks, prefixed[start:end])
	}

	return c.runPool(ctx, len(chunks), func(i int) error {
		type item struct {
			Method   string     `json:"method"`
			DataType string     `json:"data_type"`
			Data     UserUpdate `json:"data"`
		}

		items := make([]item, len(chunks[i]))
		for j, update := range chunks[i] {
			items[j] = item{Method: "post", DataType: "user", Data: update}
		}

		return utils.RetryWithBackoff(ctx, c.retry, func() error {
			var result struct {
				Links struct {
					Self string `json:"self"`
				} `json:"links"`
			}
			err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/bulk/users",
				map[string]interface{}{"items": items}, &result)
			if err != nil {
				return err
			}
			c.logger.Debug("bulk update submitted", logging.String("status_url", result.Links.Self))
			return nil
		})
	})
}

// CreateNotes posts one note per entry through the worker pool. Unless
// force is set, notes whose normalized body already exists on the user
// are skipped. Each request waits on the shared rate limiter plus a
// randomized delay to spread load.
func (c *Client) CreateNotes(ctx context.Context, notes []Note, force bool) error {
	pending := notes
	if !force {
		filtered, err := c.filterExistingNotes(ctx, notes)
		if err != nil {
			return err
		}
		pending = filtered
	}
	if len(pending) == 0 {
		return nil
	}

	return c.runPool(ctx, len(pending), func(i int) error {
		note := pending[i]
		return utils.RetryWithBackoff(ctx, c.retry, func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.TimeoutError("note rate limit wait")
			}
			if err := utils.RandomWait(ctx, c.noteWait); err != nil {
				return errors.TimeoutError("note jitter wait")
			}

			payload := map[string]interface{}{
				"user": map[string]interface{}{"user_id": note.UserID},
				"body": note.Body,
			}
			return c.doJSON(ctx, http.MethodPost, c.baseURL+"/notes", payload, nil)
		})
	})
}

func (c *Client) filterExistingNotes(ctx context.Context, notes []Note) ([]Note, error) {
	userIDs := make([]int64, 0, len(notes))
	seen := make(map[int64]bool, len(notes))
	for _, note := range notes {
		if !seen[note.UserID] {
			seen[note.UserID] = true
			userIDs = append(userIDs, note.UserID)
		}
	}

	existing, err := c.GetNotes(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	var pending []Note
	for _, note := range notes {
		normalized := NormalizeNoteBody(note.Body)
		duplicate := false
		for _, old := range existing[note.UserID] {
			if NormalizeNoteBody(old.Body) == normalized {
				duplicate = true
				break
			}
		}
		if duplicate {
			c.logger.Debug("note already exists, skipping",
				logging.Int64("user_id", note.UserID))
			continue
		}
		pending = append(pending, note)
	}

	return pending, nil
}

// GetNotes fetches existing notes for the given users through the pool.
func (c *Client) GetNotes(ctx context.Context, userIDs []int64) (map[int64][]Note, error) {
	results := make(map[int64][]Note, len(userIDs))
	var mu sync.Mutex

	err := c.runPool(ctx, len(userIDs), func(i int) error {
		userID := userIDs[i]
		url := c.baseURL + "/notes?user_id=" + strconv.FormatInt(userID, 10)

		var page struct {
			Notes []Note `json:"notes"`
		}
		err := utils.RetryWithBackoff(ctx, c.retry, func() error {
			return c.doJSON(ctx, http.MethodGet, url, nil, &page)
		})
		if err != nil {
			return err
		}

		for j := range page.Notes {
			page.Notes[j].UserID = userID
		}

		mu.Lock()
		results[userID] = page.Notes
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// Subscribe registers a webhook for the given topics and returns the
// subscription id.
func (c *Client) Subscribe(ctx context.Context, hookURL string, topics []string) (string, error) {
	payload := map[string]interface{}{
		"service_type": "web",
		"url":          hookURL,
		"topics":       topics,
	}

	var result struct {
		ID string `json:"id"`
	}
	err := utils.RetryWithBackoff(ctx, c.retry, func() error {
		return c.doJSON(ctx, http.MethodPost, c.baseURL+"/subscriptions", payload, &result)
	})
	if err != nil {
		return "", err
	}

	return result.ID, nil
}

// Unsubscribe removes a webhook subscription.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return utils.RetryWithBackoff(ctx, c.retry, func() error {
		return c.doJSON(ctx, http.MethodDelete, c.baseURL+"/subscriptions/"+subscriptionID, nil, nil)
	})
}

// runPool runs fn(0..jobs-1) across the configured worker count and
// returns the first error.
func (c *Client) runPool(ctx context.Context, jobs int, fn func(i int) error) error {
	workers := c.workers
	if workers > jobs {
		workers = jobs
	}

	indexes := make(chan int)
	errs := make(chan error, jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				errs <- fn(i)
			}
		}()
	}

	go func() {
		defer close(indexes)
		for i := 0; i < jobs; i++ {
			select {
			case indexes <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.InternalError("failed to encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.InternalError("failed to build request", err)
	}
	req.SetBasicAuth(c.appID, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.ConnectionError("intercom request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.ConnectionError("failed to read intercom response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return errors.ConnectionError(
			fmt.Sprintf("intercom returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.RateLimitError("intercom")
	case resp.StatusCode >= 400:
		return errors.ValidationError(
			fmt.Sprintf("intercom rejected request with %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.InternalError("failed to decode intercom response", err)
		}
	}
	return nil
}

func truncate(data []byte, max int) string {
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
