package intercom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ranker/internal/common/errors"
	"ranker/internal/common/utils"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	client, err := NewClient("app", "key", Config{
		BaseURL:           serverURL,
		Retry:             utils.RetryConfig{MaxAttempts: 3, BackoffFactor: 2.0},
		RequestsPerSecond: 10000,
	})
	require.NoError(t, err)

	return client
}

func TestIterateUsersFollowsPages(t *testing.T) {
	var server *httptest.Server
	pagesServed := int32(0)

	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "app", user)
		assert.Equal(t, "key", pass)

		page := r.URL.Query().Get("page")
		atomic.AddInt32(&pagesServed, 1)

		next := ""
		if page != "3" {
			n := 2
			if page == "2" {
				n = 3
			}
			next = fmt.Sprintf("%s/users?page=%d&per_page=50&order=desc", server.URL, n)
		}

		fmt.Fprintf(w, `{"users":[{"user_id":"%s1","email":"u%s@a.com"},{"user_id":"%s2","email":"u%s@b.com"}],"pages":{"next":%q}}`,
			page, page, page, page, next)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var users []User
	err := client.IterateUsers(context.Background(), "desc", func(u User) error {
		users = append(users, u)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&pagesServed))
	require.Len(t, users, 6)
	assert.Equal(t, int64(11), users[0].UserID)
	assert.Equal(t, "u1@a.com", users[0].Email)
	assert.Equal(t, int64(32), users[5].UserID)
}

func TestIterateUsersValidatesOrder(t *testing.T) {
	client := newTestClient(t, "http://unused.invalid")

	err := client.IterateUsers(context.Background(), "sideways", func(User) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestIterateUsersStopsOnCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"users":[{"user_id":"1","email":"a@a.com"},{"user_id":"2","email":"b@b.com"}],"pages":{"next":""}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	wantErr := errors.InternalError("stop", nil)
	calls := 0
	err := client.IterateUsers(context.Background(), "asc", func(User) error {
		calls++
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls)
}

func TestIterateUsersRetriesPageFetch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"users":[{"user_id":"1","email":"a@a.com"}],"pages":{"next":""}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	count := 0
	err := client.IterateUsers(context.Background(), "desc", func(User) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUpdateUsersChunksAndPrefixes(t *testing.T) {
	var mu sync.Mutex
	var batches [][]map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bulk/users", r.URL.Path)

		var payload struct {
			Items []struct {
				Method   string                 `json:"method"`
				DataType string                 `json:"data_type"`
				Data     map[string]interface{} `json:"data"`
			} `json:"items"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		var items []map[string]interface{}
		for _, item := range payload.Items {
			assert.Equal(t, "post", item.Method)
			assert.Equal(t, "user", item.DataType)
			items = append(items, item.Data)
		}

		mu.Lock()
		batches = append(batches, items)
		mu.Unlock()

		fmt.Fprint(w, `{"links":{"self":"https://example.com/jobs/1"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	updates := make([]UserUpdate, 120)
	for i := range updates {
		updates[i] = UserUpdate{
			UserID:           int64(i + 1),
			CustomAttributes: map[string]interface{}{"rank_value": "7"},
		}
	}

	require.NoError(t, client.UpdateUsers(context.Background(), updates, "AWIS"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 3, "120 updates need 3 chunks of 50")

	total := 0
	for _, batch := range batches {
		assert.LessOrEqual(t, len(batch), defaultBulkSize)
		total += len(batch)
		attrs := batch[0]["custom_attributes"].(map[string]interface{})
		assert.Contains(t, attrs, "AWIS_rank_value")
		assert.NotContains(t, attrs, "rank_value")
	}
	assert.Equal(t, 120, total)
}

func TestCreateNotesSkipsDuplicates(t *testing.T) {
	var created int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			userID := r.URL.Query().Get("user_id")
			if userID == "1" {
				// Stored copy comes back rendered as HTML
				fmt.Fprint(w, `{"notes":[{"body":"<p>Title: Example</p>\n<p>Descr: -</p>"}]}`)
				return
			}
			fmt.Fprint(w, `{"notes":[]}`)
		case http.MethodPost:
			atomic.AddInt32(&created, 1)

			var payload struct {
				User struct {
					UserID int64 `json:"user_id"`
				} `json:"user"`
				Body string `json:"body"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, int64(2), payload.User.UserID)

			fmt.Fprint(w, `{}`)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	notes := []Note{
		{UserID: 1, Body: "Title: Example\nDescr: -"},
		{UserID: 2, Body: "Title: Other\nDescr: -"},
	}
	require.NoError(t, client.CreateNotes(context.Background(), notes, false))
	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
}

func TestCreateNotesForceSkipsDedup(t *testing.T) {
	var created, fetched int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt32(&fetched, 1)
			fmt.Fprint(w, `{"notes":[]}`)
		case http.MethodPost:
			atomic.AddInt32(&created, 1)
			fmt.Fprint(w, `{}`)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	notes := []Note{{UserID: 1, Body: "hello"}, {UserID: 1, Body: "hello"}}
	require.NoError(t, client.CreateNotes(context.Background(), notes, true))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fetched))
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
}

func TestGetNotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		fmt.Fprintf(w, `{"notes":[{"body":"note for %s"}]}`, userID)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	notes, err := client.GetNotes(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "note for 1", notes[1][0].Body)
	assert.Equal(t, int64(2), notes[2][0].UserID)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	var unsubscribed atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "web", payload["service_type"])
			assert.Equal(t, "https://example.com/hook", payload["url"])

			fmt.Fprint(w, `{"id":"sub-1"}`)
		case http.MethodDelete:
			assert.Equal(t, "/subscriptions/sub-1", r.URL.Path)
			unsubscribed.Store(true)
			fmt.Fprint(w, `{}`)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	id, err := client.Subscribe(ctx, "https://example.com/hook", []string{"user.created"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)

	require.NoError(t, client.Unsubscribe(ctx, id))
	assert.True(t, unsubscribed.Load())
}

func TestNormalizeNoteBody(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Title: Example\nDescr: -", "title: example descr: -"},
		{"<p>Title: Example</p>\n<p>Descr: -</p>", "title: example descr: -"},
		{"  Multiple   spaces\t\tcollapse ", "multiple spaces collapse"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeNoteBody(tt.in), "input %q", tt.in)
	}
}

func TestNewClientDefaultsToPooledHTTPClient(t *testing.T) {
	client, err := NewClient("app", "key", Config{})
	require.NoError(t, err)

	transport, ok := client.http.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
}
