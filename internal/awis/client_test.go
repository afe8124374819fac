package awis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ranker/internal/cache"
	"ranker/internal/common/errors"
	"ranker/internal/common/utils"
)

const responseTemplate = `<?xml version="1.0"?>
<aws:UrlInfoResponse xmlns:aws="http://awis.amazonaws.com/doc/2005-07-11">
  <aws:Response>
    <aws:ResponseStatus><aws:StatusCode>Success</aws:StatusCode></aws:ResponseStatus>
    <aws:UrlInfoResult>
      <aws:Alexa>
        <aws:ContentData>
          <aws:DataUrl type="canonical">%[1]s</aws:DataUrl>
          <aws:SiteData>
            <aws:Title>%[2]s</aws:Title>
            <aws:Description>%[3]s</aws:Description>
            <aws:OnlineSince>01-Jan-1997</aws:OnlineSince>
          </aws:SiteData>
          <aws:Language><aws:Locale>%[4]s</aws:Locale></aws:Language>
        </aws:ContentData>
        <aws:TrafficData>
          <aws:DataUrl type="canonical">%[1]s</aws:DataUrl>
          <aws:Reach>
            <aws:Rank><aws:Value>123</aws:Value></aws:Rank>
            <aws:PerMillion><aws:Value>456</aws:Value></aws:PerMillion>
          </aws:Reach>
          <aws:PageViews>
            <aws:PerMillion><aws:Value>789</aws:Value></aws:PerMillion>
          </aws:PageViews>
          <aws:RankByCountry>%[5]s</aws:RankByCountry>
        </aws:TrafficData>
      </aws:Alexa>
    </aws:UrlInfoResult>
  </aws:Response>
</aws:UrlInfoResponse>`

func countryXML(code string, rank int) string {
	return fmt.Sprintf(`<aws:Country Code=%q><aws:Rank>%d</aws:Rank></aws:Country>`, code, rank)
}

func testRetry() utils.RetryConfig {
	return utils.RetryConfig{MaxAttempts: 3, BackoffFactor: 2.0}
}

func newTestClient(t *testing.T, serverURL string) (*Client, cache.Cache) {
	t.Helper()

	c, err := cache.New(cache.Config{Type: cache.TypeLocal, TTL: time.Hour})
	require.NoError(t, err)

	client, err := NewClient("access", "secret", c, Config{
		BaseURL: serverURL,
		Retry:   testRetry(),
	})
	require.NoError(t, err)

	return client, c
}

func TestLookupParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UrlInfo", r.URL.Query().Get("Action"))
		assert.Equal(t, "access", r.URL.Query().Get("AWSAccessKeyId"))
		assert.NotEmpty(t, r.URL.Query().Get("Signature"))
		assert.Equal(t, "example.com", r.URL.Query().Get("UrlInfo.1.Url"))

		fmt.Fprintf(w, responseTemplate, "example.com", "Example", "An example site", "en",
			countryXML("EN", 42))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	results, err := client.Lookup(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	require.Contains(t, results, "example.com")

	r := results["example.com"]
	require.NotNil(t, r.Lang)
	assert.Equal(t, "en", *r.Lang)
	require.NotNil(t, r.CountryRank)
	assert.Equal(t, int64(42), *r.CountryRank)
	require.NotNil(t, r.RankValue)
	assert.Equal(t, "123", *r.RankValue)
	require.NotNil(t, r.PerMillion)
	assert.Equal(t, "456", *r.PerMillion)
	require.NotNil(t, r.PageViewsPerMillion)
	assert.Equal(t, "789", *r.PageViewsPerMillion)
	assert.Equal(t, "Example", r.Site.Title)
	assert.Equal(t, "Title: Example\nDescr: An example site\nSince: 01-Jan-1997\n", r.NoteBody())
}

func TestCountryRankFallsBackToMinimum(t *testing.T) {
	countries := countryXML("DE", 50) + countryXML("FR", 10) + countryXML("IT", 30)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Locale "en" matches none of the listed countries
		fmt.Fprintf(w, responseTemplate, "example.com", "Example", "-", "en", countries)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	results, err := client.Lookup(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	require.NotNil(t, results["example.com"].CountryRank)
	assert.Equal(t, int64(10), *results["example.com"].CountryRank)
}

func TestLookupServesCacheWithoutNetwork(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, responseTemplate, "example.com", "Example", "-", "en", countryXML("EN", 1))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := client.Lookup(ctx, []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	results, err := client.Lookup(ctx, []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second lookup must not hit the provider")
	assert.Equal(t, "Example", results["example.com"].Site.Title)
}

func TestLookupRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, responseTemplate, "example.com", "Example", "-", "en", countryXML("EN", 1))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	results, err := client.Lookup(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "Example", results["example.com"].Site.Title)
}

func TestLookupFailureLeavesNoCacheEntry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, c := newTestClient(t, server.URL)

	_, err := client.Lookup(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, ok := c.Get(context.Background(), cache.Key("example.com"))
	assert.False(t, ok, "failed lookup must not populate the cache")
}

func TestLookupRejectionIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	_, err := client.Lookup(context.Background(), []string{"example.com"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLookupOmittedDomainGetsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, responseTemplate, "example.com", "Example", "-", "en", countryXML("EN", 1))
	}))
	defer server.Close()

	client, c := newTestClient(t, server.URL)

	results, err := client.Lookup(context.Background(), []string{"example.com", "ghost.com"})
	require.NoError(t, err)

	require.Contains(t, results, "ghost.com")
	ghost := results["ghost.com"]
	assert.Nil(t, ghost.Lang)
	assert.Nil(t, ghost.CountryRank)
	assert.Equal(t, "-", ghost.Site.Title)
	assert.Equal(t, "Title: -\nDescr: -\nSince: -\n", ghost.NoteBody())

	_, ok := c.Get(context.Background(), cache.Key("ghost.com"))
	assert.False(t, ok, "omitted domains are not cached")
}

func TestLookupBatchesLargeDomainSets(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		count := 0
		for i := 1; ; i++ {
			domain := r.URL.Query().Get(fmt.Sprintf("UrlInfo.%d.Url", i))
			if domain == "" {
				break
			}
			count++
		}
		assert.LessOrEqual(t, count, maxBatchSize)
		fmt.Fprint(w, `<aws:UrlInfoResponse xmlns:aws="http://awis.amazonaws.com/doc/2005-07-11"/>`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	domains := make([]string, 12)
	for i := range domains {
		domains[i] = fmt.Sprintf("site%d.com", i)
	}

	results, err := client.Lookup(context.Background(), domains)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "12 domains need 3 batches of 5")
	assert.Len(t, results, 12)
}

func TestAttributes(t *testing.T) {
	lang := "en"
	rank := int64(7)
	r := newResult()
	r.Lang = &lang
	r.CountryRank = &rank

	attrs := r.Attributes()
	assert.Equal(t, "en", attrs["lang"])
	assert.Equal(t, int64(7), attrs["country_rank"])
	assert.Nil(t, attrs["rank_value"])

	nulls := NullAttributes()
	assert.Len(t, nulls, 5)
	for key, value := range nulls {
		assert.Nil(t, value, key)
	}
}

func TestNewClientDefaultsToPooledHTTPClient(t *testing.T) {
	c, err := cache.New(cache.Config{Type: cache.TypeLocal, TTL: time.Hour})
	require.NoError(t, err)

	client, err := NewClient("access", "secret", c, Config{})
	require.NoError(t, err)

	transport, ok := client.http.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 10, transport.MaxIdleConnsPerHost)
}
