package classifier

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ranker/internal/storage/sqlite"
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()

	adapter, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	return New(adapter)
}

func TestIsValuable(t *testing.T) {
	c := newTestClassifier(t)
	ctx := context.Background()

	require.NoError(t, c.storage.AddBlockedDomain(ctx, "gmail.com"))

	tests := []struct {
		name     string
		domain   string
		valuable bool
	}{
		{"company domain", "example.com", true},
		{"blocked domain", "gmail.com", false},
		{"blocked domain mixed case", "GMail.Com", false},
		{"empty domain", "", false},
		{"whitespace only", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valuable, err := c.IsValuable(ctx, tt.domain)
			require.NoError(t, err)
			assert.Equal(t, tt.valuable, valuable)
		})
	}
}

func TestIsValuableReflectsBlocklistChanges(t *testing.T) {
	c := newTestClassifier(t)
	ctx := context.Background()

	valuable, err := c.IsValuable(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, valuable)

	require.NoError(t, c.storage.AddBlockedDomain(ctx, "example.com"))

	valuable, err = c.IsValuable(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, valuable)

	require.NoError(t, c.storage.RemoveBlockedDomain(ctx, "example.com"))

	valuable, err = c.IsValuable(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, valuable)
}

func TestDomainFromEmail(t *testing.T) {
	tests := []struct {
		email  string
		domain string
	}{
		{"user@example.com", "example.com"},
		{"User@Example.COM", "example.com"},
		{"first.last+tag@sub.example.com", "sub.example.com"},
		{"weird@name@example.com", "example.com"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
		{"  spaced@example.com  ", "example.com"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.domain, DomainFromEmail(tt.email), "email %q", tt.email)
	}
}
