package classifier

import (
	"context"
	"strings"

	"ranker/internal/storage"
)

// Classifier decides whether a user's email domain is worth enriching.
// The block list lives in storage, so a domain added to the list takes
// effect on the next call without any process restart.
type Classifier struct {
	storage storage.Storage
}

func New(store storage.Storage) *Classifier {
	return &Classifier{storage: store}
}

// IsValuable reports whether the domain should be enriched. Empty
// domains and blocked domains are never valuable.
func (c *Classifier) IsValuable(ctx context.Context, domain string) (bool, error) {
	domain = Normalize(domain)
	if domain == "" {
		return false, nil
	}

	blocked, err := c.storage.IsDomainBlocked(ctx, domain)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// Normalize lowercases and trims a domain for storage and lookup.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// DomainFromEmail extracts the domain part of an email address. Returns
// empty string when the address has no usable domain.
func DomainFromEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return Normalize(email[at+1:])
}
