// Package storage defines the persisted data model and the interface the
// rest of the pipeline uses to reach it. Two adapters implement it:
// SQLite for single-node deployments and PostgreSQL for everything else.
package storage

import (
	"context"
	"time"
)

// Project carries the per-project credentials for both external APIs and
// the opaque webhook secret embedded in callback URLs.
type Project struct {
	ID                 int64     `json:"id"`
	Title              string    `json:"title"`
	IntercomAppID      string    `json:"intercom_app_id"`
	IntercomAPIKey     string    `json:"-"`
	AWSAccessID        string    `json:"aws_access_id"`
	AWSSecretAccessKey string    `json:"-"`
	WebhookSecret      string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UserRecord is the per-project cache of an external user identity with
// its last-known domain and valuable flag. Unique on (project_id, user_id).
type UserRecord struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	UserID     int64     `json:"user_id"`
	Domain     string    `json:"domain"`
	IsValuable bool      `json:"is_valuable"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BlockedDomain is one entry of the free-email block-list.
type BlockedDomain struct {
	ID        int64     `json:"id"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// Storage is the persistence interface shared by both adapters.
type Storage interface {
	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetProjectByWebhookSecret(ctx context.Context, secret string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	DeleteProject(ctx context.Context, id int64) error

	// User records
	UpsertUserRecord(ctx context.Context, record *UserRecord) error
	GetUserRecord(ctx context.Context, projectID, userID int64) (*UserRecord, error)
	FindUserRecordsByDomain(ctx context.Context, domain string, isValuable bool) ([]*UserRecord, error)
	SetUserRecordsValuable(ctx context.Context, ids []int64, isValuable bool) error

	// Block-list
	AddBlockedDomain(ctx context.Context, domain string) error
	RemoveBlockedDomain(ctx context.Context, domain string) error
	IsDomainBlocked(ctx context.Context, domain string) (bool, error)
	ListBlockedDomains(ctx context.Context) ([]*BlockedDomain, error)

	Health() error
	Close() error
}
