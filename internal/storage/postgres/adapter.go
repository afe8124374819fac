package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ranker/internal/common/errors"
	"ranker/internal/storage"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Adapter implements storage.Storage on top of PostgreSQL via pgx.
type Adapter struct {
	db *sql.DB
}

// New connects to PostgreSQL and runs migrations.
func New(config *Config) (*Adapter, error) {
	if config == nil {
		return nil, errors.ConfigError("postgres config is required")
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.ConnectionError("failed to connect to postgres", err)
	}

	a := &Adapter{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return a, nil
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			intercom_app_id TEXT NOT NULL UNIQUE,
			intercom_api_key TEXT NOT NULL,
			aws_access_id TEXT NOT NULL,
			aws_secret_access_key TEXT NOT NULL,
			webhook_secret TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_records (
			id BIGSERIAL PRIMARY KEY,
			project_id BIGINT NOT NULL REFERENCES projects (id),
			user_id BIGINT NOT NULL,
			domain TEXT NOT NULL,
			is_valuable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_domains (
			id BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_records_project_user ON user_records(project_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_records_domain ON user_records(domain)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

func (a *Adapter) CreateProject(ctx context.Context, project *storage.Project) error {
	query := `INSERT INTO projects (title, intercom_app_id, intercom_api_key, aws_access_id, aws_secret_access_key, webhook_secret)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at, updated_at`

	err := a.db.QueryRowContext(ctx, query, project.Title, project.IntercomAppID,
		project.IntercomAPIKey, project.AWSAccessID, project.AWSSecretAccessKey, project.WebhookSecret).
		Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

const projectColumns = `id, title, intercom_app_id, intercom_api_key, aws_access_id, aws_secret_access_key, webhook_secret, created_at, updated_at`

func (a *Adapter) scanProject(row *sql.Row) (*storage.Project, error) {
	project := &storage.Project{}
	err := row.Scan(&project.ID, &project.Title, &project.IntercomAppID, &project.IntercomAPIKey,
		&project.AWSAccessID, &project.AWSSecretAccessKey, &project.WebhookSecret,
		&project.CreatedAt, &project.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return project, nil
}

func (a *Adapter) GetProject(ctx context.Context, id int64) (*storage.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return a.scanProject(a.db.QueryRowContext(ctx, query, id))
}

func (a *Adapter) GetProjectByWebhookSecret(ctx context.Context, secret string) (*storage.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE webhook_secret = $1`
	return a.scanProject(a.db.QueryRowContext(ctx, query, secret))
}

func (a *Adapter) ListProjects(ctx context.Context) ([]*storage.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY id ASC`

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*storage.Project
	for rows.Next() {
		project := &storage.Project{}
		err := rows.Scan(&project.ID, &project.Title, &project.IntercomAppID, &project.IntercomAPIKey,
			&project.AWSAccessID, &project.AWSSecretAccessKey, &project.WebhookSecret,
			&project.CreatedAt, &project.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	return projects, rows.Err()
}

func (a *Adapter) DeleteProject(ctx context.Context, id int64) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM user_records WHERE project_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete project user records: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

func (a *Adapter) UpsertUserRecord(ctx context.Context, record *storage.UserRecord) error {
	query := `INSERT INTO user_records (project_id, user_id, domain, is_valuable)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (project_id, user_id) DO UPDATE SET
				  domain = EXCLUDED.domain,
				  is_valuable = EXCLUDED.is_valuable,
				  updated_at = NOW()
			  RETURNING id, created_at, updated_at`

	err := a.db.QueryRowContext(ctx, query, record.ProjectID, record.UserID, record.Domain, record.IsValuable).
		Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user record: %w", err)
	}
	return nil
}

func (a *Adapter) GetUserRecord(ctx context.Context, projectID, userID int64) (*storage.UserRecord, error) {
	query := `SELECT id, project_id, user_id, domain, is_valuable, created_at, updated_at
			  FROM user_records WHERE project_id = $1 AND user_id = $2`

	record := &storage.UserRecord{}
	err := a.db.QueryRowContext(ctx, query, projectID, userID).Scan(&record.ID, &record.ProjectID,
		&record.UserID, &record.Domain, &record.IsValuable, &record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("user record")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user record: %w", err)
	}

	return record, nil
}

func (a *Adapter) FindUserRecordsByDomain(ctx context.Context, domain string, isValuable bool) ([]*storage.UserRecord, error) {
	query := `SELECT id, project_id, user_id, domain, is_valuable, created_at, updated_at
			  FROM user_records WHERE domain = $1 AND is_valuable = $2
			  ORDER BY project_id ASC, id ASC`

	rows, err := a.db.QueryContext(ctx, query, domain, isValuable)
	if err != nil {
		return nil, fmt.Errorf("failed to find user records: %w", err)
	}
	defer rows.Close()

	var records []*storage.UserRecord
	for rows.Next() {
		record := &storage.UserRecord{}
		err := rows.Scan(&record.ID, &record.ProjectID, &record.UserID, &record.Domain,
			&record.IsValuable, &record.CreatedAt, &record.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (a *Adapter) SetUserRecordsValuable(ctx context.Context, ids []int64, isValuable bool) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, isValuable)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE user_records SET is_valuable = $1, updated_at = NOW()
			  WHERE id IN (%s)`, strings.Join(placeholders, ","))

	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update user records: %w", err)
	}
	return nil
}

func (a *Adapter) AddBlockedDomain(ctx context.Context, domain string) error {
	query := `INSERT INTO blocked_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`
	if _, err := a.db.ExecContext(ctx, query, domain); err != nil {
		return fmt.Errorf("failed to add blocked domain: %w", err)
	}
	return nil
}

func (a *Adapter) RemoveBlockedDomain(ctx context.Context, domain string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM blocked_domains WHERE domain = $1`, domain); err != nil {
		return fmt.Errorf("failed to remove blocked domain: %w", err)
	}
	return nil
}

func (a *Adapter) IsDomainBlocked(ctx context.Context, domain string) (bool, error) {
	var blocked bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocked_domains WHERE domain = $1)`, domain).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked domain: %w", err)
	}
	return blocked, nil
}

func (a *Adapter) ListBlockedDomains(ctx context.Context) ([]*storage.BlockedDomain, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, domain, created_at FROM blocked_domains ORDER BY domain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked domains: %w", err)
	}
	defer rows.Close()

	var domains []*storage.BlockedDomain
	for rows.Next() {
		d := &storage.BlockedDomain{}
		if err := rows.Scan(&d.ID, &d.Domain, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocked domain: %w", err)
		}
		domains = append(domains, d)
	}

	return domains, rows.Err()
}

func (a *Adapter) Health() error {
	return a.db.Ping()
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

var _ storage.Storage = (*Adapter)(nil)
