package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"ranker/internal/common/errors"
	"ranker/internal/storage"
)

// Adapter implements storage.Storage on top of SQLite.
type Adapter struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and runs migrations.
func New(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
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
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			intercom_app_id TEXT NOT NULL UNIQUE,
			intercom_api_key TEXT NOT NULL,
			aws_access_id TEXT NOT NULL,
			aws_secret_access_key TEXT NOT NULL,
			webhook_secret TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects (id),
			user_id INTEGER NOT NULL,
			domain TEXT NOT NULL,
			is_valuable BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_domains (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
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
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := a.db.ExecContext(ctx, query, project.Title, project.IntercomAppID,
		project.IntercomAPIKey, project.AWSAccessID, project.AWSSecretAccessKey, project.WebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	project.ID = id
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
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`
	return a.scanProject(a.db.QueryRowContext(ctx, query, id))
}

func (a *Adapter) GetProjectByWebhookSecret(ctx context.Context, secret string) (*storage.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE webhook_secret = ?`
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
	if _, err := a.db.ExecContext(ctx, `DELETE FROM user_records WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project user records: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// UpsertUserRecord inserts or updates by the (project_id, user_id) unique
// key. Last write wins; concurrent callers rely on the constraint, not locks.
func (a *Adapter) UpsertUserRecord(ctx context.Context, record *storage.UserRecord) error {
	query := `INSERT INTO user_records (project_id, user_id, domain, is_valuable)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT(project_id, user_id) DO UPDATE SET
				  domain = excluded.domain,
				  is_valuable = excluded.is_valuable,
				  updated_at = CURRENT_TIMESTAMP`

	if _, err := a.db.ExecContext(ctx, query, record.ProjectID, record.UserID, record.Domain, record.IsValuable); err != nil {
		return fmt.Errorf("failed to upsert user record: %w", err)
	}

	row := a.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM user_records WHERE project_id = ? AND user_id = ?`,
		record.ProjectID, record.UserID)
	if err := row.Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return fmt.Errorf("failed to read back user record: %w", err)
	}

	return nil
}

func (a *Adapter) GetUserRecord(ctx context.Context, projectID, userID int64) (*storage.UserRecord, error) {
	query := `SELECT id, project_id, user_id, domain, is_valuable, created_at, updated_at
			  FROM user_records WHERE project_id = ? AND user_id = ?`

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

// FindUserRecordsByDomain returns records ordered by project_id so the
// block-list handler can flush per-project groups in a single pass.
func (a *Adapter) FindUserRecordsByDomain(ctx context.Context, domain string, isValuable bool) ([]*storage.UserRecord, error) {
	query := `SELECT id, project_id, user_id, domain, is_valuable, created_at, updated_at
			  FROM user_records WHERE domain = ? AND is_valuable = ?
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

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`UPDATE user_records SET is_valuable = ?, updated_at = CURRENT_TIMESTAMP
			  WHERE id IN (%s)`, placeholders)

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, isValuable)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := a.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update user records: %w", err)
	}
	return nil
}

func (a *Adapter) AddBlockedDomain(ctx context.Context, domain string) error {
	// Idempotent; re-adding an already blocked domain is a no-op
	query := `INSERT INTO blocked_domains (domain) VALUES (?) ON CONFLICT(domain) DO NOTHING`
	if _, err := a.db.ExecContext(ctx, query, domain); err != nil {
		return fmt.Errorf("failed to add blocked domain: %w", err)
	}
	return nil
}

func (a *Adapter) RemoveBlockedDomain(ctx context.Context, domain string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM blocked_domains WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("failed to remove blocked domain: %w", err)
	}
	return nil
}

func (a *Adapter) IsDomainBlocked(ctx context.Context, domain string) (bool, error) {
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_domains WHERE domain = ?`, domain).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked domain: %w", err)
	}
	return count > 0, nil
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
