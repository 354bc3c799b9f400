package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/mpataki/autodev/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		base_url TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS recent_projects (
		base_url TEXT NOT NULL,
		project_id TEXT NOT NULL,
		last_opened_at TIMESTAMP NOT NULL,
		total_elements INTEGER NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT '',
		last_prompt TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (base_url, project_id)
	);

	CREATE INDEX IF NOT EXISTS idx_recent_projects_opened ON recent_projects(base_url, last_opened_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveCredentials remembers c, replacing whatever was stored for its engine.
func (s *Storage) SaveCredentials(c *models.Credentials) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO credentials (base_url, username, token, saved_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(base_url) DO UPDATE SET
		   username = excluded.username, token = excluded.token,
		   saved_at = excluded.saved_at, expires_at = excluded.expires_at`,
		c.BaseURL, c.Username, c.Token, c.SavedAt, c.ExpiresAt,
	)
	return err
}

// GetCredentials returns the remembered token for baseURL, or nil when none
// is stored.
func (s *Storage) GetCredentials(baseURL string) (*models.Credentials, error) {
	row := s.db.QueryRow(
		`SELECT base_url, username, token, saved_at, expires_at
		 FROM credentials WHERE base_url = ?`, baseURL,
	)

	var c models.Credentials
	var expiresAt sql.NullTime

	err := row.Scan(&c.BaseURL, &c.Username, &c.Token, &c.SavedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}

	return &c, nil
}

func (s *Storage) DeleteCredentials(baseURL string) error {
	_, err := s.db.Exec(`DELETE FROM credentials WHERE base_url = ?`, baseURL)
	return err
}

// TouchProject records that p was opened, keeping the latest summary seen.
func (s *Storage) TouchProject(p *models.RecentProject) error {
	if p.LastOpenedAt.IsZero() {
		p.LastOpenedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO recent_projects (base_url, project_id, last_opened_at, total_elements, last_status, last_prompt)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(base_url, project_id) DO UPDATE SET
		   last_opened_at = excluded.last_opened_at, total_elements = excluded.total_elements,
		   last_status = excluded.last_status, last_prompt = excluded.last_prompt`,
		p.BaseURL, p.ProjectID, p.LastOpenedAt, p.TotalElements, string(p.LastStatus), p.LastPrompt,
	)
	return err
}

func (s *Storage) ListRecentProjects(baseURL string, limit int) ([]*models.RecentProject, error) {
	rows, err := s.db.Query(
		`SELECT base_url, project_id, last_opened_at, total_elements, last_status, last_prompt
		 FROM recent_projects WHERE base_url = ? ORDER BY last_opened_at DESC LIMIT ?`, baseURL, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.RecentProject
	for rows.Next() {
		var p models.RecentProject
		var status string

		err := rows.Scan(&p.BaseURL, &p.ProjectID, &p.LastOpenedAt, &p.TotalElements, &status, &p.LastPrompt)
		if err != nil {
			return nil, err
		}
		p.LastStatus = models.ExecutionStatus(status)

		projects = append(projects, &p)
	}

	return projects, rows.Err()
}

func (s *Storage) ForgetProject(baseURL, projectID string) error {
	_, err := s.db.Exec(`DELETE FROM recent_projects WHERE base_url = ? AND project_id = ?`, baseURL, projectID)
	return err
}

// Forget drops everything stored for baseURL.
func (s *Storage) Forget(baseURL string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM recent_projects WHERE base_url = ?`, baseURL); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM credentials WHERE base_url = ?`, baseURL); err != nil {
		return err
	}

	return tx.Commit()
}
