// Package state persists last-known workspace state per user.
//
// A single row per user records which repository, branch, and directory the
// user was working in. Sessions are ephemeral; this store is what lets a new
// session pick up where the previous one left off after a daemon restart.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no state exists for the user.
var ErrNotFound = errors.New("workspace state not found")

// WorkspaceState is the durable per-user record. SystemUsername anchors the
// user's workspace root and is written only by session creation and clone,
// never from client-supplied state updates.
type WorkspaceState struct {
	UserID         string
	SystemUsername string
	ProjectSlug    string
	WorkspacePath  string
	RepoURL        string
	CurrentBranch  string
	LastUpdated    time.Time
}

// Store wraps the SQLite database holding workspace state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the state database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspace_state (
		user_id         TEXT PRIMARY KEY,
		system_username TEXT NOT NULL DEFAULT '',
		project_slug    TEXT NOT NULL DEFAULT '',
		workspace_path  TEXT NOT NULL DEFAULT '',
		repo_url        TEXT NOT NULL DEFAULT '',
		current_branch  TEXT NOT NULL DEFAULT '',
		last_updated    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before the system_username column gain it here.
	if _, err := s.db.Exec(`ALTER TABLE workspace_state ADD COLUMN system_username TEXT NOT NULL DEFAULT ''`); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return err
		}
	}
	return nil
}

// Get returns the workspace state for userID, or ErrNotFound.
func (s *Store) Get(userID string) (*WorkspaceState, error) {
	row := s.db.QueryRow(`
		SELECT user_id, system_username, project_slug, workspace_path, repo_url, current_branch, last_updated
		FROM workspace_state WHERE user_id = ?`, userID)

	ws := &WorkspaceState{}
	err := row.Scan(&ws.UserID, &ws.SystemUsername, &ws.ProjectSlug, &ws.WorkspacePath, &ws.RepoURL, &ws.CurrentBranch, &ws.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace state: %w", err)
	}
	return ws, nil
}

// Set atomically upserts the workspace state for ws.UserID.
func (s *Store) Set(ws *WorkspaceState) error {
	if ws.UserID == "" {
		return fmt.Errorf("workspace state requires a user id")
	}
	if ws.LastUpdated.IsZero() {
		ws.LastUpdated = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO workspace_state (user_id, system_username, project_slug, workspace_path, repo_url, current_branch, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			system_username = excluded.system_username,
			project_slug    = excluded.project_slug,
			workspace_path  = excluded.workspace_path,
			repo_url        = excluded.repo_url,
			current_branch  = excluded.current_branch,
			last_updated    = excluded.last_updated`,
		ws.UserID, ws.SystemUsername, ws.ProjectSlug, ws.WorkspacePath, ws.RepoURL, ws.CurrentBranch, ws.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace state: %w", err)
	}
	return nil
}

// SetBranch updates only the current branch for userID, creating the row if
// needed. Used by checkout, which must not clobber the rest of the record.
func (s *Store) SetBranch(userID, branch string) error {
	_, err := s.db.Exec(`
		INSERT INTO workspace_state (user_id, current_branch, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_branch = excluded.current_branch,
			last_updated   = excluded.last_updated`,
		userID, branch, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
	}
	return nil
}

// SetUsername updates only the sandbox account backing userID's workspace,
// creating the row if needed. Session creation records it here so later
// requests can resolve the user's workspace root without a live session.
func (s *Store) SetUsername(userID, username string) error {
	_, err := s.db.Exec(`
		INSERT INTO workspace_state (user_id, system_username, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			system_username = excluded.system_username,
			last_updated    = excluded.last_updated`,
		userID, username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update system username: %w", err)
	}
	return nil
}

// Delete removes the workspace state for userID. Deleting absent state is
// not an error.
func (s *Store) Delete(userID string) error {
	_, err := s.db.Exec(`DELETE FROM workspace_state WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace state: %w", err)
	}
	return nil
}
