package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PutManifest stores a manifest unless one already exists for the same
// (project, commit); either way the stored record is returned.
func (s *SQLiteStore) PutManifest(ctx context.Context, m *ManifestRecord) (*ManifestRecord, error) {
	if m == nil {
		return nil, errors.New("manifest cannot be nil")
	}
	if m.ProjectID == "" || m.CommitHash == "" {
		return nil, errors.New("project_id and commit_hash are required")
	}
	if m.ManifestID == "" {
		m.ManifestID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = "complete"
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.nowMs()
	}

	var stored *ManifestRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO manifests (manifest_id, project_id, commit_hash, status, content_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id, commit_hash) DO NOTHING
		`, m.ManifestID, m.ProjectID, m.CommitHash, m.Status, string(m.Content), m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to put manifest: %w", err)
		}
		stored, err = getManifest(ctx, tx, `project_id = ? AND commit_hash = ?`, m.ProjectID, m.CommitHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetManifest retrieves a manifest by ID.
func (s *SQLiteStore) GetManifest(ctx context.Context, manifestID string) (*ManifestRecord, error) {
	return getManifest(ctx, s.db, `manifest_id = ?`, manifestID)
}

// GetManifestByCommit retrieves the manifest for a (project, commit) pair.
func (s *SQLiteStore) GetManifestByCommit(ctx context.Context, projectID, commitHash string) (*ManifestRecord, error) {
	return getManifest(ctx, s.db, `project_id = ? AND commit_hash = ?`, projectID, commitHash)
}

func getManifest(ctx context.Context, q queryer, where string, args ...any) (*ManifestRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT manifest_id, project_id, commit_hash, status, content_json, created_at
		FROM manifests WHERE `+where, args...)

	var (
		m       ManifestRecord
		content string
	)
	if err := row.Scan(&m.ManifestID, &m.ProjectID, &m.CommitHash, &m.Status, &content, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	m.Content = []byte(content)
	return &m, nil
}
