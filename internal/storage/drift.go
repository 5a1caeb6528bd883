package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jasontalley/pact-sub013/internal/apperr"
)

const driftColumns = `id, project_id, file_path, test_name, drift_type, status, severity, detail,
	detected_by_run_id, last_confirmed_by_run_id, resolved_by_run_id, detected_at,
	last_confirmed_at, resolved_at, age_days, confirmation_count, due_at, exception_lane,
	justification`

// QueryDriftItems lists drift items matching q.
func (s *SQLiteStore) QueryDriftItems(ctx context.Context, q DriftQuery) ([]DriftItem, error) {
	query := `SELECT ` + driftColumns + ` FROM drift_items WHERE 1=1`
	args := make([]any, 0)

	if q.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, q.ProjectID)
	}
	if len(q.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(q.Statuses)) + ")"
		for _, st := range q.Statuses {
			args = append(args, st)
		}
	}
	if len(q.Types) > 0 {
		query += " AND drift_type IN (" + placeholders(len(q.Types)) + ")"
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY due_at, file_path, test_name, drift_type"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift items: %w", err)
	}
	defer rows.Close()

	var out []DriftItem
	for rows.Next() {
		it, err := scanDriftItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// GetDriftItem retrieves a drift item by ID.
func (s *SQLiteStore) GetDriftItem(ctx context.Context, id string) (*DriftItem, error) {
	return getDriftItem(ctx, s.db, id)
}

func getDriftItem(ctx context.Context, q queryer, id string) (*DriftItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+driftColumns+` FROM drift_items WHERE id = ?`, id)
	it, err := scanDriftItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDriftItemNotFound
		}
		return nil, fmt.Errorf("failed to get drift item: %w", err)
	}
	return it, nil
}

func scanDriftItem(row scanner) (*DriftItem, error) {
	var it DriftItem
	err := row.Scan(&it.ID, &it.ProjectID, &it.FilePath, &it.TestName, &it.DriftType, &it.Status,
		&it.Severity, &it.Detail, &it.DetectedByRunID, &it.LastConfirmedByRunID, &it.ResolvedByRunID,
		&it.DetectedAt, &it.LastConfirmedAt, &it.ResolvedAt, &it.AgeDays, &it.ConfirmationCount,
		&it.DueAt, &it.ExceptionLane, &it.Justification)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// ApplyDriftBatch writes one run's drift changes atomically. An insert that
// collides with a live item for the same key surfaces as a conflict rather
// than a duplicate.
func (s *SQLiteStore) ApplyDriftBatch(ctx context.Context, b *DriftBatch) error {
	if b == nil {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range b.Insert {
			if it.ID == "" {
				it.ID = uuid.NewString()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO drift_items (`+driftColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, it.ID, it.ProjectID, it.FilePath, it.TestName, it.DriftType, it.Status, it.Severity,
				it.Detail, it.DetectedByRunID, it.LastConfirmedByRunID, it.ResolvedByRunID,
				it.DetectedAt, it.LastConfirmedAt, it.ResolvedAt, it.AgeDays, it.ConfirmationCount,
				it.DueAt, it.ExceptionLane, it.Justification)
			if err != nil {
				if isDuplicateKeyError(err) {
					return &apperr.ConcurrencyConflict{
						Entity: "drift_item",
						ID:     it.FilePath + "::" + it.TestName + "/" + it.DriftType,
						Reason: "live item already exists",
					}
				}
				return fmt.Errorf("failed to insert drift item: %w", err)
			}
		}

		for _, it := range b.Confirm {
			res, err := tx.ExecContext(ctx, `
				UPDATE drift_items SET
					last_confirmed_by_run_id = ?, last_confirmed_at = ?, age_days = ?,
					confirmation_count = ?, severity = ?, detail = ?
				WHERE id = ? AND status IN ('open', 'acknowledged')
			`, it.LastConfirmedByRunID, it.LastConfirmedAt, it.AgeDays,
				it.ConfirmationCount, it.Severity, it.Detail, it.ID)
			if err != nil {
				return fmt.Errorf("failed to confirm drift item: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &apperr.ConcurrencyConflict{Entity: "drift_item", ID: it.ID, Reason: "no longer live"}
			}
		}

		for _, it := range b.Resolve {
			res, err := tx.ExecContext(ctx, `
				UPDATE drift_items SET status = 'resolved', resolved_by_run_id = ?, resolved_at = ?, age_days = ?
				WHERE id = ? AND status IN ('open', 'acknowledged')
			`, it.ResolvedByRunID, it.ResolvedAt, it.AgeDays, it.ID)
			if err != nil {
				return fmt.Errorf("failed to resolve drift item: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &apperr.ConcurrencyConflict{Entity: "drift_item", ID: it.ID, Reason: "no longer live"}
			}
		}
		return nil
	})
}

// SetDriftStatus moves an item between statuses, guarded by the allowed
// source statuses. A non-empty justification replaces the stored one.
func (s *SQLiteStore) SetDriftStatus(ctx context.Context, id string, from []string, to, justification string) (*DriftItem, error) {
	if id == "" {
		return nil, errors.New("drift item id is required")
	}

	var out *DriftItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getDriftItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if !containsString(from, cur.Status) {
			return &apperr.ConcurrencyConflict{
				Entity: "drift_item",
				ID:     id,
				Reason: fmt.Sprintf("status is %s", cur.Status),
			}
		}

		if justification == "" {
			justification = cur.Justification
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE drift_items SET status = ?, justification = ? WHERE id = ?`,
			to, justification, id,
		); err != nil {
			return fmt.Errorf("failed to update drift item: %w", err)
		}

		out, err = getDriftItem(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
