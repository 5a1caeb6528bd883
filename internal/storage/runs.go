package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const runColumns = `run_id, project_id, commit_hash, manifest_id, mode, status, current_phase,
	attestation, exception_lane, justification, source_json, atoms_inferred,
	molecules_inferred, last_error, recovered_from, review_round, created_at, updated_at`

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("run cannot be nil")
	}
	if run.RunID == "" {
		return errors.New(errRunIDRequired)
	}
	if run.ProjectID == "" {
		return errors.New("project_id is required")
	}

	now := s.nowMs()
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.ExceptionLane == "" {
		run.ExceptionLane = "normal"
	}
	if run.SourceJSON == "" {
		run.SourceJSON = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID, run.ProjectID, run.CommitHash, run.ManifestID, run.Mode, run.Status,
		run.CurrentPhase, run.Attestation, run.ExceptionLane, run.Justification, run.SourceJSON,
		run.AtomsInferred, run.MoleculesInferred, run.LastError, run.RecoveredFrom,
		run.ReviewRound, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("run with id %s already exists", run.RunID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, errors.New(errRunIDRequired)
	}
	return getRun(ctx, s.db, runID)
}

func getRun(ctx context.Context, q queryer, runID string) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.RunID, &r.ProjectID, &r.CommitHash, &r.ManifestID, &r.Mode, &r.Status,
		&r.CurrentPhase, &r.Attestation, &r.ExceptionLane, &r.Justification, &r.SourceJSON,
		&r.AtomsInferred, &r.MoleculesInferred, &r.LastError, &r.RecoveredFrom,
		&r.ReviewRound, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRun applies a partial update and returns the updated run. The
// status guard and the write happen in one transaction.
func (s *SQLiteStore) UpdateRun(ctx context.Context, u *RunUpdate) (*Run, error) {
	if u == nil || u.RunID == "" {
		return nil, errors.New(errRunIDRequired)
	}

	sets := []string{"updated_at = ?"}
	args := []any{s.nowMs()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.CurrentPhase != nil {
		add("current_phase", *u.CurrentPhase)
	}
	if u.ManifestID != nil {
		add("manifest_id", *u.ManifestID)
	}
	if u.CommitHash != nil {
		add("commit_hash", *u.CommitHash)
	}
	if u.AtomsInferred != nil {
		add("atoms_inferred", *u.AtomsInferred)
	}
	if u.MoleculesInferred != nil {
		add("molecules_inferred", *u.MoleculesInferred)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.ReviewRound != nil {
		add("review_round", *u.ReviewRound)
	}

	var updated *Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRun(ctx, tx, u.RunID)
		if err != nil {
			return err
		}
		if len(u.ExpectStatus) > 0 && !containsString(u.ExpectStatus, current.Status) {
			return fmt.Errorf("%w: run %s is %s, expected one of %s",
				ErrRunStateConflict, u.RunID, current.Status, strings.Join(u.ExpectStatus, ","))
		}

		query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE run_id = ?"
		if _, err := tx.ExecContext(ctx, query, append(args, u.RunID)...); err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}

		updated, err = getRun(ctx, tx, u.RunID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// QueryRuns lists runs newest first.
func (s *SQLiteStore) QueryRuns(ctx context.Context, q RunQuery) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
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

	query += " ORDER BY created_at DESC, run_id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// AppendRunError appends to a run's error list. The list is append-only;
// triggers reject updates and deletes.
func (s *SQLiteStore) AppendRunError(ctx context.Context, e *RunError) error {
	if e == nil || e.RunID == "" {
		return errors.New(errRunIDRequired)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = s.nowMs()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_errors (run_id, phase, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.RunID, e.Phase, e.Kind, e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append run error: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListRunErrors returns a run's errors in insertion order.
func (s *SQLiteStore) ListRunErrors(ctx context.Context, runID string) ([]RunError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, kind, message, created_at
		FROM run_errors WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run errors: %w", err)
	}
	defer rows.Close()

	var out []RunError
	for rows.Next() {
		var e RunError
		if err := rows.Scan(&e.ID, &e.RunID, &e.Phase, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendRunEvent appends an event and assigns its sequence number.
func (s *SQLiteStore) AppendRunEvent(ctx context.Context, e *RunEvent) error {
	if e == nil || e.RunID == "" {
		return errors.New(errRunIDRequired)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = s.nowMs()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, e.RunID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate event seq: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (
				run_id, seq, type, status, phase, atoms_inferred,
				molecules_inferred, error_count, message, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.RunID, seq, e.Type, e.Status, e.Phase, e.AtomsInferred,
			e.MoleculesInferred, e.ErrorCount, e.Message, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append run event: %w", err)
		}
		e.Seq = seq
		return nil
	})
}

// ListRunEvents returns events with seq > afterSeq in order.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, status, phase, atoms_inferred,
		       molecules_inferred, error_count, message, created_at
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq
	`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &e.Status, &e.Phase, &e.AtomsInferred,
			&e.MoleculesInferred, &e.ErrorCount, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SavePhaseState stores (or replaces) a phase's output snapshot.
func (s *SQLiteStore) SavePhaseState(ctx context.Context, ps *PhaseState) error {
	if ps == nil || ps.RunID == "" {
		return errors.New(errRunIDRequired)
	}
	if ps.Phase == "" {
		return errors.New("phase is required")
	}
	now := s.nowMs()
	if ps.CreatedAt == 0 {
		ps.CreatedAt = now
	}
	ps.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_phase_state (run_id, phase, manifest_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, phase) DO UPDATE SET
			manifest_id = excluded.manifest_id,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`, ps.RunID, ps.Phase, ps.ManifestID, string(ps.StateJSON), ps.CreatedAt, ps.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save phase state: %w", err)
	}
	return nil
}

// GetPhaseState returns one phase snapshot.
func (s *SQLiteStore) GetPhaseState(ctx context.Context, runID, phase string) (*PhaseState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, phase, manifest_id, state_json, created_at, updated_at
		FROM manifest_phase_state WHERE run_id = ? AND phase = ?
	`, runID, phase)

	ps, err := scanPhaseState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPhaseStateNotFound
		}
		return nil, fmt.Errorf("failed to get phase state: %w", err)
	}
	return ps, nil
}

// ListPhaseStates returns every snapshot stored for a run.
func (s *SQLiteStore) ListPhaseStates(ctx context.Context, runID string) ([]PhaseState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, phase, manifest_id, state_json, created_at, updated_at
		FROM manifest_phase_state WHERE run_id = ? ORDER BY created_at, phase
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase states: %w", err)
	}
	defer rows.Close()

	var out []PhaseState
	for rows.Next() {
		ps, err := scanPhaseState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase state: %w", err)
		}
		out = append(out, *ps)
	}
	return out, rows.Err()
}

func scanPhaseState(row scanner) (*PhaseState, error) {
	var (
		ps    PhaseState
		state string
	)
	if err := row.Scan(&ps.RunID, &ps.Phase, &ps.ManifestID, &state, &ps.CreatedAt, &ps.UpdatedAt); err != nil {
		return nil, err
	}
	ps.StateJSON = []byte(state)
	return &ps, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
