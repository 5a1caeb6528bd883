package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasontalley/pact-sub013/internal/apperr"
)

const commitmentColumns = `id, seq, commitment_id, canonical_json, content_hash, committed_by,
	committed_at, invariant_checks_json, override_justification, COALESCE(supersedes, ''),
	COALESCE(superseded_by, ''), supersession_reason, status, chain_version`

// FormatCommitmentID renders the display id for the n-th commitment.
func FormatCommitmentID(n int64) string {
	return fmt.Sprintf("COM-%03d", n)
}

// InsertCommitment freezes a new commitment. Every atom must still be a
// draft at the version in ExpectVersions, otherwise the whole write is
// rolled back with a ConcurrencyConflict.
func (s *SQLiteStore) InsertCommitment(ctx context.Context, w *CommitmentWrite) (*Commitment, error) {
	if err := validateWrite(w); err != nil {
		return nil, err
	}

	var out *Commitment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		for _, id := range w.AtomIDs {
			if err := casAtom(ctx, tx, id, "draft", "committed", w.ExpectVersions[id], now); err != nil {
				return err
			}
		}

		c, err := s.insertCommitmentRow(ctx, tx, w, "", 1, now)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SupersedeCommitment replaces an active commitment. The new row points back
// at the old one, the old row flips to superseded and gains a forward
// pointer; its canonical_json is never touched. Atoms that leave the chain
// become superseded, new atoms move from draft to committed.
func (s *SQLiteStore) SupersedeCommitment(ctx context.Context, oldID string, w *CommitmentWrite) (*Commitment, error) {
	if err := validateWrite(w); err != nil {
		return nil, err
	}

	var out *Commitment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := getCommitment(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if old.Status != CommitmentActive {
			return &apperr.ConcurrencyConflict{Entity: "commitment", ID: old.CommitmentID, Reason: "already superseded"}
		}

		oldMembers, err := commitmentAtomIDs(ctx, tx, old.ID)
		if err != nil {
			return err
		}
		inOld := make(map[string]bool, len(oldMembers))
		for _, id := range oldMembers {
			inOld[id] = true
		}

		now := s.nowMs()
		c, err := s.insertCommitmentRow(ctx, tx, w, old.ID, old.ChainVersion+1, now)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE commitments SET status = 'superseded', superseded_by = ?
			WHERE id = ? AND status = 'active'
		`, c.ID, old.ID)
		if err != nil {
			return mapWriteError("commitment", old.CommitmentID, "supersede", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &apperr.ConcurrencyConflict{Entity: "commitment", ID: old.CommitmentID, Reason: "no longer active"}
		}

		inNew := make(map[string]bool, len(w.AtomIDs))
		for _, id := range w.AtomIDs {
			inNew[id] = true
			from, to := "draft", "committed"
			if inOld[id] {
				from = "committed"
			}
			if err := casAtom(ctx, tx, id, from, to, w.ExpectVersions[id], now); err != nil {
				return err
			}
		}
		for _, id := range oldMembers {
			if inNew[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE atoms SET status = 'superseded', version = version + 1, updated_at = ?
				WHERE atom_id = ? AND status = 'committed'
			`, now, id); err != nil {
				return mapWriteError("atom", id, "supersede", err)
			}
		}

		out, err = getCommitment(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateWrite(w *CommitmentWrite) error {
	if w == nil {
		return errors.New("commitment cannot be nil")
	}
	if len(w.AtomIDs) == 0 {
		return apperr.Invalid("atomIds", "must not be empty")
	}
	if w.CommittedBy == "" {
		return apperr.Invalid("committedBy", "is required")
	}
	if w.CanonicalJSON == "" {
		return errors.New("canonical_json is required")
	}
	return nil
}

// casAtom moves one atom from status `from` to `to` if its version still
// matches. A zero expected version skips the version check.
func casAtom(ctx context.Context, tx *sql.Tx, atomID, from, to string, version, now int64) error {
	query := `UPDATE atoms SET status = ?, version = version + 1, updated_at = ?
		WHERE atom_id = ? AND status = ?`
	args := []any{to, now, atomID, from}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError("atom", atomID, "commit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &apperr.ConcurrencyConflict{
			Entity: "atom",
			ID:     atomID,
			Reason: fmt.Sprintf("expected status %s at version %d", from, version),
		}
	}
	return nil
}

func (s *SQLiteStore) insertCommitmentRow(ctx context.Context, tx *sql.Tx, w *CommitmentWrite, supersedes string, chainVersion int, now int64) (*Commitment, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM commitments`).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to allocate commitment id: %w", err)
	}

	checks := w.InvariantChecksJSON
	if checks == "" {
		checks = "[]"
	}
	var sup sql.NullString
	if supersedes != "" {
		sup = sql.NullString{String: supersedes, Valid: true}
	}

	c := &Commitment{
		ID:                    uuid.NewString(),
		Seq:                   next,
		CommitmentID:          FormatCommitmentID(next),
		CanonicalJSON:         w.CanonicalJSON,
		ContentHash:           w.ContentHash,
		CommittedBy:           w.CommittedBy,
		CommittedAt:           now,
		InvariantChecksJSON:   checks,
		OverrideJustification: w.OverrideJustification,
		Supersedes:            supersedes,
		SupersessionReason:    w.SupersessionReason,
		Status:                CommitmentActive,
		ChainVersion:          chainVersion,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO commitments (
			id, seq, commitment_id, canonical_json, content_hash, committed_by, committed_at,
			invariant_checks_json, override_justification, supersedes, supersession_reason,
			status, chain_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Seq, c.CommitmentID, c.CanonicalJSON, c.ContentHash, c.CommittedBy, c.CommittedAt,
		c.InvariantChecksJSON, c.OverrideJustification, sup, c.SupersessionReason,
		c.Status, c.ChainVersion)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, &apperr.ConcurrencyConflict{Entity: "commitment", ID: c.CommitmentID, Reason: "id taken"}
		}
		return nil, fmt.Errorf("failed to insert commitment: %w", err)
	}

	for _, atomID := range w.AtomIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commitment_atoms (commitment_id, atom_id) VALUES (?, ?)`, c.ID, atomID,
		); err != nil {
			return nil, fmt.Errorf("failed to link atom %s: %w", atomID, err)
		}
	}
	return c, nil
}

// GetCommitment looks a commitment up by row id or display id (COM-NNN).
func (s *SQLiteStore) GetCommitment(ctx context.Context, ref string) (*Commitment, error) {
	if ref == "" {
		return nil, errors.New("commitment id is required")
	}
	return getCommitment(ctx, s.db, ref)
}

func getCommitment(ctx context.Context, q queryer, ref string) (*Commitment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+commitmentColumns+` FROM commitments WHERE id = ? OR commitment_id = ?
	`, ref, ref)

	var c Commitment
	err := row.Scan(&c.ID, &c.Seq, &c.CommitmentID, &c.CanonicalJSON, &c.ContentHash, &c.CommittedBy,
		&c.CommittedAt, &c.InvariantChecksJSON, &c.OverrideJustification, &c.Supersedes,
		&c.SupersededBy, &c.SupersessionReason, &c.Status, &c.ChainVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommitmentNotFound
		}
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return &c, nil
}

// CommitmentAtomIDs lists the atoms frozen into a commitment.
func (s *SQLiteStore) CommitmentAtomIDs(ctx context.Context, id string) ([]string, error) {
	return commitmentAtomIDs(ctx, s.db, id)
}

func commitmentAtomIDs(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ca.atom_id FROM commitment_atoms ca
		JOIN atoms a ON a.atom_id = ca.atom_id
		WHERE ca.commitment_id = ? ORDER BY a.seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitment atoms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var atomID string
		if err := rows.Scan(&atomID); err != nil {
			return nil, err
		}
		ids = append(ids, atomID)
	}
	return ids, rows.Err()
}

// ActiveCommitmentForAtom returns the active commitment holding atomID.
func (s *SQLiteStore) ActiveCommitmentForAtom(ctx context.Context, atomID string) (*Commitment, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id FROM commitments c
		JOIN commitment_atoms ca ON ca.commitment_id = c.id
		WHERE ca.atom_id = ? AND c.status = 'active'
		ORDER BY c.seq DESC LIMIT 1
	`, atomID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommitmentNotFound
		}
		return nil, fmt.Errorf("failed to find commitment for atom: %w", err)
	}
	return s.GetCommitment(ctx, id)
}

// DeleteCommitment always fails for existing commitments: the ledger is
// append-only and a trigger refuses the delete.
func (s *SQLiteStore) DeleteCommitment(ctx context.Context, id string) error {
	c, err := s.GetCommitment(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM commitments WHERE id = ?`, c.ID)
	if err != nil {
		return mapWriteError("commitment", c.CommitmentID, "delete", err)
	}
	// Unreachable while the trigger exists; refuse anyway.
	return &apperr.ImmutabilityViolation{Entity: "commitment", ID: c.CommitmentID, Op: "delete"}
}

// mapWriteError turns trigger aborts into ImmutabilityViolation.
func mapWriteError(entity, id, op string, err error) error {
	if isImmutableError(err) {
		return &apperr.ImmutabilityViolation{Entity: entity, ID: id, Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s %s %s: %w", op, entity, id, err)
}

// MapWriteError is exported for callers issuing raw statements through DB().
func MapWriteError(entity, id, op string, err error) error {
	return mapWriteError(entity, id, op, err)
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
