package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/intent"
)

const atomColumns = `atom_id, description, category, status, outcomes_json, confidence,
	source_file, source_test, source_line, evidence_json, origin_json, run_id, temp_id,
	version, created_at, updated_at`

// CreateAtom inserts a single draft atom and assigns its IA-NNN id.
func (s *SQLiteStore) CreateAtom(ctx context.Context, a *intent.Atom) error {
	if a == nil {
		return errors.New("atom cannot be nil")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertAtom(ctx, tx, a)
	})
}

func (s *SQLiteStore) insertAtom(ctx context.Context, tx *sql.Tx, a *intent.Atom) error {
	if a.Description == "" {
		return errors.New("description is required")
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM atoms`).Scan(&next); err != nil {
		return fmt.Errorf("failed to allocate atom id: %w", err)
	}

	outcomes, err := json.Marshal(nonNil(a.ObservableOutcomes))
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}
	evidence, err := json.Marshal(nonNil(a.SourceEvidence))
	if err != nil {
		return fmt.Errorf("failed to encode evidence: %w", err)
	}
	origin, err := intent.MarshalOrigin(a.Origin)
	if err != nil {
		return err
	}

	now := s.nowMs()
	a.ID = intent.FormatAtomID(next)
	if a.Status == "" {
		a.Status = intent.AtomDraft
	}
	a.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO atoms (seq, `+atomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		next, a.ID, a.Description, string(a.Category), string(a.Status), string(outcomes),
		a.Confidence, a.SourceTest.FilePath, a.SourceTest.TestName, a.SourceTest.Line,
		string(evidence), string(origin), a.RunID, a.TempID, a.Version, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert atom: %w", err)
	}
	return nil
}

// PersistRunOutput stores a run's approved atoms and its molecules in one
// transaction. Molecule parents are checked for cycles before insert. Any
// atom or molecule already stored for the run means the output was written
// before, and ErrRunOutputExists is returned.
func (s *SQLiteStore) PersistRunOutput(ctx context.Context, out *RunOutput) (*RunOutputResult, error) {
	if out == nil || out.RunID == "" {
		return nil, errors.New(errRunIDRequired)
	}

	hier := intent.NewHierarchy()
	for _, m := range out.Molecules {
		if err := hier.Add(m.ID, ""); err != nil {
			return nil, err
		}
	}
	for _, m := range out.Molecules {
		if m.ParentID == "" {
			continue
		}
		if err := hier.SetParent(m.ID, m.ParentID); err != nil {
			return nil, apperr.Invalid("molecules."+m.ID+".parent", "%v", err)
		}
	}

	res := &RunOutputResult{
		AtomIDs:     make(map[string]string, len(out.Atoms)),
		MoleculeIDs: make(map[string]string, len(out.Molecules)),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM atoms WHERE run_id = ?)
			     + (SELECT COUNT(*) FROM molecules WHERE run_id = ?)
		`, out.RunID, out.RunID).Scan(&existing); err != nil {
			return fmt.Errorf("failed to check run output: %w", err)
		}
		if existing > 0 {
			return ErrRunOutputExists
		}

		for _, a := range out.Atoms {
			a.RunID = out.RunID
			if err := s.insertAtom(ctx, tx, a); err != nil {
				return err
			}
			if a.TempID != "" {
				res.AtomIDs[a.TempID] = a.ID
			}
		}

		// Parents before children so the FK holds.
		for _, m := range orderByDepth(out.Molecules, hier) {
			res.MoleculeIDs[m.ID] = uuid.NewString()
		}
		for _, m := range orderByDepth(out.Molecules, hier) {
			atomIDs := make([]string, 0, len(m.AtomIDs))
			for _, tmp := range m.AtomIDs {
				if id, ok := res.AtomIDs[tmp]; ok {
					atomIDs = append(atomIDs, id)
				} else {
					// Atoms that were not approved keep their temp reference.
					atomIDs = append(atomIDs, tmp)
				}
			}
			ids, err := json.Marshal(atomIDs)
			if err != nil {
				return fmt.Errorf("failed to encode molecule atoms: %w", err)
			}

			var parent sql.NullString
			if m.ParentID != "" {
				parent = sql.NullString{String: res.MoleculeIDs[m.ParentID], Valid: true}
			}

			tempID := m.ID
			m.ID = res.MoleculeIDs[tempID]
			m.AtomIDs = atomIDs
			m.RunID = out.RunID
			m.ParentID = parent.String

			_, err = tx.ExecContext(ctx, `
				INSERT INTO molecules (molecule_id, run_id, temp_id, name, description,
					atom_ids_json, confidence, parent_id, degraded, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, out.RunID, tempID, m.Name, m.Description, string(ids),
				m.Confidence, parent, boolToInt(m.Degraded), s.nowMs())
			if err != nil {
				return fmt.Errorf("failed to insert molecule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// orderByDepth returns molecules sorted so every parent precedes its children.
func orderByDepth(ms []*intent.Molecule, h *intent.Hierarchy) []*intent.Molecule {
	out := make([]*intent.Molecule, 0, len(ms))
	for depth := 0; len(out) < len(ms) && depth <= intent.MaxHierarchyDepth; depth++ {
		for _, m := range ms {
			if len(h.Ancestors(m.ID)) == depth {
				out = append(out, m)
			}
		}
	}
	return out
}

// GetAtom retrieves an atom by ID.
func (s *SQLiteStore) GetAtom(ctx context.Context, atomID string) (*intent.Atom, error) {
	if atomID == "" {
		return nil, errors.New(errAtomIDRequired)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+atomColumns+` FROM atoms WHERE atom_id = ?`, atomID)
	a, err := scanAtom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAtomNotFound
		}
		return nil, fmt.Errorf("failed to get atom: %w", err)
	}
	return a, nil
}

// GetAtoms returns the atoms that exist among atomIDs, in id order.
// Missing ids are simply absent from the result.
func (s *SQLiteStore) GetAtoms(ctx context.Context, atomIDs []string) ([]*intent.Atom, error) {
	if len(atomIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(atomIDs))
	for i, id := range atomIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+atomColumns+` FROM atoms
		WHERE atom_id IN (`+placeholders(len(atomIDs))+`) ORDER BY seq
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get atoms: %w", err)
	}
	return collectAtoms(rows)
}

// QueryAtoms lists atoms matching q in id order.
func (s *SQLiteStore) QueryAtoms(ctx context.Context, q AtomQuery) ([]*intent.Atom, error) {
	query := `SELECT ` + atomColumns + ` FROM atoms WHERE 1=1`
	args := make([]any, 0)

	if len(q.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(q.Statuses)) + ")"
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if q.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, q.RunID)
	}
	query += " ORDER BY seq"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query atoms: %w", err)
	}
	return collectAtoms(rows)
}

// DeleteAtom removes a draft atom. Committed and superseded atoms are
// refused by a trigger.
func (s *SQLiteStore) DeleteAtom(ctx context.Context, atomID string) error {
	if atomID == "" {
		return errors.New(errAtomIDRequired)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM atoms WHERE atom_id = ?`, atomID)
	if err != nil {
		if isImmutableError(err) {
			return &apperr.ImmutabilityViolation{Entity: "atom", ID: atomID, Op: "delete", Err: err}
		}
		return fmt.Errorf("failed to delete atom: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAtomNotFound
	}
	return nil
}

// ListMolecules returns the molecules persisted for a run.
func (s *SQLiteStore) ListMolecules(ctx context.Context, runID string) ([]*intent.Molecule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT molecule_id, name, description, atom_ids_json, confidence,
		       COALESCE(parent_id, ''), degraded, run_id, created_at
		FROM molecules WHERE run_id = ? ORDER BY created_at, molecule_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list molecules: %w", err)
	}
	defer rows.Close()

	var out []*intent.Molecule
	for rows.Next() {
		var (
			m        intent.Molecule
			ids      string
			degraded int
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &ids, &m.Confidence,
			&m.ParentID, &degraded, &m.RunID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan molecule: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &m.AtomIDs); err != nil {
			return nil, fmt.Errorf("failed to decode molecule atoms: %w", err)
		}
		m.Degraded = degraded != 0
		m.CreatedAt = msToTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func collectAtoms(rows *sql.Rows) ([]*intent.Atom, error) {
	defer rows.Close()
	var out []*intent.Atom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan atom: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAtom(row scanner) (*intent.Atom, error) {
	var (
		a                          intent.Atom
		category, status           string
		outcomes, evidence, origin string
		created, updated           int64
	)
	err := row.Scan(&a.ID, &a.Description, &category, &status, &outcomes, &a.Confidence,
		&a.SourceTest.FilePath, &a.SourceTest.TestName, &a.SourceTest.Line,
		&evidence, &origin, &a.RunID, &a.TempID, &a.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Category = intent.Category(category)
	a.Status = intent.AtomStatus(status)
	if err := json.Unmarshal([]byte(outcomes), &a.ObservableOutcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &a.SourceEvidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if a.Origin, err = intent.UnmarshalOrigin([]byte(origin)); err != nil {
		return nil, err
	}
	a.CreatedAt = msToTime(created)
	a.UpdatedAt = msToTime(updated)
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
