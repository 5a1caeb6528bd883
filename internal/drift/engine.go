package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jasontalley/pact-sub013/internal/apperr"
	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/storage"
)

// Attestation says who vouches for a run's evidence.
type Attestation string

// Attestations. Only CI-attested runs may touch drift items.
const (
	AttestationLocal Attestation = "local"
	AttestationCI    Attestation = "ci-attested"
)

// Valid reports whether a is a known attestation.
func (a Attestation) Valid() bool { return a == AttestationLocal || a == AttestationCI }

// Lane selects the due-date window of new drift items.
type Lane string

// Lanes. Exception lanes need a justification.
const (
	LaneNormal Lane = "normal"
	LaneHotfix Lane = "hotfix-exception"
	LaneSpike  Lane = "spike-exception"
)

// Valid reports whether l is a known lane. The empty lane means normal.
func (l Lane) Valid() bool { return l == "" || l == LaneNormal || l == LaneHotfix || l == LaneSpike }

// IsException reports whether l needs a justification.
func (l Lane) IsException() bool { return l == LaneHotfix || l == LaneSpike }

// Item statuses.
const (
	StatusOpen         = "open"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
	StatusWaived       = "waived"
)

// Severity levels, lowest first.
var severities = []string{"low", "medium", "high", "critical"}

var baseSeverity = map[Type]string{
	TypeStaleCoupling:     "high",
	TypeOrphanTest:        "medium",
	TypeCommitmentBacklog: "low",
	TypeUncoveredCode:     "low",
}

// ErrLocalAttestation is returned when a local run tries to write drift.
var ErrLocalAttestation = errors.New("drift is only recorded for ci-attested runs")

var live = []string{StatusOpen, StatusAcknowledged}

// Store is the subset of storage the engine uses.
type Store interface {
	QueryDriftItems(ctx context.Context, q storage.DriftQuery) ([]storage.DriftItem, error)
	GetDriftItem(ctx context.Context, id string) (*storage.DriftItem, error)
	ApplyDriftBatch(ctx context.Context, b *storage.DriftBatch) error
	SetDriftStatus(ctx context.Context, id string, from []string, to, justification string) (*storage.DriftItem, error)
}

// Config configures an Engine.
type Config struct {
	NormalWindow   time.Duration
	HotfixWindow   time.Duration
	SpikeWindow    time.Duration
	OverdueCeiling int
	CoverageFloor  float64
	// MaxAttempts bounds retries of Apply after losing a write race.
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

// ConfigFromSettings maps the drift config section.
func ConfigFromSettings(c config.DriftConfig, logger *slog.Logger) Config {
	day := 24 * time.Hour
	return Config{
		NormalWindow:   time.Duration(c.NormalWindowDays) * day,
		HotfixWindow:   time.Duration(c.HotfixWindowDays) * day,
		SpikeWindow:    time.Duration(c.SpikeWindowDays) * day,
		OverdueCeiling: c.OverdueCeiling,
		CoverageFloor:  c.CoverageFloor,
		Logger:         logger,
	}
}

// Engine keeps drift items in step with detection results.
type Engine struct {
	store Store
	cfg   Config
}

// NewEngine creates an engine. Zero windows fall back to 14, 3 and 7 days.
func NewEngine(store Store, cfg Config) *Engine {
	day := 24 * time.Hour
	if cfg.NormalWindow <= 0 {
		cfg.NormalWindow = 14 * day
	}
	if cfg.HotfixWindow <= 0 {
		cfg.HotfixWindow = 3 * day
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = 7 * day
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg}
}

// CoverageFloor is the configured floor for uncovered_code detection.
func (e *Engine) CoverageFloor() float64 { return e.cfg.CoverageFloor }

// Window returns the due-date window of lane.
func (e *Engine) Window(lane Lane) time.Duration {
	switch lane {
	case LaneHotfix:
		return e.cfg.HotfixWindow
	case LaneSpike:
		return e.cfg.SpikeWindow
	default:
		return e.cfg.NormalWindow
	}
}

// RunContext identifies the run applying a detection result.
type RunContext struct {
	RunID         string
	ProjectID     string
	Attestation   Attestation
	Lane          Lane
	Justification string
	// Delta runs only resolve items inside Scope.
	Delta bool
	Scope []string
}

// Validate checks rc. A local attestation is not a validation error; Apply
// reports it separately.
func (rc RunContext) Validate() error {
	var errs apperr.ValidationErrors
	if rc.RunID == "" {
		errs = append(errs, apperr.ValidationError{Field: "runid", Message: "is required"})
	}
	if rc.ProjectID == "" {
		errs = append(errs, apperr.ValidationError{Field: "projectid", Message: "is required"})
	}
	if !rc.Attestation.Valid() {
		errs = append(errs, apperr.ValidationError{Field: "attestation", Message: fmt.Sprintf("unknown attestation %q", rc.Attestation)})
	}
	if !rc.Lane.Valid() {
		errs = append(errs, apperr.ValidationError{Field: "lane", Message: fmt.Sprintf("unknown lane %q", rc.Lane)})
	}
	if rc.Lane.IsException() && strings.TrimSpace(rc.Justification) == "" {
		errs = append(errs, apperr.ValidationError{Field: "justification", Message: "is required for exception lanes"})
	}
	return errs.OrNil()
}

// ApplyResult counts what one Apply changed.
type ApplyResult struct {
	Created    int `json:"created"`
	Confirmed  int `json:"confirmed"`
	Resolved   int `json:"resolved"`
	Suppressed int `json:"suppressed"`
	Escalated  int `json:"escalated"`
}

// Apply folds found into the project's drift items: new discrepancies open
// an item, known ones are confirmed and aged, and live items that were not
// found are resolved. The whole change is one transaction. Losing a race
// with a concurrent run re-reads the items and tries again.
func (e *Engine) Apply(ctx context.Context, rc RunContext, found []Discrepancy) (*ApplyResult, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if rc.Attestation != AttestationCI {
		return nil, ErrLocalAttestation
	}

	op := func() (*ApplyResult, error) {
		batch, res, err := e.plan(ctx, rc, found)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := e.store.ApplyDriftBatch(ctx, batch); err != nil {
			if errors.Is(err, apperr.ErrConcurrencyConflict) && ctx.Err() == nil {
				e.cfg.Logger.Debug("drift apply conflict, retrying", "run_id", rc.RunID, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))
	if err != nil {
		return nil, err
	}

	e.cfg.Logger.Info("drift applied",
		"run_id", rc.RunID, "project_id", rc.ProjectID,
		"created", res.Created, "confirmed", res.Confirmed, "resolved", res.Resolved,
		"suppressed", res.Suppressed, "escalated", res.Escalated)
	return res, nil
}

func (e *Engine) plan(ctx context.Context, rc RunContext, found []Discrepancy) (*storage.DriftBatch, *ApplyResult, error) {
	items, err := e.store.QueryDriftItems(ctx, storage.DriftQuery{
		ProjectID: rc.ProjectID,
		Statuses:  []string{StatusOpen, StatusAcknowledged, StatusWaived},
	})
	if err != nil {
		return nil, nil, err
	}
	open := make(map[string]storage.DriftItem, len(items))
	waived := make(map[string]bool)
	for _, it := range items {
		k := key(it.FilePath, it.TestName, it.DriftType)
		if it.Status == StatusWaived {
			waived[k] = true
			continue
		}
		open[k] = it
	}

	now := e.cfg.Now()
	nowMs := now.UnixMilli()
	lane := rc.Lane
	if lane == "" {
		lane = LaneNormal
	}

	batch := &storage.DriftBatch{}
	res := &ApplyResult{}
	seen := make(map[string]bool, len(found))
	for _, d := range found {
		k := d.Key()
		if seen[k] {
			continue
		}
		seen[k] = true

		if it, ok := open[k]; ok {
			sev := e.severity(Type(it.DriftType), it, now)
			if sev != it.Severity {
				res.Escalated++
			}
			it.LastConfirmedByRunID = rc.RunID
			it.LastConfirmedAt = nowMs
			it.AgeDays = ageDays(it.DetectedAt, now)
			it.ConfirmationCount++
			it.Severity = sev
			if d.Detail != "" {
				it.Detail = d.Detail
			}
			batch.Confirm = append(batch.Confirm, &it)
			res.Confirmed++
			continue
		}
		if waived[k] {
			res.Suppressed++
			continue
		}

		base := baseSeverity[d.Type]
		if base == "" {
			base = "medium"
		}
		batch.Insert = append(batch.Insert, &storage.DriftItem{
			ProjectID:            rc.ProjectID,
			FilePath:             d.FilePath,
			TestName:             d.TestName,
			DriftType:            string(d.Type),
			Status:               StatusOpen,
			Severity:             base,
			Detail:               d.Detail,
			DetectedByRunID:      rc.RunID,
			LastConfirmedByRunID: rc.RunID,
			DetectedAt:           nowMs,
			LastConfirmedAt:      nowMs,
			ConfirmationCount:    1,
			DueAt:                now.Add(e.Window(lane)).UnixMilli(),
			ExceptionLane:        string(lane),
			Justification:        rc.Justification,
		})
		res.Created++
	}

	var scope map[string]bool
	if rc.Delta {
		scope = make(map[string]bool, len(rc.Scope))
		for _, f := range rc.Scope {
			scope[f] = true
		}
	}
	keys := make([]string, 0, len(open))
	for k := range open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if seen[k] {
			continue
		}
		it := open[k]
		if scope != nil && !scope[it.FilePath] {
			continue
		}
		it.ResolvedByRunID = rc.RunID
		it.ResolvedAt = nowMs
		it.AgeDays = ageDays(it.DetectedAt, now)
		batch.Resolve = append(batch.Resolve, &it)
		res.Resolved++
	}
	return batch, res, nil
}

// severity raises an overdue item one level above its type's base, and a
// second level once it is overdue by more than its own window again.
func (e *Engine) severity(t Type, it storage.DriftItem, now time.Time) string {
	base := baseSeverity[t]
	if base == "" {
		base = it.Severity
	}
	due := time.UnixMilli(it.DueAt)
	if !now.After(due) {
		return maxSeverity(base, it.Severity)
	}
	window := due.Sub(time.UnixMilli(it.DetectedAt))
	steps := 1
	if window > 0 && now.Sub(due) > window {
		steps = 2
	}
	return maxSeverity(raise(base, steps), it.Severity)
}

func rank(sev string) int {
	for i, s := range severities {
		if s == sev {
			return i
		}
	}
	return 0
}

func raise(sev string, steps int) string {
	r := rank(sev) + steps
	if r >= len(severities) {
		r = len(severities) - 1
	}
	return severities[r]
}

func maxSeverity(a, b string) string {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func ageDays(detectedMs int64, now time.Time) int {
	d := now.Sub(time.UnixMilli(detectedMs))
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// Summary describes the open drift of a project.
type Summary struct {
	ProjectID        string         `json:"projectId,omitempty"`
	TotalOpen        int            `json:"totalOpen"`
	ByType           map[string]int `json:"byType"`
	BySeverity       map[string]int `json:"bySeverity"`
	OnTrack          int            `json:"onTrack"`
	AtRisk           int            `json:"atRisk"`
	OverdueCount     int            `json:"overdueCount"`
	ConvergenceScore float64        `json:"convergenceScore"`
	Blocking         bool           `json:"blocking"`
}

// atRiskFraction of an item's window elapsed marks it at risk.
const atRiskFraction = 0.8

// Summary aggregates open and acknowledged items. An empty projectID
// summarises every project.
func (e *Engine) Summary(ctx context.Context, projectID string) (*Summary, error) {
	items, err := e.store.QueryDriftItems(ctx, storage.DriftQuery{ProjectID: projectID, Statuses: live})
	if err != nil {
		return nil, err
	}
	now := e.cfg.Now()
	s := &Summary{
		ProjectID:  projectID,
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, it := range items {
		s.TotalOpen++
		s.ByType[it.DriftType]++
		s.BySeverity[it.Severity]++

		detected, due := time.UnixMilli(it.DetectedAt), time.UnixMilli(it.DueAt)
		switch {
		case now.After(due):
			s.OverdueCount++
		case due.Sub(detected) > 0 && float64(now.Sub(detected))/float64(due.Sub(detected)) >= atRiskFraction:
			s.AtRisk++
		default:
			s.OnTrack++
		}
	}
	s.ConvergenceScore = convergence(s.OnTrack, s.AtRisk, s.TotalOpen)
	s.Blocking = s.OverdueCount > e.cfg.OverdueCeiling
	return s, nil
}

// convergence is 100 with nothing open and falls as items age: on-track
// items count fully, at-risk items half, overdue items not at all.
func convergence(onTrack, atRisk, open int) float64 {
	if open == 0 {
		return 100
	}
	score := 100 * (float64(onTrack) + 0.5*float64(atRisk)) / float64(open)
	return float64(int(score*10+0.5)) / 10
}

// PolicyResult is the CI gate verdict for a project.
type PolicyResult struct {
	Passed  bool     `json:"passed"`
	Blocked bool     `json:"blocked"`
	Reason  string   `json:"reason"`
	Summary *Summary `json:"summary"`
}

// CheckCIPolicy fails the build when more items are overdue than the
// configured ceiling allows.
func (e *Engine) CheckCIPolicy(ctx context.Context, projectID string) (*PolicyResult, error) {
	if projectID == "" {
		return nil, apperr.Invalid("projectId", "is required")
	}
	s, err := e.Summary(ctx, projectID)
	if err != nil {
		return nil, err
	}
	r := &PolicyResult{Passed: !s.Blocking, Blocked: s.Blocking, Summary: s}
	if s.Blocking {
		r.Reason = fmt.Sprintf("%d overdue drift item(s) exceed the ceiling of %d", s.OverdueCount, e.cfg.OverdueCeiling)
	} else {
		r.Reason = fmt.Sprintf("%d open drift item(s), %d overdue (ceiling %d)", s.TotalOpen, s.OverdueCount, e.cfg.OverdueCeiling)
	}
	return r, nil
}

// Acknowledge marks an open item as seen. It stays live and keeps aging.
func (e *Engine) Acknowledge(ctx context.Context, id string) (*storage.DriftItem, error) {
	it, err := e.store.SetDriftStatus(ctx, id, []string{StatusOpen}, StatusAcknowledged, "")
	if err != nil {
		return nil, err
	}
	e.cfg.Logger.Info("drift item acknowledged", "drift_id", id)
	return it, nil
}

// Waive closes a live item without resolving it. Later runs do not reopen
// a waived discrepancy.
func (e *Engine) Waive(ctx context.Context, id, justification string) (*storage.DriftItem, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, apperr.Invalid("justification", "is required to waive a drift item")
	}
	it, err := e.store.SetDriftStatus(ctx, id, live, StatusWaived, justification)
	if err != nil {
		return nil, err
	}
	e.cfg.Logger.Warn("drift item waived", "drift_id", id, "justification", justification)
	return it, nil
}

// List returns a project's items in the given statuses.
func (e *Engine) List(ctx context.Context, projectID string, statuses ...string) ([]storage.DriftItem, error) {
	return e.store.QueryDriftItems(ctx, storage.DriftQuery{ProjectID: projectID, Statuses: statuses})
}
