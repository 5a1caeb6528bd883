package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the pact configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Inference InferenceConfig `yaml:"inference"`
	Quality   QualityConfig   `yaml:"quality"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Drift     DriftConfig     `yaml:"drift"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // Log file path (empty = stderr)
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	DatabasePath  string `yaml:"database_path"`   // Overrides the default state.db location
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"` // SQLite busy timeout
}

// InferenceConfig selects and tunes the inference backend.
type InferenceConfig struct {
	Backend        string `yaml:"backend"`          // grpc, cli, openai
	GRPCAddress    string `yaml:"grpc_address"`     // host:port or unix:///path
	CLICommand     string `yaml:"cli_command"`      // Command line, prompt is written to stdin
	OpenAIBaseURL  string `yaml:"openai_base_url"`  // Empty = api.openai.com
	OpenAIModel    string `yaml:"openai_model"`     // Chat model name
	OpenAIKeyEnv   string `yaml:"openai_key_env"`   // Env var holding the API key
	TimeoutSecs    int    `yaml:"timeout_secs"`     // Per-call timeout
	BatchSize      int    `yaml:"batch_size"`       // Orphan tests per inference call
	MaxAttempts    int    `yaml:"max_attempts"`     // Retry budget for retryable failures
	InitialBackoff int    `yaml:"initial_backoff_ms"`
	MaxBackoff     int    `yaml:"max_backoff_ms"`
	RedactSecrets  bool   `yaml:"redact_secrets"` // Scrub secrets from evidence before sending
}

// QualityConfig holds quality gate thresholds.
type QualityConfig struct {
	ApproveThreshold     int `yaml:"approve_threshold"`
	ReviseThreshold      int `yaml:"revise_threshold"`
	MinCompleteness      int `yaml:"min_completeness"`
	MinFit               int `yaml:"min_fit"`
	MinAtomsForCoherence int `yaml:"min_atoms_for_coherence"`
	MaxCategories        int `yaml:"max_categories"`
}

// InvariantRule configures a single commitment invariant check.
type InvariantRule struct {
	Enabled  bool   `yaml:"enabled"`
	Severity string `yaml:"severity"` // error or warning
}

// LedgerConfig holds commitment ledger settings.
type LedgerConfig struct {
	MinConfidence float64                  `yaml:"min_confidence"`
	Invariants    map[string]InvariantRule `yaml:"invariants"` // keyed by INV-00N
}

// DriftConfig holds drift debt settings.
type DriftConfig struct {
	NormalWindowDays int     `yaml:"normal_window_days"`
	HotfixWindowDays int     `yaml:"hotfix_window_days"`
	SpikeWindowDays  int     `yaml:"spike_window_days"`
	OverdueCeiling   int     `yaml:"overdue_ceiling"` // CI blocks when overdue exceeds this
	CoverageFloor    float64 `yaml:"coverage_floor"`  // Percent; files below are uncovered_code
}

// ReconcileConfig holds run engine settings.
type ReconcileConfig struct {
	MaxConcurrentRuns int  `yaml:"max_concurrent_runs"`
	EventMirror       bool `yaml:"event_mirror"` // Mirror run events to JSONL under the log dir
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			BusyTimeoutMs: 5000,
		},
		Inference: InferenceConfig{
			Backend:        "cli",
			CLICommand:     "claude --print",
			OpenAIModel:    "gpt-4o-mini",
			OpenAIKeyEnv:   "OPENAI_API_KEY",
			TimeoutSecs:    120,
			BatchSize:      10,
			MaxAttempts:    3,
			InitialBackoff: 500,
			MaxBackoff:     10000,
			RedactSecrets:  true,
		},
		Quality: QualityConfig{
			ApproveThreshold:     80,
			ReviseThreshold:      60,
			MinCompleteness:      60,
			MinFit:               60,
			MinAtomsForCoherence: 2,
			MaxCategories:        2,
		},
		Ledger: LedgerConfig{
			MinConfidence: 0.5,
			Invariants:    DefaultInvariantRules(),
		},
		Drift: DriftConfig{
			NormalWindowDays: 14,
			HotfixWindowDays: 3,
			SpikeWindowDays:  7,
			OverdueCeiling:   0,
			CoverageFloor:    50,
		},
		Reconcile: ReconcileConfig{
			MaxConcurrentRuns: 4,
			EventMirror:       true,
		},
	}
}

// StructuralInvariants are always evaluated as errors; the ledger cannot
// write a commitment that breaks them.
var StructuralInvariants = map[string]bool{"INV-001": true, "INV-002": true}

// DefaultInvariantRules returns the stock invariant configuration.
func DefaultInvariantRules() map[string]InvariantRule {
	return map[string]InvariantRule{
		"INV-001": {Enabled: true, Severity: "error"},
		"INV-002": {Enabled: true, Severity: "error"},
		"INV-003": {Enabled: true, Severity: "error"},
		"INV-004": {Enabled: true, Severity: "warning"},
		"INV-005": {Enabled: true, Severity: "warning"},
		"INV-006": {Enabled: true, Severity: "warning"},
		"INV-007": {Enabled: true, Severity: "warning"},
	}
}

// Load loads configuration from the default path.
func Load() (*Config, error) {
	paths := DefaultPaths()
	return LoadFromFile(paths.ConfigFile())
}

// LoadFromFile loads configuration from the specified file.
// If the file doesn't exist, returns default configuration.
// Environment variable overrides are applied after file loading.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A partial invariants map replaces the defaults wholesale; fill the gaps.
	for id, rule := range DefaultInvariantRules() {
		if _, ok := cfg.Ledger.Invariants[id]; !ok {
			if cfg.Ledger.Invariants == nil {
				cfg.Ledger.Invariants = make(map[string]InvariantRule)
			}
			cfg.Ledger.Invariants[id] = rule
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to the specified file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get retrieves a configuration value by dot-separated key.
// For example: "quality.approve_threshold" or "inference.backend"
func (c *Config) Get(key string) (string, error) {
	section, field, err := splitKey(key)
	if err != nil {
		return "", err
	}

	switch section {
	case "log":
		return c.getLogField(field)
	case "storage":
		return c.getStorageField(field)
	case "inference":
		return c.getInferenceField(field)
	case "quality":
		return c.getQualityField(field)
	case "ledger":
		return c.getLedgerField(field)
	case "drift":
		return c.getDriftField(field)
	case "reconcile":
		return c.getReconcileField(field)
	default:
		return "", fmt.Errorf("unknown section: %s", section)
	}
}

// Set sets a configuration value by dot-separated key.
func (c *Config) Set(key, value string) error {
	section, field, err := splitKey(key)
	if err != nil {
		return err
	}

	switch section {
	case "log":
		return c.setLogField(field, value)
	case "storage":
		return c.setStorageField(field, value)
	case "inference":
		return c.setInferenceField(field, value)
	case "quality":
		return c.setQualityField(field, value)
	case "ledger":
		return c.setLedgerField(field, value)
	case "drift":
		return c.setDriftField(field, value)
	case "reconcile":
		return c.setReconcileField(field, value)
	default:
		return fmt.Errorf("unknown section: %s", section)
	}
}

func splitKey(key string) (string, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", "", errors.New("key must be in format 'section.key'")
	}
	return parts[0], parts[1], nil
}

func parseNonNegative(field, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", field, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be non-negative", field)
	}
	return v, nil
}

func parsePercent(field, value string) (int, error) {
	v, err := parseNonNegative(field, value)
	if err != nil {
		return 0, err
	}
	if v > 100 {
		return 0, fmt.Errorf("invalid %s: must be <= 100", field)
	}
	return v, nil
}

func (c *Config) getLogField(field string) (string, error) {
	switch field {
	case "level":
		return c.Log.Level, nil
	case "file":
		return c.Log.File, nil
	default:
		return "", fmt.Errorf("unknown field: log.%s", field)
	}
}

func (c *Config) setLogField(field, value string) error {
	switch field {
	case "level":
		if !isValidLogLevel(value) {
			return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", value)
		}
		c.Log.Level = value
	case "file":
		c.Log.File = value
	default:
		return fmt.Errorf("unknown field: log.%s", field)
	}
	return nil
}

func (c *Config) getStorageField(field string) (string, error) {
	switch field {
	case "database_path":
		return c.Storage.DatabasePath, nil
	case "busy_timeout_ms":
		return strconv.Itoa(c.Storage.BusyTimeoutMs), nil
	default:
		return "", fmt.Errorf("unknown field: storage.%s", field)
	}
}

func (c *Config) setStorageField(field, value string) error {
	switch field {
	case "database_path":
		c.Storage.DatabasePath = value
	case "busy_timeout_ms":
		v, err := parseNonNegative(field, value)
		if err != nil {
			return err
		}
		c.Storage.BusyTimeoutMs = v
	default:
		return fmt.Errorf("unknown field: storage.%s", field)
	}
	return nil
}

func (c *Config) getInferenceField(field string) (string, error) {
	in := c.Inference
	switch field {
	case "backend":
		return in.Backend, nil
	case "grpc_address":
		return in.GRPCAddress, nil
	case "cli_command":
		return in.CLICommand, nil
	case "openai_base_url":
		return in.OpenAIBaseURL, nil
	case "openai_model":
		return in.OpenAIModel, nil
	case "openai_key_env":
		return in.OpenAIKeyEnv, nil
	case "timeout_secs":
		return strconv.Itoa(in.TimeoutSecs), nil
	case "batch_size":
		return strconv.Itoa(in.BatchSize), nil
	case "max_attempts":
		return strconv.Itoa(in.MaxAttempts), nil
	case "initial_backoff_ms":
		return strconv.Itoa(in.InitialBackoff), nil
	case "max_backoff_ms":
		return strconv.Itoa(in.MaxBackoff), nil
	case "redact_secrets":
		return strconv.FormatBool(in.RedactSecrets), nil
	default:
		return "", fmt.Errorf("unknown field: inference.%s", field)
	}
}

func (c *Config) setInferenceField(field, value string) error {
	in := &c.Inference
	switch field {
	case "backend":
		if !isValidBackend(value) {
			return fmt.Errorf("invalid backend: %s (must be grpc, cli, or openai)", value)
		}
		in.Backend = value
	case "grpc_address":
		in.GRPCAddress = value
	case "cli_command":
		in.CLICommand = value
	case "openai_base_url":
		in.OpenAIBaseURL = value
	case "openai_model":
		in.OpenAIModel = value
	case "openai_key_env":
		in.OpenAIKeyEnv = value
	case "timeout_secs", "batch_size", "max_attempts", "initial_backoff_ms", "max_backoff_ms":
		v, err := parseNonNegative(field, value)
		if err != nil {
			return err
		}
		switch field {
		case "timeout_secs":
			in.TimeoutSecs = v
		case "batch_size":
			in.BatchSize = v
		case "max_attempts":
			in.MaxAttempts = v
		case "initial_backoff_ms":
			in.InitialBackoff = v
		default:
			in.MaxBackoff = v
		}
	case "redact_secrets":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for redact_secrets: %w", err)
		}
		in.RedactSecrets = v
	default:
		return fmt.Errorf("unknown field: inference.%s", field)
	}
	return nil
}

func (c *Config) qualityFields() map[string]*int {
	q := &c.Quality
	return map[string]*int{
		"approve_threshold":       &q.ApproveThreshold,
		"revise_threshold":        &q.ReviseThreshold,
		"min_completeness":        &q.MinCompleteness,
		"min_fit":                 &q.MinFit,
		"min_atoms_for_coherence": &q.MinAtomsForCoherence,
		"max_categories":          &q.MaxCategories,
	}
}

func (c *Config) getQualityField(field string) (string, error) {
	p, ok := c.qualityFields()[field]
	if !ok {
		return "", fmt.Errorf("unknown field: quality.%s", field)
	}
	return strconv.Itoa(*p), nil
}

func (c *Config) setQualityField(field, value string) error {
	p, ok := c.qualityFields()[field]
	if !ok {
		return fmt.Errorf("unknown field: quality.%s", field)
	}
	var (
		v   int
		err error
	)
	switch field {
	case "min_atoms_for_coherence", "max_categories":
		v, err = parseNonNegative(field, value)
	default:
		v, err = parsePercent(field, value)
	}
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (c *Config) getLedgerField(field string) (string, error) {
	switch field {
	case "min_confidence":
		return strconv.FormatFloat(c.Ledger.MinConfidence, 'f', -1, 64), nil
	default:
		if rule, ok := c.Ledger.Invariants[strings.ToUpper(field)]; ok {
			if !rule.Enabled {
				return "off", nil
			}
			return rule.Severity, nil
		}
		return "", fmt.Errorf("unknown field: ledger.%s", field)
	}
}

// setLedgerField accepts "ledger.min_confidence" and per-invariant keys such
// as "ledger.inv-004" with values error, warning or off.
func (c *Config) setLedgerField(field, value string) error {
	if field == "min_confidence" {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for min_confidence: %w", err)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("invalid min_confidence: must be within [0, 1]")
		}
		c.Ledger.MinConfidence = v
		return nil
	}

	id := strings.ToUpper(field)
	rule, ok := c.Ledger.Invariants[id]
	if !ok {
		return fmt.Errorf("unknown field: ledger.%s", field)
	}
	if StructuralInvariants[id] && value != "error" {
		return fmt.Errorf("invalid value for %s: %s is structural and always an error", id, value)
	}
	switch value {
	case "off":
		rule.Enabled = false
	case "error", "warning":
		rule.Enabled = true
		rule.Severity = value
	default:
		return fmt.Errorf("invalid value for %s: %s (must be error, warning, or off)", id, value)
	}
	c.Ledger.Invariants[id] = rule
	return nil
}

func (c *Config) getDriftField(field string) (string, error) {
	d := c.Drift
	switch field {
	case "normal_window_days":
		return strconv.Itoa(d.NormalWindowDays), nil
	case "hotfix_window_days":
		return strconv.Itoa(d.HotfixWindowDays), nil
	case "spike_window_days":
		return strconv.Itoa(d.SpikeWindowDays), nil
	case "overdue_ceiling":
		return strconv.Itoa(d.OverdueCeiling), nil
	case "coverage_floor":
		return strconv.FormatFloat(d.CoverageFloor, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unknown field: drift.%s", field)
	}
}

func (c *Config) setDriftField(field, value string) error {
	d := &c.Drift
	switch field {
	case "coverage_floor":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for coverage_floor: %w", err)
		}
		if v < 0 || v > 100 {
			return fmt.Errorf("invalid coverage_floor: must be within [0, 100]")
		}
		d.CoverageFloor = v
		return nil
	case "normal_window_days", "hotfix_window_days", "spike_window_days", "overdue_ceiling":
	default:
		return fmt.Errorf("unknown field: drift.%s", field)
	}

	v, err := parseNonNegative(field, value)
	if err != nil {
		return err
	}
	switch field {
	case "normal_window_days":
		d.NormalWindowDays = v
	case "hotfix_window_days":
		d.HotfixWindowDays = v
	case "spike_window_days":
		d.SpikeWindowDays = v
	default:
		d.OverdueCeiling = v
	}
	return nil
}

func (c *Config) getReconcileField(field string) (string, error) {
	switch field {
	case "max_concurrent_runs":
		return strconv.Itoa(c.Reconcile.MaxConcurrentRuns), nil
	case "event_mirror":
		return strconv.FormatBool(c.Reconcile.EventMirror), nil
	default:
		return "", fmt.Errorf("unknown field: reconcile.%s", field)
	}
}

func (c *Config) setReconcileField(field, value string) error {
	switch field {
	case "max_concurrent_runs":
		v, err := parseNonNegative(field, value)
		if err != nil {
			return err
		}
		c.Reconcile.MaxConcurrentRuns = v
	case "event_mirror":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for event_mirror: %w", err)
		}
		c.Reconcile.EventMirror = v
	default:
		return fmt.Errorf("unknown field: reconcile.%s", field)
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if !isValidLogLevel(c.Log.Level) {
		return fmt.Errorf("log.level must be debug, info, warn, or error (got: %s)", c.Log.Level)
	}

	if c.Storage.BusyTimeoutMs < 0 {
		return errors.New("storage.busy_timeout_ms must be >= 0")
	}

	if !isValidBackend(c.Inference.Backend) {
		return fmt.Errorf("inference.backend must be grpc, cli, or openai (got: %s)", c.Inference.Backend)
	}
	if c.Inference.Backend == "grpc" && c.Inference.GRPCAddress == "" {
		return errors.New("inference.grpc_address is required for the grpc backend")
	}
	if c.Inference.Backend == "cli" && strings.TrimSpace(c.Inference.CLICommand) == "" {
		return errors.New("inference.cli_command is required for the cli backend")
	}
	if c.Inference.BatchSize < 1 {
		return errors.New("inference.batch_size must be >= 1")
	}
	if c.Inference.MaxAttempts < 1 {
		return errors.New("inference.max_attempts must be >= 1")
	}

	q := c.Quality
	if q.ReviseThreshold > q.ApproveThreshold {
		return fmt.Errorf("quality.revise_threshold (%d) must not exceed quality.approve_threshold (%d)",
			q.ReviseThreshold, q.ApproveThreshold)
	}
	if q.ApproveThreshold > 100 || q.MinCompleteness > 100 || q.MinFit > 100 {
		return errors.New("quality thresholds must be <= 100")
	}
	if q.MinAtomsForCoherence < 1 {
		return errors.New("quality.min_atoms_for_coherence must be >= 1")
	}
	if q.MaxCategories < 1 {
		return errors.New("quality.max_categories must be >= 1")
	}

	if c.Ledger.MinConfidence < 0 || c.Ledger.MinConfidence > 1 {
		return errors.New("ledger.min_confidence must be within [0, 1]")
	}
	for id, rule := range c.Ledger.Invariants {
		if rule.Severity != "error" && rule.Severity != "warning" {
			return fmt.Errorf("ledger.invariants.%s.severity must be error or warning (got: %s)", id, rule.Severity)
		}
		if StructuralInvariants[id] && (!rule.Enabled || rule.Severity != "error") {
			return fmt.Errorf("ledger.invariants.%s is structural: it must stay enabled with severity error", id)
		}
	}

	d := c.Drift
	if d.NormalWindowDays < 1 || d.HotfixWindowDays < 1 || d.SpikeWindowDays < 1 {
		return errors.New("drift lane windows must be >= 1 day")
	}
	if d.OverdueCeiling < 0 {
		return errors.New("drift.overdue_ceiling must be >= 0")
	}

	if c.Reconcile.MaxConcurrentRuns < 0 {
		return errors.New("reconcile.max_concurrent_runs must be >= 0")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidBackend(backend string) bool {
	switch backend {
	case "grpc", "cli", "openai":
		return true
	default:
		return false
	}
}

// ApplyEnvOverrides applies environment variable overrides to the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PACT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.Log.Level = "debug"
		}
	}
	if v := os.Getenv("PACT_LOG_LEVEL"); v != "" {
		if isValidLogLevel(v) {
			c.Log.Level = v
		}
	}
	if v := os.Getenv("PACT_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("PACT_INFERENCE_BACKEND"); v != "" {
		if isValidBackend(v) {
			c.Inference.Backend = v
		}
	}
	if v := os.Getenv("PACT_INFERENCE_ADDR"); v != "" {
		c.Inference.GRPCAddress = v
	}
}

// ListKeys returns user-facing configuration keys.
func ListKeys() []string {
	return []string{
		"log.level",
		"log.file",
		"storage.database_path",
		"inference.backend",
		"inference.grpc_address",
		"inference.cli_command",
		"inference.openai_model",
		"inference.batch_size",
		"inference.max_attempts",
		"quality.approve_threshold",
		"quality.revise_threshold",
		"quality.min_completeness",
		"quality.min_fit",
		"quality.min_atoms_for_coherence",
		"quality.max_categories",
		"ledger.min_confidence",
		"drift.normal_window_days",
		"drift.hotfix_window_days",
		"drift.spike_window_days",
		"drift.overdue_ceiling",
		"drift.coverage_floor",
		"reconcile.event_mirror",
	}
}
