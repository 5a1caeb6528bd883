package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// mirrorLine is one JSONL record of the event mirror.
type mirrorLine struct {
	Data      Event     `json:"data"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

// eventMirror appends every run event to <dir>/<run-id>.jsonl. Write
// failures are logged and never stop the run.
type eventMirror struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

func newEventMirror(dir string, logger *slog.Logger) (*eventMirror, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}
	return &eventMirror{dir: dir, logger: logger}, nil
}

// Path returns the mirror file of runID.
func (m *eventMirror) Path(runID string) string {
	return filepath.Join(m.dir, sanitizePathComponent(runID)+".jsonl")
}

func (m *eventMirror) write(ev Event) {
	line, err := json.Marshal(mirrorLine{Data: ev, Type: ev.Type, Timestamp: ev.At.UnixMilli()})
	if err != nil {
		m.logger.Warn("mirror: marshal event", "error", err, "type", ev.Type)
		return
	}
	line = append(line, '\n')

	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.OpenFile(m.Path(ev.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // G304: name is a sanitized run id inside dir
	if err != nil {
		m.logger.Warn("mirror: open", "error", err, "run_id", ev.RunID)
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		m.logger.Warn("mirror: write event", "error", err, "type", ev.Type)
	}
}

// sanitizePathComponent keeps letters, digits, dash, underscore and dot,
// replacing everything else with an underscore.
func sanitizePathComponent(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "run"
	}
	return s
}
