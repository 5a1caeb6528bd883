package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/jasontalley/pact-sub013/internal/config"
	"github.com/jasontalley/pact-sub013/internal/inference"
	"github.com/jasontalley/pact-sub013/internal/intent"
	"github.com/jasontalley/pact-sub013/internal/manifest"
)

// withTestEnv points every config and data path at a temp dir, disables
// colours and installs svc as the inference backend.
func withTestEnv(t *testing.T, svc inference.Service) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("NO_COLOR", "1")
	t.Setenv("COLUMNS", "240")
	for _, env := range []string{"PACT_HOME", "PACT_DEBUG", "PACT_LOG_LEVEL", "PACT_DB", "PACT_INFERENCE_BACKEND", "PACT_INFERENCE_ADDR"} {
		t.Setenv(env, "")
	}

	old := newInferenceService
	newInferenceService = func(config.InferenceConfig) (inference.Service, io.Closer, error) {
		if svc == nil {
			return nil, nil, errors.New("no backend in this test")
		}
		return svc, nil, nil
	}
	t.Cleanup(func() {
		newInferenceService = old
		resetFlags(rootCmd)
	})
	return dir
}

// execute runs the root command with args and returns what it printed.
// Flags are reset afterwards so calls within one test stay independent.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func decodeJSON(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), "output: %s", out)
}

// fakeService answers atom requests with the pool atoms whose test appears
// in the prompt.
type fakeService struct {
	mu        sync.Mutex
	pool      []intent.InferredAtom
	molecules []intent.InferredMolecule
	calls     int
}

func (s *fakeService) Name() string { return "fake" }

func (s *fakeService) Infer(_ context.Context, req inference.Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if req.Task == inference.TaskInferAtoms {
		out := []intent.InferredAtom{}
		for _, a := range s.pool {
			if strings.Contains(req.Prompt, a.SourceTest.TestName) {
				out = append(out, a)
			}
		}
		return json.Marshal(map[string]any{"atoms": out})
	}
	return json.Marshal(map[string]any{"molecules": s.molecules})
}

func atom(tempID, test, desc string) intent.InferredAtom {
	return intent.InferredAtom{
		TempID:             tempID,
		Description:        desc,
		Category:           intent.CategorySecurity,
		SourceTest:         intent.TestRef{FilePath: "auth/login_test.go", TestName: test},
		ObservableOutcomes: []string{"returns an error", "records the attempt"},
		Confidence:         0.9,
		Reasoning:          "the test asserts the returned status and audit entry",
		SourceEvidence:     []string{"auth/login.go"},
	}
}

// weakAtom lands in the revise band: one outcome and no reasoning.
func weakAtom(tempID, test, desc string) intent.InferredAtom {
	a := atom(tempID, test, desc)
	a.ObservableOutcomes = a.ObservableOutcomes[:1]
	a.Reasoning = ""
	return a
}

func loginAtoms() []intent.InferredAtom {
	return []intent.InferredAtom{
		atom("a1", "TestRejectsBadPassword", "Login rejects a wrong password"),
		atom("a2", "TestLocksAfterFiveFailures", "Account locks after five failed attempts"),
		atom("a3", "TestIssuesSessionToken", "Login issues a signed session token"),
	}
}

// writeManifest writes a manifest with three login tests and returns its
// path.
func writeManifest(t *testing.T, dir string) string {
	t.Helper()
	m := manifest.RepoManifest{
		ProjectID:  "proj",
		CommitHash: "abc123",
		Files:      []string{"auth/login.go", "auth/login_test.go"},
		Tests: []manifest.TestEvidence{
			{FilePath: "auth/login_test.go", TestName: "TestRejectsBadPassword", Line: 10},
			{FilePath: "auth/login_test.go", TestName: "TestLocksAfterFiveFailures", Line: 30},
			{FilePath: "auth/login_test.go", TestName: "TestIssuesSessionToken", Line: 50},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, manifest.ManifestFileName)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}
