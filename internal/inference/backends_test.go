package inference

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jasontalley/pact-sub013/internal/config"
)

func startBufconn(t *testing.T, backend Service) *GRPCService {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterInferenceServer(srv, NewServiceServer(backend))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCService(conn)
}

func TestGRPCRoundTrip(t *testing.T) {
	backend := &scriptedService{replies: []func(Request) (json.RawMessage, error){reply(`{"atoms":[{"tempId":"a1"}]}`)}}
	svc := startBufconn(t, backend)

	raw, err := svc.Infer(context.Background(), Request{Task: TaskInferAtoms, Prompt: "hello", Schema: AtomSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"atoms":[{"tempId":"a1"}]}`, string(raw))

	calls := backend.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, TaskInferAtoms, calls[0].Task)
	assert.Equal(t, "hello", calls[0].Prompt)
	assert.JSONEq(t, string(AtomSchema), string(calls[0].Schema))
}

func TestGRPCFailureKindsSurviveTheWire(t *testing.T) {
	tests := []struct {
		kind      FailureKind
		retryable bool
	}{
		{FailureRateLimited, true},
		{FailureUnavailable, true},
		{FailureTimeout, true},
		{FailureRejected, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			backend := &scriptedService{replies: []func(Request) (json.RawMessage, error){failWith(tt.kind, tt.retryable)}}
			svc := startBufconn(t, backend)

			_, err := svc.Infer(context.Background(), Request{Task: TaskInferAtoms})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestDialGRPCRequiresAddress(t *testing.T) {
	_, err := DialGRPC("")
	assert.Error(t, err)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIServiceReadsJSONFromStdout(t *testing.T) {
	requireShell(t)
	svc, err := NewCLIService(`sh -c 'cat >/dev/null; echo "Here you go:"; echo "{\"atoms\": []}"'`)
	require.NoError(t, err)
	assert.True(t, svc.Available())

	raw, err := svc.Infer(context.Background(), Request{Task: TaskInferAtoms, Prompt: "p", Schema: AtomSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"atoms":[]}`, string(raw))
}

func TestCLIServiceClassifiesFailures(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name      string
		command   string
		kind      FailureKind
		retryable bool
	}{
		{"rate limit", `sh -c 'cat >/dev/null; echo "429 rate limit" >&2; exit 1'`, FailureRateLimited, true},
		{"crash", `sh -c 'cat >/dev/null; echo boom >&2; exit 2'`, FailureUnavailable, true},
		{"prose only", `sh -c 'cat >/dev/null; echo "I cannot help"'`, FailureInvalidResponse, true},
		{"missing binary", `pact-no-such-binary-xyz`, FailureUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewCLIService(tt.command)
			require.NoError(t, err)
			_, err = svc.Infer(context.Background(), Request{Task: TaskInferAtoms})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestNewCLIServiceRejectsEmptyCommand(t *testing.T) {
	_, err := NewCLIService("   ")
	assert.Error(t, err)
}

func openAIServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "test",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIServiceExtractsJSON(t *testing.T) {
	srv := openAIServer(t, http.StatusOK, "```json\n{\"molecules\": []}\n```")
	svc := NewOpenAIService(OpenAIOptions{BaseURL: srv.URL + "/v1", Model: "test"})

	raw, err := svc.Infer(context.Background(), Request{Task: TaskSynthesizeMolecules, Prompt: "p", Schema: MoleculeSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"molecules":[]}`, string(raw))
}

func TestOpenAIServiceClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      FailureKind
		retryable bool
	}{
		{http.StatusTooManyRequests, FailureRateLimited, true},
		{http.StatusBadGateway, FailureUnavailable, true},
		{http.StatusGatewayTimeout, FailureTimeout, true},
		{http.StatusBadRequest, FailureRejected, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := openAIServer(t, tt.status, "")
			svc := NewOpenAIService(OpenAIOptions{BaseURL: srv.URL + "/v1"})
			_, err := svc.Infer(context.Background(), Request{Task: TaskInferAtoms})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestRegistryOpensConfiguredBackend(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"cli", "grpc", "openai"}, r.Names())

	svc, closer, err := r.Open(config.InferenceConfig{Backend: "cli", CLICommand: "echo {}"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, "cli", svc.Name())

	_, _, err = r.Open(config.InferenceConfig{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestAdapterConfigConvertsUnits(t *testing.T) {
	t.Setenv("PACT_TEST_KEY", "supersecretvalue")
	cfg := AdapterConfig(config.InferenceConfig{
		TimeoutSecs:    30,
		BatchSize:      4,
		MaxAttempts:    5,
		InitialBackoff: 250,
		MaxBackoff:     4000,
		RedactSecrets:  true,
		OpenAIKeyEnv:   "PACT_TEST_KEY",
	}, nil, nil)

	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "250ms", cfg.InitialBackoff.String())
	assert.Equal(t, "4s", cfg.MaxBackoff.String())
	assert.Equal(t, "30s", cfg.CallTimeout.String())
	require.NotNil(t, cfg.Redactor)
	assert.Equal(t, "key=***", cfg.Redactor.Redact("key=supersecretvalue"))
}
