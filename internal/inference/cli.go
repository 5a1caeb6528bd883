package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// CLIService runs an external command per request. The prompt, followed by
// the response schema, is written to the command's stdin; the reply is read
// from stdout.
type CLIService struct {
	argv []string
}

// NewCLIService parses command with shell quoting rules.
func NewCLIService(command string) (*CLIService, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("inference command is empty")
	}
	return &CLIService{argv: argv}, nil
}

// Name implements Service.
func (s *CLIService) Name() string { return "cli" }

// Available reports whether the command can be found.
func (s *CLIService) Available() bool {
	_, err := exec.LookPath(s.argv[0])
	return err == nil
}

// Infer implements Service.
func (s *CLIService) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...) //nolint:gosec // G204: command comes from the user's config
	cmd.Stdin = strings.NewReader(req.Prompt + "\n\nJSON schema:\n" + string(req.Schema) + "\n")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, Fail(FailureTimeout, true, ctx.Err())
		case ctx.Err() != nil:
			return nil, Fail(FailureInternal, false, ctx.Err())
		case errors.Is(err, exec.ErrNotFound):
			return nil, Fail(FailureUnavailable, false, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if isRateLimitMessage(msg) {
			return nil, Fail(FailureRateLimited, true, errors.New(msg))
		}
		if msg != "" {
			return nil, Fail(FailureUnavailable, true, fmt.Errorf("%s: %s", s.argv[0], msg))
		}
		return nil, Fail(FailureUnavailable, true, err)
	}

	raw, ok := ExtractJSON(stdout.String())
	if !ok {
		return nil, Fail(FailureInvalidResponse, true, errors.New("no JSON document in command output"))
	}
	return raw, nil
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "overloaded")
}
