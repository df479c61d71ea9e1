package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"reploid/pkg/logx"
)

const (
	defaultRunTimeout = 30 * time.Second
	maxStderrInError  = 512 // keep error messages bounded
)

// SubprocessRunner is the reference SandboxRunner. It materializes the
// tool program into a throwaway directory and runs it as a subprocess:
// arguments arrive as one JSON object on stdin, the result is one JSON
// object on stdout. The process gets a scratch HOME and no inherited
// environment beyond PATH.
type SubprocessRunner struct {
	logger  *logx.Logger
	workDir string
	timeout time.Duration
}

// NewSubprocessRunner creates a runner. workDir "" uses the system temp
// directory; timeout <= 0 uses the 30s default.
func NewSubprocessRunner(workDir string, timeout time.Duration, logger *logx.Logger) *SubprocessRunner {
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	if logger == nil {
		logger = logx.NewLogger("sandbox")
	}
	return &SubprocessRunner{
		workDir: workDir,
		timeout: timeout,
		logger:  logger,
	}
}

// Run executes the spec's program with args on stdin and parses stdout
// as the result object.
func (r *SubprocessRunner) Run(ctx context.Context, spec DynamicSpec, args map[string]any) (map[string]any, error) {
	dir, err := os.MkdirTemp(r.workDir, "tool-"+spec.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	defer os.RemoveAll(dir)

	program := filepath.Join(dir, "program")
	if err := os.WriteFile(program, []byte(spec.Source), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write tool program: %w", err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Runtime may carry interpreter flags, e.g. "python3 -u".
	parts := strings.Fields(spec.Runtime)
	cmd := exec.CommandContext(runCtx, parts[0], append(parts[1:], program)...) //nolint:gosec // runtime comes from an operator-approved manifest
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("tool %s timed out after %s", spec.Name, r.timeout)
			return nil, fmt.Errorf("tool program timed out after %s", r.timeout)
		}
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("tool program cancelled: %w", runCtx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("tool program exited with code %d: %s",
				exitErr.ExitCode(), truncateOutput(stderr.String()))
		}
		return nil, fmt.Errorf("failed to execute tool program: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("tool program produced invalid JSON: %w", err)
	}

	r.logger.Debug("tool %s ran in %s", spec.Name, elapsed.Round(time.Millisecond))
	return result, nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrInError {
		return s[:maxStderrInError] + "..."
	}
	return s
}
