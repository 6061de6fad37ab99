package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mcp-getgather/mcp-gateway/pkg/log"
)

// Runner executes a CLI command and returns its trimmed stdout. Implementations
// must kill the process and return an error wrapping ErrTimeout when the
// timeout elapses.
type Runner interface {
	Run(ctx context.Context, name string, args []string, env map[string]string, timeout time.Duration) (string, error)
}

// execRunner runs commands as bounded subprocesses.
type execRunner struct{}

// NewRunner returns the default subprocess-backed Runner.
func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args []string, env map[string]string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdStr := name + " " + strings.Join(args, " ")
	err := cmd.Run()

	log.Logger.Debug().
		Str("command", cmdStr).
		Int("return_code", cmd.ProcessState.ExitCode()).
		Msg("Executed CLI command")

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmdStr)
		}
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return "", fmt.Errorf("CLI failed: %s\ncommand: %s", errMsg, cmdStr)
	}

	return strings.TrimSpace(stdout.String()), nil
}
