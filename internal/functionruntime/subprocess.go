// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package functionruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harborstackd/harborstackd/internal/logging"
)

// interpreterFor maps a runtime identifier prefix to the executable the
// subprocess strategy launches.
var interpreterFor = []struct {
	prefix string
	binary string
}{
	{"python", "python3"},
	{"nodejs", "node"},
	{"ruby", "ruby"},
}

// SubprocessStrategy runs the function's handler as a native child
// process of the emulator.
type SubprocessStrategy struct {
	Function  Function
	KillGrace time.Duration

	binary string
}

// Prepare resolves the interpreter for the declared runtime and fails if
// it is not on PATH.
func (s *SubprocessStrategy) Prepare(_ context.Context) error {
	runtimeID := strings.ToLower(s.Function.Runtime)
	for _, entry := range interpreterFor {
		if strings.HasPrefix(runtimeID, entry.prefix) {
			path, err := exec.LookPath(entry.binary)
			if err != nil {
				return fmt.Errorf("interpreter %q for runtime %q not on PATH: %w", entry.binary, s.Function.Runtime, err)
			}
			s.binary = path
			return nil
		}
	}
	// Compiled runtimes execute the handler file directly.
	handlerPath := filepath.Join(s.Function.CodePath, s.Function.Handler)
	info, err := os.Stat(handlerPath)
	if err != nil {
		return fmt.Errorf("handler %q not found: %w", handlerPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("handler %q is not executable", handlerPath)
	}
	s.binary = handlerPath
	return nil
}

// Invoke launches the child, feeds it the event on stdin, and enforces
// the deadline: a graceful-termination signal first, a force-kill after
// the grace window.
func (s *SubprocessStrategy) Invoke(ctx context.Context, event []byte, ictx InvocationContext) (*InvocationResult, error) {
	deadline := ictx.Deadline
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var args []string
	program := s.binary
	handlerPath := filepath.Join(s.Function.CodePath, handlerFile(s.Function.Handler, s.Function.Runtime))
	if program != handlerPath {
		args = []string{handlerPath}
	}

	cmd := exec.CommandContext(runCtx, program, args...)
	cmd.Dir = s.Function.CodePath
	cmd.Env = buildEnv(s.Function, ictx)
	cmd.Stdin = bytes.NewReader(event)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// SIGTERM first; CommandContext escalates to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.KillGrace

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &InvocationResult{
			ErrorKind:    ErrKindTimeout,
			ErrorMessage: fmt.Sprintf("function %q exceeded its deadline", s.Function.Name),
			Duration:     elapsed,
			RequestID:    ictx.RequestID,
		}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.Debug().Str("function", s.Function.Name).Int("exit_code", exitErr.ExitCode()).
				Str("stderr", truncate(stderr.Bytes(), 512)).Msg("functionruntime: child exited non-zero")
			return &InvocationResult{
				ErrorKind:    ErrKindRuntime,
				ErrorMessage: fmt.Sprintf("child exited %d: %s", exitErr.ExitCode(), truncate(stderr.Bytes(), 512)),
				Duration:     elapsed,
				RequestID:    ictx.RequestID,
			}, nil
		}
		return nil, fmt.Errorf("spawn %q: %w", s.Function.Name, err)
	}

	return parseResult(stdout.Bytes(), ictx, elapsed), nil
}

// handlerFile maps a "module.function" handler spec to the source file
// the interpreter runs. A spec that already names a file passes through.
func handlerFile(handler, runtimeID string) string {
	for _, ext := range []string{".py", ".js", ".mjs", ".rb"} {
		if strings.HasSuffix(handler, ext) {
			return handler
		}
	}
	module := handler
	if i := strings.LastIndexByte(handler, '.'); i > 0 {
		module = handler[:i]
	}
	rt := strings.ToLower(runtimeID)
	switch {
	case strings.HasPrefix(rt, "python"):
		return module + ".py"
	case strings.HasPrefix(rt, "nodejs"):
		return module + ".js"
	case strings.HasPrefix(rt, "ruby"):
		return module + ".rb"
	default:
		return handler
	}
}

// buildEnv merges, later wins: the process environment, the function's
// declared environment, the injected service-endpoint overrides, then
// the fixed per-invocation keys.
func buildEnv(fn Function, ictx InvocationContext) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range fn.Environment {
		merged[k] = v
	}
	for k, v := range ictx.EnvOverrides {
		merged[k] = v
	}

	merged["FUNCTION_NAME"] = fn.Name
	merged["FUNCTION_MEMORY_SIZE"] = strconv.Itoa(ictx.MemoryMB)
	merged["FUNCTION_REQUEST_ID"] = ictx.RequestID
	merged["FUNCTION_ARN"] = ictx.FunctionARN
	merged["FUNCTION_CODE_PATH"] = fn.CodePath
	merged["FUNCTION_HANDLER"] = fn.Handler

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
