// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package functionruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"time"
)

// ContainerStrategy runs the function inside its declared image via the
// local container runtime. The child contract is the same as the native
// strategy: event on stdin, result envelope on stdout.
type ContainerStrategy struct {
	Function  Function
	KillGrace time.Duration

	dockerPath string
}

// Prepare verifies the container runtime is on PATH and the image is
// present locally.
func (s *ContainerStrategy) Prepare(ctx context.Context) error {
	path, err := exec.LookPath("docker")
	if err != nil {
		return fmt.Errorf("container runtime not on PATH: %w", err)
	}
	s.dockerPath = path

	inspect := exec.CommandContext(ctx, path, "image", "inspect", s.Function.Image)
	inspect.Stdout = nil
	if err := inspect.Run(); err != nil {
		return fmt.Errorf("image %q not available locally: %w", s.Function.Image, err)
	}
	return nil
}

// Invoke runs one container per invocation. --stop-timeout covers the
// graceful-termination window before the runtime force-kills.
func (s *ContainerStrategy) Invoke(ctx context.Context, event []byte, ictx InvocationContext) (*InvocationResult, error) {
	runCtx, cancel := context.WithDeadline(ctx, ictx.Deadline)
	defer cancel()

	args := []string{
		"run", "--rm", "-i",
		"--stop-timeout", strconv.Itoa(int(s.KillGrace.Seconds()) + 1),
	}
	if ictx.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", ictx.MemoryMB))
	}
	env := map[string]string{}
	for k, v := range s.Function.Environment {
		env[k] = v
	}
	for k, v := range ictx.EnvOverrides {
		env[k] = v
	}
	env["FUNCTION_NAME"] = s.Function.Name
	env["FUNCTION_REQUEST_ID"] = ictx.RequestID
	env["FUNCTION_ARN"] = ictx.FunctionARN
	env["FUNCTION_HANDLER"] = s.Function.Handler
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, s.Function.Image)

	cmd := exec.CommandContext(runCtx, s.dockerPath, args...)
	cmd.Stdin = bytes.NewReader(event)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
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
			return &InvocationResult{
				ErrorKind:    ErrKindRuntime,
				ErrorMessage: fmt.Sprintf("container exited %d: %s", exitErr.ExitCode(), truncate(stderr.Bytes(), 512)),
				Duration:     elapsed,
				RequestID:    ictx.RequestID,
			}, nil
		}
		return nil, fmt.Errorf("run container for %q: %w", s.Function.Name, err)
	}
	return parseResult(stdout.Bytes(), ictx, elapsed), nil
}
