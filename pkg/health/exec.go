package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// ExecChecker performs an exec-based health check by running a
// trivial command inside a running container through the Runtime
// Adapter, rather than on the host.
type ExecChecker struct {
	// RA is the adapter used to run Command inside RuntimeID.
	RA runtime.Adapter

	// RuntimeID identifies the container to exec into.
	RuntimeID string

	// Command is the argv to run (e.g. ["echo", "health_check"]).
	Command []string

	// Timeout bounds how long the exec is allowed to run.
	Timeout time.Duration
}

// NewExecChecker creates an ExecChecker with a 10s default timeout.
func NewExecChecker(ra runtime.Adapter, runtimeID string, command []string) *ExecChecker {
	return &ExecChecker{
		RA:        ra,
		RuntimeID: runtimeID,
		Command:   command,
		Timeout:   10 * time.Second,
	}
}

// Check runs Command inside RuntimeID and reports whether it exited 0.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{Healthy: false, Message: "no command specified", CheckedAt: start, Duration: time.Since(start)}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	stream, err := e.RA.Exec(execCtx, e.RuntimeID, runtime.ExecSpec{Argv: e.Command, User: "1000"})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("exec failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer stream.Close()

	exitCode, err := stream.Wait()
	if err != nil || exitCode != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("command %v exited %d: %v", e.Command, exitCode, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{Healthy: true, Message: fmt.Sprintf("command %v exited 0", e.Command), CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type.
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}
