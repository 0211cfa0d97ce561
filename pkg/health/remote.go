package health

import (
	"context"
	"fmt"
	"time"

	"github.com/truongvando/ezstream-sub005/pkg/remote"
)

// RemoteChecker runs a command on a node through a connected executor. A
// zero exit status is healthy.
type RemoteChecker struct {
	Executor remote.Executor

	// Command runs in the node's login shell, e.g. "systemctl is-active ezstream-agent"
	Command string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewRemoteChecker creates a remote command probe
func NewRemoteChecker(exec remote.Executor, command string) *RemoteChecker {
	return &RemoteChecker{
		Executor: exec,
		Command:  command,
		Timeout:  10 * time.Second,
	}
}

// Check runs the command once
func (r *RemoteChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if r.Command == "" {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	output, err := r.Executor.Execute(execCtx, r.Command)
	message := fmt.Sprintf("Command: %s", r.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if output != "" {
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}
	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (r *RemoteChecker) Type() CheckType {
	return CheckTypeRemote
}

// WithTimeout sets the execution timeout
func (r *RemoteChecker) WithTimeout(timeout time.Duration) *RemoteChecker {
	r.Timeout = timeout
	return r
}
