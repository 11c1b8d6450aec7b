// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// GatewayCallTimeout is the default timeout for a gateway RPC call
	// when the caller supplies no deadline.
	GatewayCallTimeout = 30 * time.Second

	// GitCommandTimeout is the maximum time allowed for a single git
	// invocation during repository cleanup.
	GitCommandTimeout = 10 * time.Second

	// GitWorktreeTimeout is the maximum time allowed for worktree
	// removal, which can touch many files.
	GitWorktreeTimeout = 30 * time.Second

	// KillGracePeriod is how long a child process gets between SIGTERM
	// and the SIGKILL escalation.
	KillGracePeriod = 10 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// of the HTTP server and in-flight work.
	ShutdownTimeout = 30 * time.Second
)
