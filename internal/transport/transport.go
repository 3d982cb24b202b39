// Package transport carries task traffic between the control plane and
// the per-server agents.
package transport

import (
	"context"

	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// Handler receives task events reported by agents. The task registry
// implements this.
type Handler interface {
	// OnProgress appends one history entry to an active task.
	OnProgress(ctx context.Context, taskID string, entry v1.HistoryEntry)

	// OnTerminal finalizes a task. status is complete or failure.
	OnTerminal(ctx context.Context, taskID string, status v1.TaskStatus, entry v1.HistoryEntry)
}

// Transport dispatches tasks to agents and feeds their events back to
// the handler.
type Transport interface {
	// Dispatch hands a task to the agent on task.ServerID and waits
	// for the accept handshake. It returns AgentRejected when the
	// agent refuses the task and AgentUnreachable when no agent
	// answers in time.
	Dispatch(ctx context.Context, task *v1.Task) error

	// CancelPending tells a server's agent to drain work it has not
	// finished.
	CancelPending(ctx context.Context, serverID string) error

	// SetHandler installs the event sink. Must be called before Start.
	SetHandler(h Handler)

	// Start begins consuming agent events.
	Start(ctx context.Context) error

	// Stop drops subscriptions.
	Stop() error
}
