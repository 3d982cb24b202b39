package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// seenRetention bounds how long finished task ids are remembered for
// terminal dedupe.
const seenRetention = 10 * time.Minute

// BusTransport reaches agents over the event bus. Dispatch is a
// request/reply handshake on the server's dispatch subject; progress
// and terminal events come back on shared subjects.
type BusTransport struct {
	eventBus        bus.EventBus
	logger          *logger.Logger
	dispatchTimeout time.Duration

	mu      sync.RWMutex
	handler Handler

	seenMu sync.Mutex
	seen   map[string]time.Time

	subs []bus.Subscription
}

var _ Transport = (*BusTransport)(nil)

// NewBusTransport creates a bus-backed transport.
func NewBusTransport(eventBus bus.EventBus, dispatchTimeout time.Duration, log *logger.Logger) *BusTransport {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 10 * time.Second
	}
	return &BusTransport{
		eventBus:        eventBus,
		logger:          log.WithFields(zap.String("component", "transport")),
		dispatchTimeout: dispatchTimeout,
		seen:            make(map[string]time.Time),
	}
}

// SetHandler installs the event sink. Must be called before Start.
func (t *BusTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *BusTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Start subscribes to the agent event subjects.
func (t *BusTransport) Start(ctx context.Context) error {
	progressSub, err := t.eventBus.Subscribe(events.TaskProgressSubject, t.handleProgress)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task progress: %w", err)
	}
	t.subs = append(t.subs, progressSub)

	terminalSub, err := t.eventBus.Subscribe(events.TaskTerminalSubject, t.handleTerminal)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task terminal: %w", err)
	}
	t.subs = append(t.subs, terminalSub)

	t.logger.Info("bus transport started", zap.Duration("dispatch_timeout", t.dispatchTimeout))
	return nil
}

// Stop drops the event subscriptions.
func (t *BusTransport) Stop() error {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
	return nil
}

// Dispatch hands the task to its server's agent and waits for the
// accept reply.
func (t *BusTransport) Dispatch(ctx context.Context, task *v1.Task) error {
	subject := events.BuildDispatchSubject(task.ServerID)
	event := bus.NewEvent("task.dispatch", "cnapi", map[string]interface{}{
		"task_id":   task.ID,
		"server_id": task.ServerID,
		"kind":      task.Kind,
		"params":    task.Params,
	})

	t.logger.Debug("dispatching task",
		zap.String("task_id", task.ID),
		zap.String("server_id", task.ServerID),
		zap.String("kind", task.Kind))

	reply, err := t.eventBus.Request(ctx, subject, event, t.dispatchTimeout)
	if err != nil {
		return errors.AgentUnreachable(task.ServerID, err)
	}

	if reason, ok := reply.Data["error"].(string); ok && reason != "" {
		return errors.AgentRejected(task.ServerID, reason)
	}
	if status, _ := reply.Data["status"].(string); status != "accepted" {
		return errors.AgentRejected(task.ServerID, fmt.Sprintf("unexpected dispatch reply status %q", status))
	}
	return nil
}

// CancelPending tells the server's agent to drain unfinished work.
// Fire and forget: an unreachable agent has nothing running to cancel.
func (t *BusTransport) CancelPending(ctx context.Context, serverID string) error {
	event := bus.NewEvent("task.cancel_pending", "cnapi", map[string]interface{}{
		"server_id": serverID,
	})
	if err := t.eventBus.Publish(ctx, events.BuildCancelSubject(serverID), event); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	return nil
}

func (t *BusTransport) handleProgress(ctx context.Context, event *bus.Event) error {
	taskID, entry, ok := decodeTaskEvent(event)
	if !ok {
		t.logger.Warn("dropping malformed progress event", zap.String("event_id", event.ID))
		return nil
	}

	handler := t.getHandler()
	if handler == nil {
		t.logger.Warn("progress event with no handler installed", zap.String("task_id", taskID))
		return nil
	}
	handler.OnProgress(ctx, taskID, entry)
	return nil
}

func (t *BusTransport) handleTerminal(ctx context.Context, event *bus.Event) error {
	taskID, entry, ok := decodeTaskEvent(event)
	if !ok {
		t.logger.Warn("dropping malformed terminal event", zap.String("event_id", event.ID))
		return nil
	}

	status := v1.TaskStatus(stringField(event, "status"))
	if status != v1.TaskStatusComplete && status != v1.TaskStatusFailure {
		t.logger.Warn("dropping terminal event with bad status",
			zap.String("task_id", taskID),
			zap.String("status", string(status)))
		return nil
	}

	if !t.markSeen(taskID) {
		t.logger.Debug("ignoring duplicate terminal event", zap.String("task_id", taskID))
		return nil
	}

	handler := t.getHandler()
	if handler == nil {
		t.logger.Warn("terminal event with no handler installed", zap.String("task_id", taskID))
		return nil
	}
	handler.OnTerminal(ctx, taskID, status, entry)
	return nil
}

// markSeen records a terminal task id, returning false when it was
// already recorded. Old entries are pruned on the way through.
func (t *BusTransport) markSeen(taskID string) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	now := time.Now()
	for id, at := range t.seen {
		if now.Sub(at) > seenRetention {
			delete(t.seen, id)
		}
	}

	if _, dup := t.seen[taskID]; dup {
		return false
	}
	t.seen[taskID] = now
	return true
}

func decodeTaskEvent(event *bus.Event) (string, v1.HistoryEntry, bool) {
	taskID := stringField(event, "task_id")
	if taskID == "" {
		return "", v1.HistoryEntry{}, false
	}

	entry := v1.HistoryEntry{
		Timestamp: v1.Now(),
		Event:     stringField(event, "event"),
	}
	if raw, ok := event.Data["timestamp"].(string); ok && raw != "" {
		var ts v1.Time
		if err := ts.UnmarshalJSON([]byte(fmt.Sprintf("%q", raw))); err == nil {
			entry.Timestamp = ts
		}
	}
	if detail, ok := event.Data["detail"].(map[string]interface{}); ok {
		entry.Detail = detail
	}
	return taskID, entry, true
}

func stringField(event *bus.Event, field string) string {
	s, _ := event.Data[field].(string)
	return s
}
