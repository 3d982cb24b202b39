// Package sim provides an in-process agent attached to the event bus.
// It stands in for the real per-server agent in development and tests:
// it accepts dispatches, runs kind handlers, and reports progress,
// terminal events, and heartbeats like the real thing.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/agent/kinds"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// Agent simulates one server's agent.
type Agent struct {
	serverID          string
	hostname          string
	eventBus          bus.EventBus
	kinds             *kinds.Registry
	logger            *logger.Logger
	heartbeatInterval time.Duration

	mu      sync.Mutex
	pending map[string]context.CancelFunc

	subs   []bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAgent creates a simulated agent for serverID. A non-positive
// heartbeatInterval disables heartbeats.
func NewAgent(serverID, hostname string, eventBus bus.EventBus, reg *kinds.Registry, heartbeatInterval time.Duration, log *logger.Logger) *Agent {
	return &Agent{
		serverID:          serverID,
		hostname:          hostname,
		eventBus:          eventBus,
		kinds:             reg,
		logger:            log.WithFields(zap.String("component", "sim-agent"), zap.String("server_id", serverID)),
		heartbeatInterval: heartbeatInterval,
		pending:           make(map[string]context.CancelFunc),
		stopCh:            make(chan struct{}),
	}
}

// Start subscribes to the agent's subjects and begins heartbeating.
func (a *Agent) Start(ctx context.Context) error {
	dispatchSub, err := a.eventBus.Subscribe(events.BuildDispatchSubject(a.serverID), a.handleDispatch)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, dispatchSub)

	cancelSub, err := a.eventBus.Subscribe(events.BuildCancelSubject(a.serverID), a.handleCancel)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, cancelSub)

	if a.heartbeatInterval > 0 {
		a.wg.Add(1)
		go a.heartbeatLoop(ctx)
	}

	a.logger.Info("sim agent started", zap.Strings("kinds", a.kinds.List()))
	return nil
}

// Stop drops subscriptions, cancels running work, and waits for it to
// drain.
func (a *Agent) Stop() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	a.subs = nil

	close(a.stopCh)
	a.cancelAll()
	a.wg.Wait()
}

func (a *Agent) handleDispatch(ctx context.Context, event *bus.Event) error {
	replyTo := bus.ReplySubject(event)
	taskID, _ := event.Data["task_id"].(string)
	kind, _ := event.Data["kind"].(string)
	params, _ := event.Data["params"].(map[string]interface{})

	if taskID == "" || kind == "" {
		a.reply(ctx, replyTo, "error", "dispatch missing task_id or kind")
		return nil
	}

	if !a.kinds.Exists(kind) {
		a.logger.Warn("rejecting dispatch for unknown kind",
			zap.String("task_id", taskID),
			zap.String("kind", kind))
		a.reply(ctx, replyTo, "error", "unknown task kind "+kind)
		return nil
	}

	a.reply(ctx, replyTo, "accepted", "")

	a.wg.Add(1)
	go a.run(taskID, kind, kinds.Params(params))
	return nil
}

// run executes one accepted task. The work context is detached from
// the dispatch handler so it survives the reply.
func (a *Agent) run(taskID, kind string, params kinds.Params) {
	defer a.wg.Done()

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.pending[taskID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.pending, taskID)
		a.mu.Unlock()
	}()

	handler, err := a.kinds.Get(kind)
	if err != nil {
		a.publishTerminal(taskID, v1.TaskStatusFailure, "error", map[string]interface{}{"message": err.Error()})
		return
	}

	if params == nil {
		params = kinds.Params{}
	}
	emit := func(event string, detail map[string]interface{}) {
		a.publishProgress(taskID, event, detail)
	}

	detail, err := handler(runCtx, params, emit)
	switch {
	case errors.Is(err, context.Canceled):
		a.publishTerminal(taskID, v1.TaskStatusFailure, "canceled", map[string]interface{}{"message": "work canceled"})
	case err != nil:
		a.publishTerminal(taskID, v1.TaskStatusFailure, "error", map[string]interface{}{"message": err.Error()})
	default:
		a.publishTerminal(taskID, v1.TaskStatusComplete, "finished", detail)
	}
}

func (a *Agent) handleCancel(ctx context.Context, event *bus.Event) error {
	count := a.cancelAll()
	if count > 0 {
		a.logger.Info("canceled pending work", zap.Int("count", count))
	}
	return nil
}

func (a *Agent) cancelAll() int {
	a.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(a.pending))
	for _, c := range a.pending {
		cancels = append(cancels, c)
	}
	a.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

func (a *Agent) reply(ctx context.Context, replyTo, status, errMsg string) {
	if replyTo == "" {
		a.logger.Warn("dispatch carried no reply subject")
		return
	}

	data := map[string]interface{}{"status": status, "server_id": a.serverID}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if err := a.eventBus.Publish(ctx, replyTo, bus.NewEvent("task.dispatch.reply", "sim-agent", data)); err != nil {
		a.logger.Error("failed to publish dispatch reply", zap.Error(err))
	}
}

func (a *Agent) publishProgress(taskID, event string, detail map[string]interface{}) {
	e := bus.NewEvent(events.TaskProgress, "sim-agent", map[string]interface{}{
		"task_id":   taskID,
		"server_id": a.serverID,
		"event":     event,
		"detail":    detail,
		"timestamp": v1.Now().String(),
	})
	if err := a.eventBus.Publish(context.Background(), events.TaskProgressSubject, e); err != nil {
		a.logger.Error("failed to publish progress", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (a *Agent) publishTerminal(taskID string, status v1.TaskStatus, event string, detail map[string]interface{}) {
	eventType := events.TaskCompleted
	if status == v1.TaskStatusFailure {
		eventType = events.TaskFailed
	}
	e := bus.NewEvent(eventType, "sim-agent", map[string]interface{}{
		"task_id":   taskID,
		"server_id": a.serverID,
		"status":    string(status),
		"event":     event,
		"detail":    detail,
		"timestamp": v1.Now().String(),
	})
	if err := a.eventBus.Publish(context.Background(), events.TaskTerminalSubject, e); err != nil {
		a.logger.Error("failed to publish terminal event", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	a.publishHeartbeat()
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.publishHeartbeat()
		}
	}
}

func (a *Agent) publishHeartbeat() {
	event := bus.NewEvent(events.ServerHeartbeat, "sim-agent", map[string]interface{}{
		"server_id": a.serverID,
		"hostname":  a.hostname,
	})
	if err := a.eventBus.Publish(context.Background(), events.BuildHeartbeatSubject(a.serverID), event); err != nil {
		a.logger.Error("failed to publish heartbeat", zap.Error(err))
	}
}
