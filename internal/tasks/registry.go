// Package tasks tracks in-flight tasks for the fleet: creation and
// dispatch, history, long-poll waiting, and cleanup. Task records are
// ephemeral and never survive a restart.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/config"
	"github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/inventory"
	"github.com/cnapi/cnapi/internal/transport"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// Registry owns all live task records. It is the transport's event
// handler: agents report progress and terminal events through it.
type Registry struct {
	transport transport.Transport
	inventory *inventory.Manager
	eventBus  bus.EventBus
	logger    *logger.Logger

	retention     time.Duration
	adminTimeout  time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	tasks    map[string]*v1.Task
	byServer map[string][]string
	waiters  map[string][]chan *v1.Task
	gcAt     map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ transport.Handler = (*Registry)(nil)

// NewRegistry creates a task registry. Install it on the transport
// with SetHandler and call Start before serving requests.
func NewRegistry(tr transport.Transport, inv *inventory.Manager, eventBus bus.EventBus, cfg config.TasksConfig, log *logger.Logger) *Registry {
	return &Registry{
		transport:     tr,
		inventory:     inv,
		eventBus:      eventBus,
		logger:        log.WithFields(zap.String("component", "task-registry")),
		retention:     cfg.RetentionDuration(),
		adminTimeout:  cfg.AdminTimeoutDuration(),
		sweepInterval: cfg.SweepIntervalDuration(),
		tasks:         make(map[string]*v1.Task),
		byServer:      make(map[string][]string),
		waiters:       make(map[string][]chan *v1.Task),
		gcAt:          make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the background sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("task registry started",
		zap.Duration("retention", r.retention),
		zap.Duration("admin_timeout", r.adminTimeout))
	return nil
}

// Stop stops the background sweep.
func (r *Registry) Stop() error {
	close(r.stopCh)
	r.wg.Wait()
	return nil
}

// Create allocates a task, dispatches it to the server's agent, and
// returns it active. A dispatch failure fails the create and leaves no
// record behind.
func (r *Registry) Create(ctx context.Context, serverID, kind string, params map[string]interface{}) (*v1.Task, error) {
	exists, err := r.inventory.Exists(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NotFound("server", serverID)
	}

	now := v1.Now()
	task := &v1.Task{
		ID:       uuid.New().String(),
		ServerID: serverID,
		Kind:     kind,
		Params:   params,
		Status:   v1.TaskStatusActive,
		History: []v1.HistoryEntry{{
			Timestamp: now,
			Event:     "created",
			Detail:    map[string]interface{}{"kind": kind},
		}},
		CreatedAt:    now,
		LastModified: now,
	}

	// Track before dispatching so an agent that finishes instantly
	// still finds the record.
	r.mu.Lock()
	r.tasks[task.ID] = task
	r.byServer[serverID] = append(r.byServer[serverID], task.ID)
	r.mu.Unlock()

	if err := r.transport.Dispatch(ctx, task); err != nil {
		r.remove(task.ID)
		r.logger.Warn("dispatch failed",
			zap.String("task_id", task.ID),
			zap.String("server_id", serverID),
			zap.String("kind", kind),
			zap.Error(err))
		return nil, err
	}

	r.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("server_id", serverID),
		zap.String("kind", kind))
	r.publishEvent(ctx, events.TaskCreated, task)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneTask(task), nil
}

// Get returns one task.
func (r *Registry) Get(id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

// ListForServer returns the server's tasks, newest first.
func (r *Registry) ListForServer(ctx context.Context, serverID string) ([]*v1.Task, error) {
	exists, err := r.inventory.Exists(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NotFound("server", serverID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byServer[serverID]
	result := make([]*v1.Task, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if task, ok := r.tasks[ids[i]]; ok {
			result = append(result, cloneTask(task))
		}
	}
	return result, nil
}

// Wait blocks until the task reaches a terminal status or timeout
// elapses. On timeout the still-active task is returned together with
// a Timeout error so callers can distinguish the two outcomes.
func (r *Registry) Wait(ctx context.Context, id string, timeout time.Duration) (*v1.Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound("task", id)
	}
	if task.Status.Terminal() {
		defer r.mu.Unlock()
		return cloneTask(task), nil
	}
	if timeout <= 0 {
		defer r.mu.Unlock()
		return cloneTask(task), errors.Timeout(fmt.Sprintf("task %s still active", id))
	}

	ch := make(chan *v1.Task, 1)
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case done := <-ch:
		return done, nil

	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out (or the client went away). The terminal wake may have
	// raced the timer, so prefer a delivered result.
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case done := <-ch:
		return done, nil
	default:
	}
	r.dropWaiter(id, ch)

	task, ok = r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	if task.Status.Terminal() {
		return cloneTask(task), nil
	}
	return cloneTask(task), errors.Timeout(fmt.Sprintf("task %s still active", id))
}

// OnProgress appends a history entry to an active task. Events for
// unknown or already-terminal tasks are logged and dropped.
func (r *Registry) OnProgress(ctx context.Context, taskID string, entry v1.HistoryEntry) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("progress for unknown task", zap.String("task_id", taskID))
		return
	}
	if task.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Debug("dropping progress for terminal task", zap.String("task_id", taskID))
		return
	}

	task.History = append(task.History, entry)
	task.LastModified = entry.Timestamp
	r.mu.Unlock()

	r.publishEvent(ctx, events.TaskProgress, task)
}

// OnTerminal finalizes a task exactly once and wakes every waiter.
func (r *Registry) OnTerminal(ctx context.Context, taskID string, status v1.TaskStatus, entry v1.HistoryEntry) {
	if !r.finalize(ctx, taskID, status, entry) {
		return
	}

	eventType := events.TaskCompleted
	if status == v1.TaskStatusFailure {
		eventType = events.TaskFailed
	}
	r.mu.RLock()
	task := r.tasks[taskID]
	r.mu.RUnlock()
	if task != nil {
		r.publishEvent(ctx, eventType, task)
	}
}

// finalize applies the terminal transition. It returns false when the
// task is unknown or already terminal.
func (r *Registry) finalize(_ context.Context, taskID string, status v1.TaskStatus, entry v1.HistoryEntry) bool {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("terminal event for unknown task", zap.String("task_id", taskID))
		return false
	}
	if task.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Debug("task already terminal", zap.String("task_id", taskID))
		return false
	}

	task.Status = status
	task.History = append(task.History, entry)
	task.LastModified = entry.Timestamp

	woken := r.waiters[taskID]
	delete(r.waiters, taskID)
	r.gcAt[taskID] = time.Now().Add(r.retention)

	done := cloneTask(task)
	r.mu.Unlock()

	for _, ch := range woken {
		ch <- done
	}

	r.logger.Info("task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Int("waiters_woken", len(woken)))
	return true
}

func (r *Registry) dropWaiter(id string, ch chan *v1.Task) {
	chans := r.waiters[id]
	for i, c := range chans {
		if c == ch {
			r.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(r.waiters[id]) == 0 {
		delete(r.waiters, id)
	}
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	delete(r.tasks, taskID)
	delete(r.gcAt, taskID)
	delete(r.waiters, taskID)

	ids := r.byServer[task.ServerID]
	for i, id := range ids {
		if id == taskID {
			r.byServer[task.ServerID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byServer[task.ServerID]) == 0 {
		delete(r.byServer, task.ServerID)
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep forces stuck tasks to failure and collects expired records.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()

	r.mu.RLock()
	var stuck []string
	stuckServers := make(map[string]bool)
	for id, task := range r.tasks {
		if task.Status == v1.TaskStatusActive && now.Sub(task.CreatedAt.Time) > r.adminTimeout {
			stuck = append(stuck, id)
			stuckServers[task.ServerID] = true
		}
	}
	var expired []string
	for id, at := range r.gcAt {
		if now.After(at) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stuck {
		r.logger.Warn("task exceeded admin timeout, forcing failure", zap.String("task_id", id))
		r.OnTerminal(ctx, id, v1.TaskStatusFailure, v1.HistoryEntry{
			Timestamp: v1.Now(),
			Event:     "admin_timeout",
			Detail:    map[string]interface{}{"message": "task exceeded administrative timeout"},
		})
	}

	// The task is failed as far as clients are concerned; an agent that
	// accepted it but never started should drop it too.
	for serverID := range stuckServers {
		if err := r.transport.CancelPending(ctx, serverID); err != nil {
			r.logger.Warn("failed to cancel pending work",
				zap.String("server_id", serverID), zap.Error(err))
		}
	}

	for _, id := range expired {
		r.remove(id)
		r.logger.Debug("collected expired task record", zap.String("task_id", id))
	}
}

func (r *Registry) publishEvent(ctx context.Context, eventType string, task *v1.Task) {
	if r.eventBus == nil {
		return
	}

	r.mu.RLock()
	data := map[string]interface{}{
		"task_id":   task.ID,
		"server_id": task.ServerID,
		"kind":      task.Kind,
		"status":    string(task.Status),
	}
	r.mu.RUnlock()

	event := bus.NewEvent(eventType, "task-registry", data)
	if err := r.eventBus.Publish(ctx, events.BuildObserverSubject(eventType), event); err != nil {
		r.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// cloneTask copies the record and its history so callers never share
// the registry's mutable state. Params and detail maps are treated as
// immutable once set.
func cloneTask(t *v1.Task) *v1.Task {
	clone := *t
	clone.History = append([]v1.HistoryEntry(nil), t.History...)
	return &clone
}
