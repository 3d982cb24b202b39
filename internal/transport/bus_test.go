package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cnapi/cnapi/internal/agent/kinds"
	"github.com/cnapi/cnapi/internal/agent/sim"
	apperrors "github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

type terminalCall struct {
	taskID string
	status v1.TaskStatus
	entry  v1.HistoryEntry
}

type recordingHandler struct {
	mu         sync.Mutex
	progress   []v1.HistoryEntry
	terminalCh chan terminalCall
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{terminalCh: make(chan terminalCall, 16)}
}

func (h *recordingHandler) OnProgress(_ context.Context, taskID string, entry v1.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, entry)
}

func (h *recordingHandler) OnTerminal(_ context.Context, taskID string, status v1.TaskStatus, entry v1.HistoryEntry) {
	h.terminalCh <- terminalCall{taskID: taskID, status: status, entry: entry}
}

func (h *recordingHandler) progressEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.progress))
	for _, entry := range h.progress {
		names = append(names, entry.Event)
	}
	return names
}

func (h *recordingHandler) waitTerminal(t *testing.T, timeout time.Duration) terminalCall {
	t.Helper()
	select {
	case call := <-h.terminalCh:
		return call
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for terminal event")
		return terminalCall{}
	}
}

func newTestTransport(t *testing.T, dispatchTimeout time.Duration) (*BusTransport, bus.EventBus, *recordingHandler) {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	tr := NewBusTransport(eventBus, dispatchTimeout, log)
	handler := newRecordingHandler()
	tr.SetHandler(handler)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start transport: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Stop()
		eventBus.Close()
	})
	return tr, eventBus, handler
}

func startSimAgent(t *testing.T, eventBus bus.EventBus, serverID string) *sim.Agent {
	t.Helper()
	log := newTestLogger(t)
	reg := kinds.NewRegistry(log)
	reg.LoadDefaults()

	agent := sim.NewAgent(serverID, serverID+".local", eventBus, reg, 0, log)
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start sim agent: %v", err)
	}
	t.Cleanup(agent.Stop)
	return agent
}

func appErrorCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected AppError, got %v", err)
	}
	return appErr.Code
}

func TestBusTransport_DispatchComplete(t *testing.T) {
	tr, eventBus, handler := newTestTransport(t, time.Second)
	startSimAgent(t, eventBus, "srv-1")

	task := &v1.Task{ID: "task-1", ServerID: "srv-1", Kind: "nop", Params: map[string]interface{}{}}
	if err := tr.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	call := handler.waitTerminal(t, 2*time.Second)
	if call.taskID != "task-1" {
		t.Errorf("Expected terminal for task-1, got %s", call.taskID)
	}
	if call.status != v1.TaskStatusComplete {
		t.Errorf("Expected complete, got %s", call.status)
	}
	if call.entry.Event != "finished" {
		t.Errorf("Expected finished event, got %q", call.entry.Event)
	}
	if call.entry.Timestamp.IsZero() {
		t.Error("Expected terminal entry to carry a timestamp")
	}
}

func TestBusTransport_DispatchFailure(t *testing.T) {
	tr, eventBus, handler := newTestTransport(t, time.Second)
	startSimAgent(t, eventBus, "srv-1")

	task := &v1.Task{ID: "task-die", ServerID: "srv-1", Kind: "nop", Params: map[string]interface{}{"error": "die"}}
	if err := tr.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	call := handler.waitTerminal(t, 2*time.Second)
	if call.status != v1.TaskStatusFailure {
		t.Errorf("Expected failure, got %s", call.status)
	}
	if msg, _ := call.entry.Detail["message"].(string); msg != "die" {
		t.Errorf("Expected failure message %q, got %q", "die", msg)
	}
}

func TestBusTransport_DispatchUnknownKindRejected(t *testing.T) {
	tr, eventBus, _ := newTestTransport(t, time.Second)
	startSimAgent(t, eventBus, "srv-1")

	task := &v1.Task{ID: "task-2", ServerID: "srv-1", Kind: "bogus"}
	err := tr.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("Expected dispatch to be rejected")
	}
	if code := appErrorCode(t, err); code != apperrors.ErrCodeAgentRejected {
		t.Errorf("Expected %s, got %s", apperrors.ErrCodeAgentRejected, code)
	}
}

func TestBusTransport_DispatchNoAgentUnreachable(t *testing.T) {
	tr, _, _ := newTestTransport(t, 150*time.Millisecond)

	task := &v1.Task{ID: "task-3", ServerID: "srv-silent", Kind: "nop"}
	err := tr.Dispatch(context.Background(), task)
	if err == nil {
		t.Fatal("Expected dispatch to fail with no agent listening")
	}
	if code := appErrorCode(t, err); code != apperrors.ErrCodeAgentUnreachable {
		t.Errorf("Expected %s, got %s", apperrors.ErrCodeAgentUnreachable, code)
	}
}

func TestBusTransport_ProgressBeforeTerminal(t *testing.T) {
	tr, eventBus, handler := newTestTransport(t, time.Second)
	startSimAgent(t, eventBus, "srv-1")

	task := &v1.Task{
		ID:       "task-4",
		ServerID: "srv-1",
		Kind:     "server_reboot",
		Params:   map[string]interface{}{"sleep": 0.05},
	}
	if err := tr.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	call := handler.waitTerminal(t, 2*time.Second)
	if call.status != v1.TaskStatusComplete {
		t.Fatalf("Expected complete, got %s", call.status)
	}
	if got, _ := call.entry.Detail["rebooted"].(bool); !got {
		t.Error("Expected terminal detail from the kind handler")
	}

	progress := handler.progressEvents()
	if len(progress) != 2 || progress[0] != "reboot_requested" || progress[1] != "rebooted" {
		t.Errorf("Expected ordered progress [reboot_requested rebooted], got %v", progress)
	}
}

func TestBusTransport_TerminalDedupe(t *testing.T) {
	_, eventBus, handler := newTestTransport(t, time.Second)
	ctx := context.Background()

	publish := func() {
		event := bus.NewEvent(events.TaskFailed, "test", map[string]interface{}{
			"task_id": "task-dup",
			"status":  "failure",
			"event":   "error",
		})
		if err := eventBus.Publish(ctx, events.TaskTerminalSubject, event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	publish()
	publish()

	call := handler.waitTerminal(t, time.Second)
	if call.taskID != "task-dup" || call.status != v1.TaskStatusFailure {
		t.Errorf("Unexpected terminal call: %+v", call)
	}

	select {
	case extra := <-handler.terminalCh:
		t.Errorf("Expected duplicate terminal to be dropped, got %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusTransport_MalformedEventsDropped(t *testing.T) {
	_, eventBus, handler := newTestTransport(t, time.Second)
	ctx := context.Background()

	// No task_id: both subjects must drop it without disturbing later
	// events.
	bad := bus.NewEvent(events.TaskProgress, "test", map[string]interface{}{"event": "orphan"})
	if err := eventBus.Publish(ctx, events.TaskProgressSubject, bad); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	badTerminal := bus.NewEvent(events.TaskFailed, "test", map[string]interface{}{
		"task_id": "task-x",
		"status":  "exploded",
	})
	if err := eventBus.Publish(ctx, events.TaskTerminalSubject, badTerminal); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	good := bus.NewEvent(events.TaskCompleted, "test", map[string]interface{}{
		"task_id": "task-ok",
		"status":  "complete",
		"event":   "finished",
	})
	if err := eventBus.Publish(ctx, events.TaskTerminalSubject, good); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	call := handler.waitTerminal(t, time.Second)
	if call.taskID != "task-ok" {
		t.Errorf("Expected only the well-formed terminal, got %+v", call)
	}
	if len(handler.progressEvents()) != 0 {
		t.Error("Expected malformed progress event to be dropped")
	}
}

func TestBusTransport_CancelPendingDrainsWork(t *testing.T) {
	tr, eventBus, handler := newTestTransport(t, time.Second)
	startSimAgent(t, eventBus, "srv-1")

	task := &v1.Task{
		ID:       "task-slow",
		ServerID: "srv-1",
		Kind:     "nop",
		Params:   map[string]interface{}{"sleep": 5.0},
	}
	if err := tr.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if err := tr.CancelPending(context.Background(), "srv-1"); err != nil {
		t.Fatalf("CancelPending failed: %v", err)
	}

	call := handler.waitTerminal(t, 2*time.Second)
	if call.status != v1.TaskStatusFailure {
		t.Errorf("Expected canceled work to fail, got %s", call.status)
	}
	if call.entry.Event != "canceled" {
		t.Errorf("Expected canceled event, got %q", call.entry.Event)
	}
}
