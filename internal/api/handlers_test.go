package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnapi/cnapi/internal/agent/kinds"
	"github.com/cnapi/cnapi/internal/agent/sim"
	"github.com/cnapi/cnapi/internal/common/config"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/inventory"
	"github.com/cnapi/cnapi/internal/store"
	"github.com/cnapi/cnapi/internal/tasks"
	"github.com/cnapi/cnapi/internal/transport"
	"github.com/cnapi/cnapi/internal/waitlist"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// newAPIRouter wires the full stack behind a gin router: memory store,
// memory bus, inventory with srv-1 registered, a sim agent answering
// dispatches, the task registry, and the waitlist.
func newAPIRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	ctx := context.Background()

	cfg := &config.Config{
		Tasks: config.TasksConfig{
			Retention:          3600,
			AdminTimeout:       3600,
			DefaultWaitTimeout: 60,
			DispatchTimeout:    2,
			SweepInterval:      3600,
		},
		Waitlist: config.WaitlistConfig{
			RetentionWindow:    3600,
			MaxLimit:           1000,
			DefaultWaitTimeout: 60,
			EtagRetries:        3,
			SweepInterval:      3600,
		},
	}

	eventBus := bus.NewMemoryEventBus(log)
	st := store.NewMemoryStore(0, log)

	invent := inventory.NewManager(st, eventBus, time.Minute, time.Hour, log)
	require.NoError(t, invent.Start(ctx))

	tr := transport.NewBusTransport(eventBus, cfg.Tasks.DispatchTimeoutDuration(), log)
	registry := tasks.NewRegistry(tr, invent, eventBus, cfg.Tasks, log)
	tr.SetHandler(registry)
	require.NoError(t, tr.Start(ctx))
	require.NoError(t, registry.Start(ctx))

	wl := waitlist.NewService(st, eventBus, cfg.Waitlist, log)
	require.NoError(t, wl.Start(ctx))

	reg := kinds.NewRegistry(log)
	reg.LoadDefaults()
	agent := sim.NewAgent("srv-1", "compute-01", eventBus, reg, 0, log)
	require.NoError(t, agent.Start(ctx))

	_, err = invent.Register(ctx, "srv-1", &inventory.RegisterRequest{Hostname: "compute-01"})
	require.NoError(t, err)

	handler := NewHandler(registry, wl, invent, st, eventBus, cfg, log)
	router := gin.New()
	router.Use(RequestLogger(log), Recovery(log))
	SetupRoutes(router.Group("/api/v1"), handler)
	router.GET("/healthz", handler.Health)

	t.Cleanup(func() {
		agent.Stop()
		_ = wl.Stop()
		_ = registry.Stop()
		_ = tr.Stop()
		_ = invent.Stop()
		eventBus.Close()
	})
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func ticketBody(scope, id string, ttl time.Duration) waitlist.CreateTicketRequest {
	return waitlist.CreateTicketRequest{
		Scope:     scope,
		ID:        id,
		ExpiresAt: v1.NewTime(time.Now().Add(ttl)),
		Action:    "provision",
	}
}

func TestTaskEndpoints(t *testing.T) {
	router := newAPIRouter(t)

	t.Run("create wait get list", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tasks/nop",
			map[string]interface{}{"sleep": 0.1})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var created v1.TaskCreated
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
		require.NotEmpty(t, created.ID)
		assert.Equal(t, v1.TaskStatusActive, created.Status)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/wait?timeout=5", nil)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var done v1.Task
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &done))
		assert.Equal(t, v1.TaskStatusComplete, done.Status)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
		require.Equal(t, http.StatusOK, resp.Code)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-1/tasks", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var listed []v1.Task
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
		require.Len(t, listed, 1)
		assert.Equal(t, created.ID, listed[0].ID)
	})

	t.Run("create for unknown server", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/ghost/tasks/nop", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("get unknown task", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/tasks/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("wait timeout returns task", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tasks/nop",
			map[string]interface{}{"sleep": 2.0})
		require.Equal(t, http.StatusOK, resp.Code)
		var created v1.TaskCreated
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.ID+"/wait?timeout=1", nil)
		require.Equal(t, http.StatusRequestTimeout, resp.Code)

		var current v1.Task
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &current))
		assert.Equal(t, created.ID, current.ID)
		assert.Equal(t, v1.TaskStatusActive, current.Status)
	})

	t.Run("wait rejects bad timeout", func(t *testing.T) {
		for _, raw := range []string{"pizzacake", "0", "-1", "1up"} {
			resp := doJSON(t, router, http.MethodGet, "/api/v1/tasks/whatever/wait?timeout="+raw, nil)
			assert.Equal(t, http.StatusBadRequest, resp.Code, "timeout=%s", raw)
		}
	})
}

func TestTicketEndpoints(t *testing.T) {
	router := newAPIRouter(t)

	t.Run("lifecycle", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("cpu", "core0", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

		var first v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &first))
		require.NotEmpty(t, first.UUID)
		assert.Equal(t, v1.TicketStatusActive, first.Status)
		require.Len(t, first.Queue, 1)

		resp = doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("cpu", "core0", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)

		var second v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &second))
		assert.Equal(t, v1.TicketStatusQueued, second.Status)
		require.Len(t, second.Queue, 2)
		assert.Equal(t, first.UUID, second.Queue[0].UUID)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tickets/"+first.UUID, nil)
		require.Equal(t, http.StatusOK, resp.Code)

		resp = doJSON(t, router, http.MethodPut, "/api/v1/tickets/"+first.UUID+"/release", nil)
		require.Equal(t, http.StatusNoContent, resp.Code)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tickets/"+second.UUID, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var promoted v1.Ticket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &promoted))
		assert.Equal(t, v1.TicketStatusActive, promoted.Status)

		resp = doJSON(t, router, http.MethodPut, "/api/v1/tickets/"+second.UUID+"/release", nil)
		require.Equal(t, http.StatusNoContent, resp.Code)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-1/tickets?status=finished", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var finished []v1.Ticket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &finished))
		assert.Len(t, finished, 2)
	})

	t.Run("create keeps caller request id", func(t *testing.T) {
		data, err := json.Marshal(ticketBody("ram", "bank0", time.Hour))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/servers/srv-1/tickets", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "req-42")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		require.Equal(t, http.StatusAccepted, resp.Code)

		var created v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
		assert.Equal(t, "req-42", created.ReqID)
		assert.Equal(t, "req-42", resp.Header().Get("X-Request-ID"))
	})

	t.Run("create validation", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets",
			waitlist.CreateTicketRequest{ID: "core1", ExpiresAt: v1.NewTime(time.Now().Add(time.Hour))})
		assert.Equal(t, http.StatusBadRequest, resp.Code)

		resp = doJSON(t, router, http.MethodPost, "/api/v1/servers/ghost/tickets", ticketBody("cpu", "core0", time.Hour))
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("get unknown", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/tickets/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("release errors", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("disk", "sda", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
		resp = doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("disk", "sda", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
		var queued v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &queued))
		require.Equal(t, v1.TicketStatusQueued, queued.Status)

		resp = doJSON(t, router, http.MethodPut, "/api/v1/tickets/"+queued.UUID+"/release", nil)
		assert.Equal(t, http.StatusConflict, resp.Code)

		resp = doJSON(t, router, http.MethodPut, "/api/v1/tickets/nope/release", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestTicketWaitEndpoint(t *testing.T) {
	router := newAPIRouter(t)

	t.Run("active answers immediately", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("cpu", "core0", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
		var created v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
		require.Equal(t, v1.TicketStatusActive, created.Status)

		start := time.Now()
		resp = doJSON(t, router, http.MethodGet, "/api/v1/tickets/"+created.UUID+"/wait?timeout=5", nil)
		assert.Equal(t, http.StatusNoContent, resp.Code)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("queued times out", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("ram", "bank0", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
		resp = doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("ram", "bank0", time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
		var queued v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &queued))
		require.Equal(t, v1.TicketStatusQueued, queued.Status)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tickets/"+queued.UUID+"/wait?timeout=1", nil)
		assert.Equal(t, http.StatusRequestTimeout, resp.Code)
	})

	t.Run("expired answers gone", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets", ticketBody("net", "eth0", -time.Second))
		require.Equal(t, http.StatusAccepted, resp.Code)
		var created v1.CreatedTicket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
		require.Equal(t, v1.TicketStatusExpired, created.Status)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/tickets/"+created.UUID+"/wait?timeout=5", nil)
		assert.Equal(t, http.StatusGone, resp.Code)

		var gone v1.Ticket
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &gone))
		assert.Equal(t, v1.TicketStatusExpired, gone.Status)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/tickets/nope/wait?timeout=1", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestTicketListValidation(t *testing.T) {
	router := newAPIRouter(t)

	bad := []string{
		"limit=0",
		"limit=-1",
		"limit=pizzacake",
		"limit=1up",
		"limit=1001",
		"offset=-1",
		"offset=zero",
		"status=pizzacake",
	}
	for _, query := range bad {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-1/tickets?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, query)
	}

	good := []string{
		"",
		"limit=1",
		"limit=1000",
		"offset=0",
		"limit=1&offset=1",
		"scope=cpu",
		"status=queued",
	}
	for _, query := range good {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-1/tickets?"+query, nil)
		assert.Equal(t, http.StatusOK, resp.Code, query)
	}
}

func TestDeleteTicketsEndpoint(t *testing.T) {
	router := newAPIRouter(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, router, http.MethodPost, "/api/v1/servers/srv-1/tickets",
			ticketBody("cpu", fmt.Sprintf("core%d", i), time.Hour))
		require.Equal(t, http.StatusAccepted, resp.Code)
	}

	resp := doJSON(t, router, http.MethodDelete, "/api/v1/servers/srv-1/tickets", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = doJSON(t, router, http.MethodDelete, "/api/v1/servers/srv-1/tickets?force=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(t, router, http.MethodDelete, "/api/v1/servers/srv-1/tickets?force=true", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-1/tickets", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var remaining []v1.Ticket
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &remaining))
	assert.Empty(t, remaining)
}

func TestServerEndpoints(t *testing.T) {
	router := newAPIRouter(t)

	t.Run("register and get", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPut, "/api/v1/servers/srv-2",
			RegisterServerRequest{Hostname: "compute-02", RAMMB: 65536, CPUCores: 32})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var server v1.Server
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &server))
		assert.Equal(t, "srv-2", server.UUID)
		assert.Equal(t, "compute-02", server.Hostname)
		assert.Equal(t, v1.ServerStatusRunning, server.Status)

		resp = doJSON(t, router, http.MethodGet, "/api/v1/servers/srv-2", nil)
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("register requires hostname", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodPut, "/api/v1/servers/srv-3", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("list", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/servers", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var servers []v1.Server
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &servers))
		assert.NotEmpty(t, servers)
	})

	t.Run("get unknown", func(t *testing.T) {
		resp := doJSON(t, router, http.MethodGet, "/api/v1/servers/ghost", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestDiagnosticsEndpoint(t *testing.T) {
	router := newAPIRouter(t)

	resp := doJSON(t, router, http.MethodGet, "/api/v1/diagnostics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var first DiagnosticsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &first))
	assert.False(t, first.StartTimestamp.IsZero())

	resp = doJSON(t, router, http.MethodGet, "/api/v1/diagnostics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var second DiagnosticsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &second))
	assert.Equal(t, first.StartTimestamp, second.StartTimestamp)
}

func TestHealthEndpoint(t *testing.T) {
	router := newAPIRouter(t)

	resp := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Bus)
	assert.True(t, health.Store)
}
