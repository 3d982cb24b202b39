// Package api exposes the control plane over HTTP: task submission and
// long polling, waitlist tickets, the server inventory, and process
// diagnostics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/config"
	"github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/inventory"
	"github.com/cnapi/cnapi/internal/store"
	"github.com/cnapi/cnapi/internal/tasks"
	"github.com/cnapi/cnapi/internal/waitlist"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// Handler holds the services the HTTP layer fronts.
type Handler struct {
	registry  *tasks.Registry
	waitlist  *waitlist.Service
	inventory *inventory.Manager
	store     store.Store
	bus       bus.EventBus
	logger    *logger.Logger

	startedAt  v1.Time
	taskWait   time.Duration
	ticketWait time.Duration
	maxLimit   int
}

// NewHandler creates the HTTP handler set.
func NewHandler(registry *tasks.Registry, wl *waitlist.Service, inv *inventory.Manager, st store.Store, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		registry:   registry,
		waitlist:   wl,
		inventory:  inv,
		store:      st,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "api")),
		startedAt:  v1.Now(),
		taskWait:   cfg.Tasks.DefaultWaitTimeoutDuration(),
		ticketWait: cfg.Waitlist.DefaultWaitTimeoutDuration(),
		maxLimit:   cfg.Waitlist.MaxLimit,
	}
}

// CreateTask submits a task to a server's agent
// POST /api/v1/servers/:serverId/tasks/:kind
func (h *Handler) CreateTask(c *gin.Context) {
	serverID := c.Param("serverId")
	kind := c.Param("kind")

	var params map[string]interface{}
	if err := c.ShouldBindJSON(&params); err != nil {
		// Allow empty body, parameters are optional
		params = nil
	}

	task, err := h.registry.Create(c.Request.Context(), serverID, kind, params)
	if err != nil {
		h.logger.Error("failed to create task",
			zap.String("server_id", serverID),
			zap.String("kind", kind),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to create task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, v1.TaskCreated{ID: task.ID, Status: v1.TaskStatusActive})
}

// ListServerTasks returns the tasks known for a server, newest first
// GET /api/v1/servers/:serverId/tasks
func (h *Handler) ListServerTasks(c *gin.Context) {
	serverID := c.Param("serverId")

	taskList, err := h.registry.ListForServer(c.Request.Context(), serverID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to list tasks")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if taskList == nil {
		taskList = []*v1.Task{}
	}

	c.JSON(http.StatusOK, taskList)
}

// GetTask returns one task by id
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.registry.Get(c.Param("taskId"))
	if err != nil {
		appErr := errors.Wrap(err, "failed to get task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, task)
}

// WaitTask blocks until the task reaches a terminal status or the
// timeout passes. A timeout answers 408 and carries the task as it
// stands so the caller can inspect progress so far.
// GET /api/v1/tasks/:taskId/wait?timeout=N
func (h *Handler) WaitTask(c *gin.Context) {
	taskID := c.Param("taskId")

	timeout, appErr := waitTimeout(c, h.taskWait)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.registry.Wait(c.Request.Context(), taskID, timeout)
	if err != nil {
		if errors.IsTimeout(err) {
			c.JSON(http.StatusRequestTimeout, task)
			return
		}
		appErr = errors.Wrap(err, "failed to wait for task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, task)
}

// CreateTicket queues a waitlist ticket for a server
// POST /api/v1/servers/:serverId/tickets
func (h *Handler) CreateTicket(c *gin.Context) {
	serverID := c.Param("serverId")

	var req waitlist.CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid ticket payload: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.ReqID == "" {
		req.ReqID = requestID(c)
	}

	exists, err := h.inventory.Exists(c.Request.Context(), serverID)
	if err != nil {
		appErr := errors.Wrap(err, "failed to check server")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !exists {
		appErr := errors.NotFound("server", serverID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	created, err := h.waitlist.CreateTicket(c.Request.Context(), serverID, &req)
	if err != nil {
		h.logger.Error("failed to create ticket",
			zap.String("server_id", serverID),
			zap.String("scope", req.Scope),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to create ticket")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, created)
}

// ListTickets returns a server's tickets, oldest first
// GET /api/v1/servers/:serverId/tickets?limit=&offset=&scope=&status=
func (h *Handler) ListTickets(c *gin.Context) {
	serverID := c.Param("serverId")

	limit, appErr := intQuery(c, "limit", h.maxLimit)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	offset, appErr := intQuery(c, "offset", 0)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tickets, err := h.waitlist.ListTickets(c.Request.Context(), serverID, waitlist.ListOptions{
		Scope:  c.Query("scope"),
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		appErr := errors.Wrap(err, "failed to list tickets")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if tickets == nil {
		tickets = []v1.Ticket{}
	}

	c.JSON(http.StatusOK, tickets)
}

// GetTicket returns one ticket by uuid
// GET /api/v1/tickets/:ticketId
func (h *Handler) GetTicket(c *gin.Context) {
	ticket, err := h.waitlist.GetTicket(c.Request.Context(), c.Param("ticketId"))
	if err != nil {
		appErr := errors.Wrap(err, "failed to get ticket")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// WaitTicket blocks until the ticket is active or terminal. Active and
// finished answer 204, expired answers 410 with the ticket, a timeout
// answers 408 with the ticket still queued.
// GET /api/v1/tickets/:ticketId/wait?timeout=N
func (h *Handler) WaitTicket(c *gin.Context) {
	ticketID := c.Param("ticketId")

	timeout, appErr := waitTimeout(c, h.ticketWait)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ticket, err := h.waitlist.WaitTicket(c.Request.Context(), ticketID, timeout)
	if err != nil {
		appErr = errors.Wrap(err, "failed to wait for ticket")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if ticket.Status == v1.TicketStatusExpired {
		c.JSON(http.StatusGone, ticket)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReleaseTicket finishes an active ticket and promotes its successor
// PUT /api/v1/tickets/:ticketId/release
func (h *Handler) ReleaseTicket(c *gin.Context) {
	ticketID := c.Param("ticketId")

	if _, err := h.waitlist.ReleaseTicket(c.Request.Context(), ticketID); err != nil {
		h.logger.Error("failed to release ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to release ticket")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// DeleteTickets removes a server's tickets. Without force the request
// is refused while any ticket is active.
// DELETE /api/v1/servers/:serverId/tickets?force=true
func (h *Handler) DeleteTickets(c *gin.Context) {
	serverID := c.Param("serverId")

	force, appErr := boolQuery(c, "force")
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	count, err := h.waitlist.DeleteTickets(c.Request.Context(), serverID, force)
	if err != nil {
		appErr = errors.Wrap(err, "failed to delete tickets")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.logger.Info("deleted tickets",
		zap.String("server_id", serverID),
		zap.Int("count", count),
		zap.Bool("force", force))
	c.Status(http.StatusNoContent)
}

// RegisterServer creates or updates a server record
// PUT /api/v1/servers/:serverId
func (h *Handler) RegisterServer(c *gin.Context) {
	serverID := c.Param("serverId")

	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid server payload: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	server, err := h.inventory.Register(c.Request.Context(), serverID, &inventory.RegisterRequest{
		Hostname: req.Hostname,
		Setup:    req.Setup,
		RAMMB:    req.RAMMB,
		CPUCores: req.CPUCores,
		Sysinfo:  req.Sysinfo,
	})
	if err != nil {
		h.logger.Error("failed to register server", zap.String("server_id", serverID), zap.Error(err))
		appErr := errors.Wrap(err, "failed to register server")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, server)
}

// GetServer returns one server record
// GET /api/v1/servers/:serverId
func (h *Handler) GetServer(c *gin.Context) {
	server, err := h.inventory.Get(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		appErr := errors.Wrap(err, "failed to get server")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, server)
}

// ListServers returns the server inventory
// GET /api/v1/servers?status=&limit=&offset=
func (h *Handler) ListServers(c *gin.Context) {
	limit, appErr := intQuery(c, "limit", 0)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	offset, appErr := intQuery(c, "offset", 0)
	if appErr != nil {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	servers, err := h.inventory.List(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		appErr = errors.Wrap(err, "failed to list servers")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if servers == nil {
		servers = []*v1.Server{}
	}

	c.JSON(http.StatusOK, servers)
}

// Diagnostics reports process facts that never change while the server
// runs, so clients can detect restarts
// GET /api/v1/diagnostics
func (h *Handler) Diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, DiagnosticsResponse{StartTimestamp: h.startedAt})
}

// Health reports bus and store connectivity
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	busOK := h.bus.IsConnected()

	storeOK := true
	if _, err := h.store.Find(c.Request.Context(), waitlist.TicketsBucket, nil, store.FindOptions{Limit: 1}); err != nil {
		storeOK = false
	}

	resp := HealthResponse{Status: "ok", Bus: busOK, Store: storeOK}
	code := http.StatusOK
	if !busOK || !storeOK {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
