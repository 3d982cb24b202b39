package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the control-plane API routes
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	// Servers and the work queued against them
	servers := router.Group("/servers")
	{
		servers.GET("", handler.ListServers)
		servers.GET("/:serverId", handler.GetServer)
		servers.PUT("/:serverId", handler.RegisterServer)

		servers.POST("/:serverId/tasks/:kind", handler.CreateTask)
		servers.GET("/:serverId/tasks", handler.ListServerTasks)

		servers.POST("/:serverId/tickets", handler.CreateTicket)
		servers.GET("/:serverId/tickets", handler.ListTickets)
		servers.DELETE("/:serverId/tickets", handler.DeleteTickets)
	}

	// Tasks by id
	tasks := router.Group("/tasks/:taskId")
	{
		tasks.GET("", handler.GetTask)
		tasks.GET("/wait", handler.WaitTask)
	}

	// Tickets by uuid
	tickets := router.Group("/tickets/:ticketId")
	{
		tickets.GET("", handler.GetTicket)
		tickets.GET("/wait", handler.WaitTicket)
		tickets.PUT("/release", handler.ReleaseTicket)
	}

	router.GET("/diagnostics", handler.Diagnostics)
}
