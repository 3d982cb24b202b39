package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cnapi/cnapi/internal/common/errors"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// RegisterServerRequest is the body for server registration and
// sysinfo updates.
type RegisterServerRequest struct {
	Hostname string                 `json:"hostname" binding:"required"`
	Setup    *bool                  `json:"setup,omitempty"`
	RAMMB    int64                  `json:"ram_mb,omitempty"`
	CPUCores int                    `json:"cpu_cores,omitempty"`
	Sysinfo  map[string]interface{} `json:"sysinfo,omitempty"`
}

// DiagnosticsResponse reports process-level facts that stay stable for
// the lifetime of the server.
type DiagnosticsResponse struct {
	StartTimestamp v1.Time `json:"start_timestamp"`
}

// HealthResponse is the healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Bus    bool   `json:"bus"`
	Store  bool   `json:"store"`
}

// intQuery parses an integer query parameter. Values with trailing
// garbage ("1up") fail strconv.Atoi and are rejected outright.
func intQuery(c *gin.Context, name string, def int) (int, *errors.AppError) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.BadParam(name, fmt.Sprintf("%q is not an integer", raw))
	}
	return n, nil
}

// waitTimeout parses the timeout query parameter in whole seconds.
// Absent means the configured default; zero and negative values are
// rejected so a caller cannot turn the long poll into a busy loop.
func waitTimeout(c *gin.Context, def time.Duration) (time.Duration, *errors.AppError) {
	raw := c.Query("timeout")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.BadParam("timeout", fmt.Sprintf("%q is not a positive integer number of seconds", raw))
	}
	return time.Duration(n) * time.Second, nil
}

// boolQuery parses a boolean query parameter, absent meaning false.
func boolQuery(c *gin.Context, name string) (bool, *errors.AppError) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.BadParam(name, fmt.Sprintf("%q is not a boolean", raw))
	}
	return v, nil
}
