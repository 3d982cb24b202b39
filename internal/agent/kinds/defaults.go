package kinds

import (
	"context"
	"fmt"
	"time"
)

// LoadDefaults registers the built-in task kinds.
func (r *Registry) LoadDefaults() {
	defaults := map[string]Handler{
		"nop":           nopHandler,
		"server_reboot": rebootHandler,
		"server_update": updateHandler,
	}
	for kind, handler := range defaults {
		if err := r.Register(kind, handler); err != nil {
			r.logger.Warn("skipping default kind: " + err.Error())
		}
	}
}

// nopHandler does nothing except what its params tell it to: sleep for
// {"sleep": N} seconds, then fail if {"error": "..."} is set.
func nopHandler(ctx context.Context, params Params, emit EmitFunc) (map[string]interface{}, error) {
	if err := maybeSleep(ctx, params); err != nil {
		return nil, err
	}
	if reason, ok := failureReason(params); ok {
		return nil, fmt.Errorf("%s", reason)
	}
	return map[string]interface{}{}, nil
}

func rebootHandler(ctx context.Context, params Params, emit EmitFunc) (map[string]interface{}, error) {
	emit("reboot_requested", nil)
	if err := maybeSleep(ctx, params); err != nil {
		return nil, err
	}
	if reason, ok := failureReason(params); ok {
		return nil, fmt.Errorf("%s", reason)
	}
	emit("rebooted", nil)
	return map[string]interface{}{"rebooted": true}, nil
}

func updateHandler(ctx context.Context, params Params, emit EmitFunc) (map[string]interface{}, error) {
	emit("collecting_sysinfo", nil)
	if err := maybeSleep(ctx, params); err != nil {
		return nil, err
	}
	if reason, ok := failureReason(params); ok {
		return nil, fmt.Errorf("%s", reason)
	}
	return map[string]interface{}{"sysinfo_updated": true}, nil
}

// maybeSleep honors the "sleep" param (seconds, fractional allowed)
// while staying cancelable.
func maybeSleep(ctx context.Context, params Params) error {
	seconds, ok := params["sleep"].(float64)
	if !ok || seconds <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func failureReason(params Params) (string, bool) {
	reason, ok := params["error"].(string)
	return reason, ok && reason != ""
}
