// Package inventory tracks the fleet of compute nodes the control plane
// fronts: registration, sysinfo, and heartbeat-driven liveness.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moby/locker"
	"go.uber.org/zap"

	apperrors "github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/store"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// ServersBucket is the store bucket holding one document per server.
const ServersBucket = "cnapi_servers"

const applyRetries = 3

// RegisterRequest contains the mutable fields of a server record.
// Pointer and zero-valued fields are left untouched on update.
type RegisterRequest struct {
	Hostname string
	Setup    *bool
	RAMMB    int64
	CPUCores int
	Sysinfo  map[string]interface{}
}

// Manager owns the server inventory. Mutations take a per-server named
// lock and write through the store with etag checks, so concurrent
// heartbeats and updates for one server serialize.
type Manager struct {
	store    store.Store
	eventBus bus.EventBus
	locks    *locker.Locker
	logger   *logger.Logger

	heartbeatGrace  time.Duration
	monitorInterval time.Duration

	heartbeatSub bus.Subscription
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewManager creates an inventory manager. Start must be called before
// use.
func NewManager(st store.Store, eventBus bus.EventBus, heartbeatGrace, monitorInterval time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:           st,
		eventBus:        eventBus,
		locks:           locker.New(),
		logger:          log.WithFields(zap.String("component", "inventory")),
		heartbeatGrace:  heartbeatGrace,
		monitorInterval: monitorInterval,
		stopCh:          make(chan struct{}),
	}
}

// Start registers the servers bucket, subscribes to heartbeats, and
// starts the liveness monitor.
func (m *Manager) Start(ctx context.Context) error {
	err := m.store.RegisterBucket(ctx, store.Bucket{
		Name:    ServersBucket,
		Indexes: []string{"hostname", "status", "setup"},
	})
	if err != nil {
		return fmt.Errorf("failed to register servers bucket: %w", err)
	}

	if m.eventBus != nil {
		sub, err := m.eventBus.Subscribe(events.BuildHeartbeatWildcardSubject(), m.handleHeartbeat)
		if err != nil {
			return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
		}
		m.heartbeatSub = sub
	}

	m.wg.Add(1)
	go m.monitorLoop(ctx)

	m.logger.Info("inventory manager started",
		zap.Duration("heartbeat_grace", m.heartbeatGrace),
		zap.Duration("monitor_interval", m.monitorInterval))
	return nil
}

// Stop stops the monitor and drops the heartbeat subscription.
func (m *Manager) Stop() error {
	if m.heartbeatSub != nil {
		_ = m.heartbeatSub.Unsubscribe()
	}
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

// Register creates or updates a server record. Liveness fields are
// owned by the heartbeat path and are not touched here.
func (m *Manager) Register(ctx context.Context, serverID string, req *RegisterRequest) (*v1.Server, error) {
	var created bool
	server, err := m.applyLocked(ctx, serverID, func(existing *v1.Server) (*v1.Server, error) {
		now := v1.Now()
		if existing == nil {
			created = true
			existing = &v1.Server{
				UUID:      serverID,
				Status:    v1.ServerStatusUnknown,
				CreatedAt: now,
			}
		}
		if req.Hostname != "" {
			existing.Hostname = req.Hostname
		}
		if req.Setup != nil {
			existing.Setup = *req.Setup
		}
		if req.RAMMB > 0 {
			existing.RAMMB = req.RAMMB
		}
		if req.CPUCores > 0 {
			existing.CPUCores = req.CPUCores
		}
		if req.Sysinfo != nil {
			existing.Sysinfo = req.Sysinfo
		}
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		m.publishEvent(ctx, events.ServerRegistered, server)
		m.logger.Info("server registered",
			zap.String("server_id", serverID),
			zap.String("hostname", server.Hostname))
	}
	return server, nil
}

// Heartbeat records contact from a server's agent, creating the record
// on first contact.
func (m *Manager) Heartbeat(ctx context.Context, serverID, hostname string) (*v1.Server, error) {
	var wasUnknown bool
	server, err := m.applyLocked(ctx, serverID, func(existing *v1.Server) (*v1.Server, error) {
		now := v1.Now()
		if existing == nil {
			existing = &v1.Server{
				UUID:      serverID,
				Hostname:  hostname,
				CreatedAt: now,
			}
		}
		wasUnknown = existing.Status != v1.ServerStatusRunning
		if hostname != "" {
			existing.Hostname = hostname
		}
		existing.Status = v1.ServerStatusRunning
		existing.LastHeartbeat = &now
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return nil, err
	}

	if wasUnknown {
		m.publishEvent(ctx, events.ServerStatusChanged, server)
		m.logger.Info("server is running",
			zap.String("server_id", serverID),
			zap.String("hostname", server.Hostname))
	}
	m.publishEvent(ctx, events.ServerHeartbeat, server)
	return server, nil
}

// Get returns one server record.
func (m *Manager) Get(ctx context.Context, serverID string) (*v1.Server, error) {
	item, err := m.store.Get(ctx, ServersBucket, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("server", serverID)
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return decodeServer(item.Value)
}

// Exists reports whether a server record is present. Task and ticket
// creation reject unknown servers with this.
func (m *Manager) Exists(ctx context.Context, serverID string) (bool, error) {
	_, err := m.store.Get(ctx, ServersBucket, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.StoreUnavailable(err)
	}
	return true, nil
}

// List returns servers ordered by hostname, optionally filtered by
// status.
func (m *Manager) List(ctx context.Context, status string, limit, offset int) ([]*v1.Server, error) {
	var filter store.Filter
	if status != "" {
		filter = store.Filter{store.Eq("status", status)}
	}
	items, err := m.store.Find(ctx, ServersBucket, filter, store.FindOptions{
		Sort:   []store.SortKey{{Field: "hostname"}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	servers := make([]*v1.Server, 0, len(items))
	for _, item := range items {
		server, err := decodeServer(item.Value)
		if err != nil {
			m.logger.Warn("skipping undecodable server record", zap.String("key", item.Key), zap.Error(err))
			continue
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// applyLocked runs a read-modify-write for one server under its named
// lock. fn receives nil when the record does not exist yet. Etag
// conflicts from writers outside this process re-read and reapply.
func (m *Manager) applyLocked(ctx context.Context, serverID string, fn func(existing *v1.Server) (*v1.Server, error)) (*v1.Server, error) {
	lockName := "server:" + serverID
	m.locks.Lock(lockName)
	defer func() { _ = m.locks.Unlock(lockName) }()

	for attempt := 0; attempt < applyRetries; attempt++ {
		var existing *v1.Server
		var etag string

		item, err := m.store.Get(ctx, ServersBucket, serverID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, apperrors.StoreUnavailable(err)
		default:
			existing, err = decodeServer(item.Value)
			if err != nil {
				return nil, err
			}
			etag = item.Etag
		}

		updated, err := fn(existing)
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(updated)
		if err != nil {
			return nil, apperrors.InternalError("failed to encode server record", err)
		}

		_, err = m.store.Put(ctx, ServersBucket, serverID, value, etag)
		if errors.Is(err, store.ErrEtagConflict) {
			continue
		}
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		return updated, nil
	}
	return nil, apperrors.StoreUnavailable(store.ErrEtagConflict)
}

func (m *Manager) handleHeartbeat(ctx context.Context, event *bus.Event) error {
	serverID, _ := event.Data["server_id"].(string)
	if serverID == "" {
		m.logger.Warn("heartbeat without server_id", zap.String("event_id", event.ID))
		return nil
	}
	hostname, _ := event.Data["hostname"].(string)

	if _, err := m.Heartbeat(ctx, serverID, hostname); err != nil {
		m.logger.Error("failed to record heartbeat",
			zap.String("server_id", serverID),
			zap.Error(err))
		return err
	}
	return nil
}

// monitorLoop demotes servers to unknown when their last contact is
// older than the heartbeat grace.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.heartbeatGrace)

	offset := 0
	for {
		items, err := m.store.Find(ctx, ServersBucket, store.Filter{store.Eq("status", string(v1.ServerStatusRunning))}, store.FindOptions{
			Sort:   []store.SortKey{{Field: "hostname"}},
			Offset: offset,
		})
		if err != nil {
			m.logger.Error("liveness sweep query failed", zap.Error(err))
			return
		}
		if len(items) == 0 {
			return
		}

		for _, item := range items {
			server, err := decodeServer(item.Value)
			if err != nil {
				continue
			}
			if !lastSeen(server).Before(cutoff) {
				continue
			}
			m.markUnknown(ctx, server.UUID, cutoff)
		}
		offset += len(items)
	}
}

func (m *Manager) markUnknown(ctx context.Context, serverID string, cutoff time.Time) {
	var changed bool
	server, err := m.applyLocked(ctx, serverID, func(existing *v1.Server) (*v1.Server, error) {
		if existing == nil {
			return nil, apperrors.NotFound("server", serverID)
		}
		// A heartbeat may have landed between the sweep read and this
		// lock.
		if existing.Status != v1.ServerStatusRunning || !lastSeen(existing).Before(cutoff) {
			return existing, nil
		}
		changed = true
		existing.Status = v1.ServerStatusUnknown
		existing.UpdatedAt = v1.Now()
		return existing, nil
	})
	if err != nil {
		m.logger.Error("failed to demote stale server",
			zap.String("server_id", serverID),
			zap.Error(err))
		return
	}

	if changed {
		m.publishEvent(ctx, events.ServerStatusChanged, server)
		m.logger.Warn("server missed heartbeats, marking unknown",
			zap.String("server_id", serverID),
			zap.String("hostname", server.Hostname))
	}
}

// lastSeen is the most recent contact for liveness purposes. Records
// without a heartbeat yet fall back to their last update.
func lastSeen(server *v1.Server) time.Time {
	if server.LastHeartbeat != nil {
		return server.LastHeartbeat.Time
	}
	return server.UpdatedAt.Time
}

func (m *Manager) publishEvent(ctx context.Context, eventType string, server *v1.Server) {
	if m.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"server_id": server.UUID,
		"hostname":  server.Hostname,
		"status":    string(server.Status),
	}
	event := bus.NewEvent(eventType, "inventory", data)

	if err := m.eventBus.Publish(ctx, events.BuildObserverSubject(eventType), event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("server_id", server.UUID),
			zap.Error(err))
	}
}

func decodeServer(value []byte) (*v1.Server, error) {
	var server v1.Server
	if err := json.Unmarshal(value, &server); err != nil {
		return nil, apperrors.InternalError("failed to decode server record", err)
	}
	return &server, nil
}
