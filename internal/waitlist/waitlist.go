// Package waitlist implements the durable per-server ticket queues
// that serialize conflicting operations against one compute node.
//
// Tickets for the same (server, scope) pair form a FIFO queue with at
// most one active ticket at a time. Each queue is owned by one
// in-process actor, so its mutations never interleave; the store's
// etag checks keep concurrent processes honest.
package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/config"
	apperrors "github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/store"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// TicketsBucket is the store bucket holding one document per ticket.
const TicketsBucket = "cnapi_waitlist_tickets"

// ticketsBucket declares the bucket and the fields queries may use.
var ticketsBucket = store.Bucket{
	Name:    TicketsBucket,
	Indexes: []string{"server_id", "scope", "status", "created_at", "expires_at"},
}

const (
	// defaultEtagRetries bounds optimistic-concurrency retries when
	// the configuration does not say otherwise.
	defaultEtagRetries = 3

	// minSweepInterval floors the retention sweeper. It never fires
	// more than once a minute.
	minSweepInterval = time.Minute

	// opTimeout bounds one queue command or background sweep.
	opTimeout = 30 * time.Second

	// reconcileRetryDelay schedules a follow-up reconcile after a
	// failed promotion.
	reconcileRetryDelay = 5 * time.Second

	// sweepBatch is how many deletes one retention batch carries.
	sweepBatch = 100
)

// CreateTicketRequest carries the caller-supplied fields of a new
// ticket. Scope, ID, and ExpiresAt are required.
type CreateTicketRequest struct {
	Scope     string                 `json:"scope"`
	ID        string                 `json:"id"`
	ExpiresAt v1.Time                `json:"expires_at"`
	Action    string                 `json:"action,omitempty"`
	ReqID     string                 `json:"req_id,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// ListOptions filters and pages a ticket listing.
type ListOptions struct {
	Scope  string
	Status string
	Limit  int
	Offset int
}

// Service is the waitlist scheduler. Start must be called before use;
// it recovers surviving queues before any request is served.
type Service struct {
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	maxLimit    int
	etagRetries int
	retention   time.Duration
	sweepEvery  time.Duration
	defaultWait time.Duration

	timer   *timerService
	waiters *waiterHub

	mu     sync.Mutex
	actors map[queueKey]*queueActor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a waitlist scheduler.
func NewService(st store.Store, eventBus bus.EventBus, cfg config.WaitlistConfig, log *logger.Logger) *Service {
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = store.DefaultQueryLimit
	}
	etagRetries := cfg.EtagRetries
	if etagRetries <= 0 {
		etagRetries = defaultEtagRetries
	}
	sweepEvery := cfg.SweepIntervalDuration()
	if sweepEvery < minSweepInterval {
		sweepEvery = minSweepInterval
	}
	defaultWait := cfg.DefaultWaitTimeoutDuration()
	if defaultWait <= 0 {
		defaultWait = time.Minute
	}

	s := &Service{
		store:       st,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "waitlist")),
		maxLimit:    maxLimit,
		etagRetries: etagRetries,
		retention:   cfg.RetentionWindowDuration(),
		sweepEvery:  sweepEvery,
		defaultWait: defaultWait,
		waiters:     newWaiterHub(),
		actors:      make(map[queueKey]*queueActor),
		stopCh:      make(chan struct{}),
	}
	s.timer = newTimerService(s.onDeadline)
	return s
}

// Start registers the ticket bucket, reconciles every queue that has
// non-terminal tickets, and starts the expiry timer and the retention
// sweeper. Recovery completes before Start returns, so by the time
// requests are served every queue has a consistent head.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.RegisterBucket(ctx, ticketsBucket); err != nil {
		return err
	}

	if err := s.recover(ctx); err != nil {
		return err
	}

	s.timer.Start()

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info("waitlist scheduler started",
		zap.Int("max_limit", s.maxLimit),
		zap.Duration("retention_window", s.retention))
	return nil
}

// Stop shuts down the actors, the timer, and the sweeper.
func (s *Service) Stop() error {
	close(s.stopCh)
	s.timer.Stop()
	s.wg.Wait()
	s.logger.Info("waitlist scheduler stopped")
	return nil
}

// CreateTicket persists a queued ticket and reconciles its queue. The
// result reflects the state right after reconciliation, together with
// a snapshot of the queue ordered oldest first.
func (s *Service) CreateTicket(ctx context.Context, serverID string, req *CreateTicketRequest) (*v1.CreatedTicket, error) {
	if serverID == "" {
		return nil, apperrors.BadParam("server_id", "server_id is required")
	}
	if req == nil || req.Scope == "" {
		return nil, apperrors.BadParam("scope", "scope is required")
	}
	if req.ID == "" {
		return nil, apperrors.BadParam("id", "id is required")
	}
	if req.ExpiresAt.IsZero() {
		return nil, apperrors.BadParam("expires_at", "expires_at is required")
	}

	now := v1.Now()
	ticket := &v1.Ticket{
		UUID:      uuid.New().String(),
		ServerID:  serverID,
		Scope:     req.Scope,
		ID:        req.ID,
		Status:    v1.TicketStatusQueued,
		Action:    req.Action,
		ReqID:     req.ReqID,
		Extra:     req.Extra,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	actor := s.actorFor(queueKey{serverID: serverID, scope: req.Scope})
	res := s.send(ctx, actor, queueCmd{kind: cmdCreate, ticket: ticket})
	if res.err != nil {
		return nil, res.err
	}
	return &v1.CreatedTicket{Ticket: *res.ticket, Queue: res.queue}, nil
}

// GetTicket returns the ticket with the given uuid.
func (s *Service) GetTicket(ctx context.Context, id string) (*v1.Ticket, error) {
	return s.getTicket(ctx, id)
}

// ListTickets returns a server's tickets ordered by creation time,
// oldest first. It pages through the store, so the requested window is
// honored even past the store's per-query cap.
func (s *Service) ListTickets(ctx context.Context, serverID string, opts ListOptions) ([]v1.Ticket, error) {
	if opts.Limit < 1 || opts.Limit > s.maxLimit {
		return nil, apperrors.BadParam("limit", fmt.Sprintf("limit must be between 1 and %d", s.maxLimit))
	}
	if opts.Offset < 0 {
		return nil, apperrors.BadParam("offset", "offset must not be negative")
	}
	if opts.Status != "" && !validTicketStatus(opts.Status) {
		return nil, apperrors.BadParam("status", fmt.Sprintf("unknown status %q", opts.Status))
	}

	filter := store.Filter{store.Eq("server_id", serverID)}
	if opts.Scope != "" {
		filter = append(filter, store.Eq("scope", opts.Scope))
	}
	if opts.Status != "" {
		filter = append(filter, store.Eq("status", opts.Status))
	}

	tickets := make([]v1.Ticket, 0, opts.Limit)
	offset := opts.Offset
	for len(tickets) < opts.Limit {
		items, err := s.store.Find(ctx, TicketsBucket, filter, store.FindOptions{
			Sort:   []store.SortKey{{Field: "created_at"}},
			Limit:  opts.Limit - len(tickets),
			Offset: offset,
		})
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			ticket, err := decodeTicket(item.Value)
			if err != nil {
				s.logger.Warn("skipping undecodable ticket",
					zap.String("key", item.Key), zap.Error(err))
				continue
			}
			tickets = append(tickets, *ticket)
		}
		offset += len(items)
	}
	return tickets, nil
}

// WaitTicket blocks until the ticket is active or terminal, or until
// the timeout elapses. The current state is returned in every case; a
// timeout comes with a Timeout error so callers can tell it apart.
func (s *Service) WaitTicket(ctx context.Context, id string, timeout time.Duration) (*v1.Ticket, error) {
	if timeout <= 0 {
		timeout = s.defaultWait
	}

	ch := s.waiters.register(id)

	// Read after registering: a transition between the read and the
	// registration would otherwise be missed.
	ticket, err := s.getTicket(ctx, id)
	if err != nil {
		s.waiters.drop(id, ch)
		return nil, err
	}
	if ticket.Status != v1.TicketStatusQueued {
		s.waiters.drop(id, ch)
		return ticket, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case woken := <-ch:
		return woken, nil
	case <-timer.C:
		s.waiters.drop(id, ch)
		// The wake may have raced the timer.
		select {
		case woken := <-ch:
			return woken, nil
		default:
		}
		current, err := s.getTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, apperrors.Timeout(fmt.Sprintf("ticket %s still %s", id, current.Status))
	case <-ctx.Done():
		s.waiters.drop(id, ch)
		return nil, ctx.Err()
	}
}

// ReleaseTicket finishes an active ticket, promoting the next ticket
// in its queue. Releasing anything but an active ticket fails with
// NotActive.
func (s *Service) ReleaseTicket(ctx context.Context, id string) (*v1.Ticket, error) {
	ticket, err := s.getTicket(ctx, id)
	if err != nil {
		return nil, err
	}

	actor := s.actorFor(queueKey{serverID: ticket.ServerID, scope: ticket.Scope})
	res := s.send(ctx, actor, queueCmd{kind: cmdRelease, uuid: id})
	if res.err != nil {
		return nil, res.err
	}
	return res.ticket, nil
}

// DeleteTickets removes every ticket of a server across all scopes,
// page by page. Without force the call refuses while any ticket is
// still active.
func (s *Service) DeleteTickets(ctx context.Context, serverID string, force bool) (int, error) {
	if !force {
		items, err := s.store.Find(ctx, TicketsBucket, store.Filter{
			store.Eq("server_id", serverID),
			store.Eq("status", string(v1.TicketStatusActive)),
		}, store.FindOptions{Limit: 1})
		if err != nil {
			return 0, apperrors.StoreUnavailable(err)
		}
		if len(items) > 0 {
			return 0, apperrors.Conflict("server has active tickets; pass force=true to delete them")
		}
	}

	keys := make(map[queueKey]bool)
	deleted := 0
	for {
		items, err := s.store.Find(ctx, TicketsBucket,
			store.Filter{store.Eq("server_id", serverID)},
			store.FindOptions{Sort: []store.SortKey{{Field: "created_at"}}})
		if err != nil {
			return deleted, apperrors.StoreUnavailable(err)
		}
		if len(items) == 0 {
			break
		}

		ops := make([]store.Op, 0, len(items))
		for _, item := range items {
			if ticket, err := decodeTicket(item.Value); err == nil {
				keys[queueKey{serverID: ticket.ServerID, scope: ticket.Scope}] = true
			}
			ops = append(ops, store.DeleteOp(TicketsBucket, item.Key))
		}
		if err := s.store.Batch(ctx, ops); err != nil {
			return deleted, apperrors.StoreUnavailable(err)
		}
		deleted += len(ops)
	}

	for key := range keys {
		s.timer.Schedule(key, time.Time{})
	}
	if deleted > 0 {
		s.publishDeleted(ctx, serverID, deleted)
		s.logger.Info("deleted server tickets",
			zap.String("server_id", serverID),
			zap.Int("count", deleted),
			zap.Bool("force", force))
	}
	return deleted, nil
}

// recover reconciles each queue with surviving tickets exactly once.
// Tickets that were active when the previous process died stay
// active; their owner either releases them or they expire on
// deadline.
func (s *Service) recover(ctx context.Context) error {
	filter := store.Filter{
		store.Ne("status", string(v1.TicketStatusFinished)),
		store.Ne("status", string(v1.TicketStatusExpired)),
	}

	keys := make(map[queueKey]bool)
	offset := 0
	for {
		items, err := s.store.Find(ctx, TicketsBucket, filter, store.FindOptions{
			Sort:   []store.SortKey{{Field: "created_at"}},
			Offset: offset,
		})
		if err != nil {
			return apperrors.StoreUnavailable(err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			ticket, err := decodeTicket(item.Value)
			if err != nil {
				s.logger.Warn("skipping undecodable ticket during recovery",
					zap.String("key", item.Key), zap.Error(err))
				continue
			}
			keys[queueKey{serverID: ticket.ServerID, scope: ticket.Scope}] = true
		}
		offset += len(items)
	}

	for key := range keys {
		actor := s.actorFor(key)
		if res := s.send(ctx, actor, queueCmd{kind: cmdReconcile}); res.err != nil {
			return res.err
		}
	}

	if len(keys) > 0 {
		s.logger.Info("recovered waitlist queues", zap.Int("queues", len(keys)))
	}
	return nil
}

// actorFor returns the queue's actor, starting it on first use.
func (s *Service) actorFor(key queueKey) *queueActor {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.actors[key]
	if !ok {
		actor = newQueueActor(key, s)
		s.actors[key] = actor
		actor.start()
	}
	return actor
}

// send routes a command to an actor and waits for the result.
func (s *Service) send(ctx context.Context, actor *queueActor, cmd queueCmd) cmdResult {
	cmd.reply = make(chan cmdResult, 1)
	select {
	case actor.inbox <- cmd:
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	case <-s.stopCh:
		return cmdResult{err: apperrors.InternalError("waitlist is shutting down", nil)}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	case <-s.stopCh:
		return cmdResult{err: apperrors.InternalError("waitlist is shutting down", nil)}
	}
}

// onDeadline runs off the timer driver. The expiry itself happens on
// the queue's actor so it serializes with every other mutation.
func (s *Service) onDeadline(key queueKey) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		actor := s.actorFor(key)
		if res := s.send(ctx, actor, queueCmd{kind: cmdExpire}); res.err != nil {
			s.logger.Error("deadline expiry failed",
				zap.String("server_id", key.serverID),
				zap.String("scope", key.scope),
				zap.Error(res.err))
			s.timer.Schedule(key, time.Now().Add(reconcileRetryDelay))
		}
	}()
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			s.sweepRetention(ctx)
			cancel()
		}
	}
}

// sweepRetention deletes terminal tickets that finished or expired
// longer than the retention window ago.
func (s *Service) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	for _, status := range []v1.TicketStatus{v1.TicketStatusFinished, v1.TicketStatusExpired} {
		var stale []string
		offset := 0
		for {
			items, err := s.store.Find(ctx, TicketsBucket,
				store.Filter{store.Eq("status", string(status))},
				store.FindOptions{
					Sort:   []store.SortKey{{Field: "created_at"}},
					Offset: offset,
				})
			if err != nil {
				s.logger.Error("retention sweep query failed", zap.Error(err))
				return
			}
			if len(items) == 0 {
				break
			}
			for _, item := range items {
				ticket, err := decodeTicket(item.Value)
				if err != nil {
					continue
				}
				if ticket.UpdatedAt.Before(cutoff) {
					stale = append(stale, ticket.UUID)
				}
			}
			offset += len(items)
		}

		for start := 0; start < len(stale); start += sweepBatch {
			end := start + sweepBatch
			if end > len(stale) {
				end = len(stale)
			}
			ops := make([]store.Op, 0, end-start)
			for _, id := range stale[start:end] {
				ops = append(ops, store.DeleteOp(TicketsBucket, id))
			}
			if err := s.store.Batch(ctx, ops); err != nil {
				s.logger.Error("retention sweep delete failed", zap.Error(err))
				return
			}
		}
		if len(stale) > 0 {
			s.logger.Debug("retention sweep removed tickets",
				zap.String("status", string(status)),
				zap.Int("count", len(stale)))
		}
	}
}

func (s *Service) getTicket(ctx context.Context, id string) (*v1.Ticket, error) {
	item, err := s.store.Get(ctx, TicketsBucket, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("ticket", id)
		}
		return nil, apperrors.StoreUnavailable(err)
	}
	return decodeTicket(item.Value)
}

func (s *Service) publishTicketEvent(ctx context.Context, eventType string, ticket *v1.Ticket) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"uuid":      ticket.UUID,
		"server_id": ticket.ServerID,
		"scope":     ticket.Scope,
		"status":    string(ticket.Status),
	}
	event := bus.NewEvent(eventType, "waitlist", data)

	if err := s.eventBus.Publish(ctx, events.BuildObserverSubject(eventType), event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("uuid", ticket.UUID),
			zap.Error(err))
	}
}

func (s *Service) publishDeleted(ctx context.Context, serverID string, count int) {
	if s.eventBus == nil {
		return
	}

	event := bus.NewEvent(events.TicketDeleted, "waitlist", map[string]interface{}{
		"server_id": serverID,
		"count":     count,
	})
	if err := s.eventBus.Publish(ctx, events.BuildObserverSubject(events.TicketDeleted), event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("event_type", events.TicketDeleted),
			zap.Error(err))
	}
}

func validTicketStatus(status string) bool {
	switch v1.TicketStatus(status) {
	case v1.TicketStatusQueued, v1.TicketStatusActive, v1.TicketStatusFinished, v1.TicketStatusExpired:
		return true
	}
	return false
}

func decodeTicket(value []byte) (*v1.Ticket, error) {
	var ticket v1.Ticket
	if err := json.Unmarshal(value, &ticket); err != nil {
		return nil, apperrors.InternalError("failed to decode ticket record", err)
	}
	return &ticket, nil
}
