package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/cnapi/cnapi/internal/common/errors"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/store"
	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

type cmdKind int

const (
	cmdCreate cmdKind = iota
	cmdRelease
	cmdExpire
	cmdReconcile
)

// queueCmd is one mutation request routed to a queue's actor.
type queueCmd struct {
	kind   cmdKind
	ticket *v1.Ticket // create
	uuid   string     // release
	reply  chan cmdResult
}

type cmdResult struct {
	ticket *v1.Ticket
	queue  []v1.Ticket
	err    error
}

// ticketEntry pairs a decoded ticket with the etag it was read at.
type ticketEntry struct {
	ticket *v1.Ticket
	etag   string
}

// queueActor serializes all mutations of one (server, scope) queue.
// Commands are taken off the inbox one at a time, so in-process
// operations on a queue never interleave; cross-process safety comes
// from the store's etag checks.
type queueActor struct {
	key     queueKey
	service *Service
	inbox   chan queueCmd
	logger  *logger.Logger
}

func newQueueActor(key queueKey, svc *Service) *queueActor {
	return &queueActor{
		key:     key,
		service: svc,
		inbox:   make(chan queueCmd, 16),
		logger: svc.logger.WithFields(
			zap.String("server_id", key.serverID),
			zap.String("scope", key.scope)),
	}
}

func (a *queueActor) start() {
	a.service.wg.Add(1)
	go a.run()
}

func (a *queueActor) run() {
	defer a.service.wg.Done()
	for {
		select {
		case cmd := <-a.inbox:
			a.handle(cmd)
		case <-a.service.stopCh:
			return
		}
	}
}

// handle runs one command on its own deadline. A caller hanging up
// must not abort a half-applied write, so the command context is
// detached from the caller's.
func (a *queueActor) handle(cmd queueCmd) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var res cmdResult
	switch cmd.kind {
	case cmdCreate:
		res = a.create(ctx, cmd.ticket)
	case cmdRelease:
		res = a.release(ctx, cmd.uuid)
	case cmdExpire, cmdReconcile:
		res.err = a.reconcile(ctx)
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

// create persists the queued ticket, reconciles the queue it joined,
// and snapshots the queue as it stands right after.
func (a *queueActor) create(ctx context.Context, ticket *v1.Ticket) cmdResult {
	value, err := json.Marshal(ticket)
	if err != nil {
		return cmdResult{err: apperrors.InternalError("failed to encode ticket", err)}
	}
	if _, err := a.service.store.Put(ctx, TicketsBucket, ticket.UUID, value, ""); err != nil {
		return cmdResult{err: apperrors.StoreUnavailable(err)}
	}
	a.service.publishTicketEvent(ctx, events.TicketCreated, ticket)

	if err := a.reconcile(ctx); err != nil {
		return cmdResult{err: err}
	}

	created, err := a.service.getTicket(ctx, ticket.UUID)
	if err != nil {
		return cmdResult{err: err}
	}
	entries, err := a.loadEntries(ctx)
	if err != nil {
		return cmdResult{err: err}
	}
	snapshot := make([]v1.Ticket, 0, len(entries))
	for _, e := range entries {
		snapshot = append(snapshot, *e.ticket)
	}
	return cmdResult{ticket: created, queue: snapshot}
}

// release finishes an active ticket and promotes its successor.
func (a *queueActor) release(ctx context.Context, uuid string) cmdResult {
	var released *v1.Ticket
	for attempt := 0; ; attempt++ {
		item, err := a.service.store.Get(ctx, TicketsBucket, uuid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return cmdResult{err: apperrors.NotFound("ticket", uuid)}
			}
			return cmdResult{err: apperrors.StoreUnavailable(err)}
		}
		ticket, err := decodeTicket(item.Value)
		if err != nil {
			return cmdResult{err: err}
		}
		if ticket.Status != v1.TicketStatusActive {
			return cmdResult{err: apperrors.NotActive("ticket", uuid)}
		}

		ticket.Status = v1.TicketStatusFinished
		ticket.UpdatedAt = v1.Now()
		value, err := json.Marshal(ticket)
		if err != nil {
			return cmdResult{err: apperrors.InternalError("failed to encode ticket", err)}
		}
		if _, err := a.service.store.Put(ctx, TicketsBucket, uuid, value, item.Etag); err != nil {
			if errors.Is(err, store.ErrEtagConflict) && attempt+1 < a.service.etagRetries {
				continue
			}
			return cmdResult{err: apperrors.StoreUnavailable(err)}
		}
		released = ticket
		break
	}

	a.service.waiters.wake(released)
	a.service.publishTicketEvent(ctx, events.TicketFinished, released)

	if err := a.reconcile(ctx); err != nil {
		// The release itself is durable. Schedule a retry so the
		// successor is not stranded until the next natural event.
		a.logger.Error("reconcile after release failed",
			zap.String("uuid", uuid), zap.Error(err))
		a.service.timer.Schedule(a.key, time.Now().Add(reconcileRetryDelay))
	}
	return cmdResult{ticket: released}
}

// reconcile re-establishes the queue invariants: overdue tickets
// expire, and when nothing is active the earliest queued ticket is
// promoted. All changes land in one atomic batch; waiters and the
// expiry timer see them only once durable.
func (a *queueActor) reconcile(ctx context.Context) error {
	for attempt := 0; attempt < a.service.etagRetries; attempt++ {
		entries, err := a.loadEntries(ctx)
		if err != nil {
			return err
		}

		now := v1.Now()
		var changed []*v1.Ticket
		var ops []store.Op
		live := entries[:0:0]

		for _, e := range entries {
			if !e.ticket.ExpiresAt.After(now.Time) {
				e.ticket.Status = v1.TicketStatusExpired
				e.ticket.UpdatedAt = now
				value, err := json.Marshal(e.ticket)
				if err != nil {
					return apperrors.InternalError("failed to encode ticket", err)
				}
				ops = append(ops, store.PutOp(TicketsBucket, e.ticket.UUID, value, e.etag))
				changed = append(changed, e.ticket)
				continue
			}
			live = append(live, e)
		}

		hasActive := false
		for _, e := range live {
			if e.ticket.Status == v1.TicketStatusActive {
				hasActive = true
				break
			}
		}
		if !hasActive && len(live) > 0 {
			head := live[0].ticket
			head.Status = v1.TicketStatusActive
			head.UpdatedAt = now
			value, err := json.Marshal(head)
			if err != nil {
				return apperrors.InternalError("failed to encode ticket", err)
			}
			ops = append(ops, store.PutOp(TicketsBucket, head.UUID, value, live[0].etag))
			changed = append(changed, head)
		}

		if len(ops) > 0 {
			if err := a.service.store.Batch(ctx, ops); err != nil {
				if errors.Is(err, store.ErrEtagConflict) {
					a.logger.Debug("reconcile lost a write race, retrying",
						zap.Int("attempt", attempt+1))
					continue
				}
				return apperrors.StoreUnavailable(err)
			}
		}

		for _, ticket := range changed {
			a.service.waiters.wake(ticket)
			eventType := events.TicketExpired
			if ticket.Status == v1.TicketStatusActive {
				eventType = events.TicketActive
			}
			a.service.publishTicketEvent(ctx, eventType, ticket)
		}

		a.scheduleNextExpiry(live)
		return nil
	}
	return apperrors.StoreUnavailable(store.ErrEtagConflict)
}

// scheduleNextExpiry points the timer at the earliest deadline still
// outstanding for this queue. With nothing live the entry is cleared.
func (a *queueActor) scheduleNextExpiry(live []ticketEntry) {
	var next time.Time
	for _, e := range live {
		if next.IsZero() || e.ticket.ExpiresAt.Before(next) {
			next = e.ticket.ExpiresAt.Time
		}
	}
	a.service.timer.Schedule(a.key, next)
}

// loadEntries reads the queue's non-terminal tickets in FIFO order,
// paging past the store's per-query cap.
func (a *queueActor) loadEntries(ctx context.Context) ([]ticketEntry, error) {
	filter := store.Filter{
		store.Eq("server_id", a.key.serverID),
		store.Eq("scope", a.key.scope),
		store.Ne("status", string(v1.TicketStatusFinished)),
		store.Ne("status", string(v1.TicketStatusExpired)),
	}

	var entries []ticketEntry
	offset := 0
	for {
		items, err := a.service.store.Find(ctx, TicketsBucket, filter, store.FindOptions{
			Sort:   []store.SortKey{{Field: "created_at"}},
			Offset: offset,
		})
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if len(items) == 0 {
			return entries, nil
		}
		for _, item := range items {
			ticket, err := decodeTicket(item.Value)
			if err != nil {
				a.logger.Warn("skipping undecodable ticket",
					zap.String("key", item.Key), zap.Error(err))
				continue
			}
			entries = append(entries, ticketEntry{ticket: ticket, etag: item.Etag})
		}
		offset += len(items)
	}
}
