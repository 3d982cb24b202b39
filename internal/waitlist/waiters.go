package waitlist

import (
	"sync"

	v1 "github.com/cnapi/cnapi/pkg/api/v1"
)

// waiterHub tracks long-poll waiters by ticket uuid. Channels are
// buffered so a wake never blocks on a slow reader, and a waiter
// leaves the hub the moment it is woken or dropped.
type waiterHub struct {
	mu      sync.Mutex
	waiters map[string][]chan *v1.Ticket
}

func newWaiterHub() *waiterHub {
	return &waiterHub{waiters: make(map[string][]chan *v1.Ticket)}
}

// register adds a waiter for a ticket and returns its notification
// channel.
func (h *waiterHub) register(uuid string) chan *v1.Ticket {
	ch := make(chan *v1.Ticket, 1)
	h.mu.Lock()
	h.waiters[uuid] = append(h.waiters[uuid], ch)
	h.mu.Unlock()
	return ch
}

// drop removes one waiter. Dropping after a wake already cleared the
// list is a no-op.
func (h *waiterHub) drop(uuid string, ch chan *v1.Ticket) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.waiters[uuid]
	for i, c := range chans {
		if c == ch {
			h.waiters[uuid] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.waiters[uuid]) == 0 {
		delete(h.waiters, uuid)
	}
}

// wake delivers the ticket's new state to every waiter registered for
// it and clears the list. Each waiter gets its own copy.
func (h *waiterHub) wake(ticket *v1.Ticket) {
	h.mu.Lock()
	chans := h.waiters[ticket.UUID]
	delete(h.waiters, ticket.UUID)
	h.mu.Unlock()

	for _, ch := range chans {
		dup := *ticket
		ch <- &dup
	}
}
