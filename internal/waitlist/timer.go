package waitlist

import (
	"container/heap"
	"sync"
	"time"
)

// queueKey identifies one (server, scope) FIFO queue.
type queueKey struct {
	serverID string
	scope    string
}

// deadline is one pending expiry wake-up.
type deadline struct {
	key   queueKey
	at    time.Time
	index int // Index in the heap (used by container/heap)
}

// deadlineHeap implements heap.Interface ordered by soonest deadline
type deadlineHeap []*deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*deadline)
	item.index = n
	*h = append(*h, item)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// idleWait bounds how long the driver sleeps when no deadline is
// scheduled; a Schedule call cuts the sleep short.
const idleWait = time.Hour

// timerService wakes a queue when its nearest ticket deadline passes.
// It holds at most one entry per queue; reconciliation reschedules the
// entry after every sweep.
type timerService struct {
	mu      sync.Mutex
	heap    deadlineHeap
	entries map[queueKey]*deadline

	fire   func(queueKey)
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newTimerService(fire func(queueKey)) *timerService {
	t := &timerService{
		heap:    make(deadlineHeap, 0),
		entries: make(map[queueKey]*deadline),
		fire:    fire,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	heap.Init(&t.heap)
	return t
}

func (t *timerService) Start() {
	t.wg.Add(1)
	go t.run()
}

func (t *timerService) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// Schedule sets the queue's next wake-up, replacing any existing one.
// A zero time clears the entry.
func (t *timerService) Schedule(key queueKey, at time.Time) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	switch {
	case at.IsZero():
		if ok {
			heap.Remove(&t.heap, entry.index)
			delete(t.entries, key)
		}
	case ok:
		entry.at = at
		heap.Fix(&t.heap, entry.index)
	default:
		entry = &deadline{key: key, at: at}
		heap.Push(&t.heap, entry)
		t.entries[key] = entry
	}
	t.mu.Unlock()

	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *timerService) run() {
	defer t.wg.Done()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := t.collectDue(time.Now())
		for _, key := range due {
			t.fire(key)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-t.wakeCh:
		case <-t.stopCh:
			return
		}
	}
}

// collectDue pops every entry whose deadline has passed and returns
// how long to sleep until the next one.
func (t *timerService) collectDue(now time.Time) ([]queueKey, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []queueKey
	for len(t.heap) > 0 && !t.heap[0].at.After(now) {
		entry := heap.Pop(&t.heap).(*deadline)
		delete(t.entries, entry.key)
		due = append(due, entry.key)
	}

	wait := idleWait
	if len(t.heap) > 0 {
		if d := t.heap[0].at.Sub(now); d < wait {
			wait = d
		}
	}
	return due, wait
}
