// Package dispatch delivers validated symbolic messages to registered
// handlers in priority order. Handler failures are isolated from the
// dispatch loop: a panicking or erroring handler costs one counter
// increment, never the loop.
package dispatch

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/luizhpcruz/aeon-sub000/internal/logger"
	"github.com/luizhpcruz/aeon-sub000/internal/protocol"
)

// Handler processes one message from the named sender.
type Handler func(msg protocol.Message, senderID string) error

// item is a queued message with its tie-breaking arrival sequence.
type item struct {
	msg    protocol.Message
	sender string
	rank   int    // rank is 10 - priority; lower pops first
	seq    uint64 // seq preserves FIFO order within equal rank
}

// messageHeap implements heap.Interface over queued items.
type messageHeap []item

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Dispatcher owns the priority queue and the single dispatch loop.
type Dispatcher struct {
	mu     sync.Mutex
	queue  messageHeap
	seq    uint64
	notify chan struct{}

	handlersMu sync.RWMutex
	handlers   map[protocol.Action]Handler

	stop chan struct{}
	wg   sync.WaitGroup

	handled       atomic.Uint64
	handlerErrors atomic.Uint64
	unhandled     atomic.Uint64
}

// New creates a dispatcher. Call Start to begin delivery.
func New() *Dispatcher {
	return &Dispatcher{
		notify:   make(chan struct{}, 1),
		handlers: make(map[protocol.Action]Handler),
		stop:     make(chan struct{}),
	}
}

// Register installs the handler for an action, replacing any previous one.
func (d *Dispatcher) Register(action protocol.Action, h Handler) {
	d.handlersMu.Lock()
	d.handlers[action] = h
	d.handlersMu.Unlock()
}

// Enqueue adds a validated message to the queue.
func (d *Dispatcher) Enqueue(msg protocol.Message, senderID string) {
	d.mu.Lock()
	d.seq++
	heap.Push(&d.queue, item{
		msg:    msg,
		sender: senderID,
		rank:   protocol.MaxPriority - msg.Priority,
		seq:    d.seq,
	})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Len returns the current queue depth.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.queue.Len()
}

// Counters returns delivery statistics: messages handled, handler
// errors (including recovered panics), and messages with no handler.
func (d *Dispatcher) Counters() (handled, handlerErrors, unhandled uint64) {
	return d.handled.Load(), d.handlerErrors.Load(), d.unhandled.Load()
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for {
			it, ok := d.pop()
			if ok {
				d.deliver(it)
				continue
			}

			select {
			case <-d.notify:
			case <-d.stop:
				return
			}
		}
	}()
}

// Close stops the dispatch loop. Queued messages are discarded.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()
}

// pop removes the highest-priority message, if any.
func (d *Dispatcher) pop() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.Len() == 0 {
		return item{}, false
	}

	return heap.Pop(&d.queue).(item), true
}

// deliver invokes the registered handler for one message.
func (d *Dispatcher) deliver(it item) {
	d.handlersMu.RLock()
	h, ok := d.handlers[it.msg.Action]
	d.handlersMu.RUnlock()

	if !ok {
		d.unhandled.Add(1)
		logger.Warn("no handler for action", "action", it.msg.Action, "sender", it.sender)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.handlerErrors.Add(1)
			logger.Error("handler panic", "action", it.msg.Action, "sender", it.sender, "panic", r)
		}
	}()

	if err := h(it.msg, it.sender); err != nil {
		d.handlerErrors.Add(1)
		logger.Warn("handler error", "action", it.msg.Action, "sender", it.sender, "error", err)
		return
	}

	d.handled.Add(1)
}
