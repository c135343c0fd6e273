package server

import (
	"sync"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// Item is one outbound unit on the broadcast queue. Owner is always the
// authenticated connection that originated the request, or the server
// itself for system replies. Every item dequeued is attempted for
// delivery exactly once and never requeued.
type Item struct {
	Owner  protocol.Destination
	Sender protocol.Destination
	To     protocol.Destination
	Body   string
}

// HistoryRecorder persists dispatched items. Implemented by the server
// over the message repository; nil disables history.
type HistoryRecorder interface {
	RecordItem(item Item)
}

// Broadcaster owns the single ordered outbound queue and the one
// dispatcher goroutine that drains it. Enqueue blocks when the queue is
// full: a slow dispatcher throttles fast producers instead of dropping
// messages or growing without bound.
type Broadcaster struct {
	registry *Registry
	queue    chan Item
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	history  HistoryRecorder
	metrics  *Metrics

	// stopMu fences producers against the shutdown drain: the dispatcher
	// flips stopped under the write lock, so once the flag is set no
	// producer can still be inside a send and every accepted item is
	// already on the queue.
	stopMu  sync.RWMutex
	stopped bool
}

// NewBroadcaster creates a broadcaster with a bounded queue.
func NewBroadcaster(registry *Registry, queueSize int, metrics *Metrics) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Broadcaster{
		registry: registry,
		queue:    make(chan Item, queueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		metrics:  metrics,
	}
}

// SetHistory attaches a history recorder. Must be called before Run.
func (b *Broadcaster) SetHistory(history HistoryRecorder) {
	b.history = history
}

// Enqueue places an item on the queue, blocking while it is full.
// Returns false when the broadcaster is shutting down; a true return
// means the item will be dispatched.
func (b *Broadcaster) Enqueue(item Item) bool {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		return false
	}

	select {
	case b.queue <- item:
		if b.metrics != nil {
			b.metrics.RecordQueueDepth(len(b.queue))
		}
		return true
	case <-b.stop:
		return false
	}
}

// Run drains the queue until Stop is called. There is exactly one
// dispatcher per process; FIFO order across all producers is the
// delivery-order guarantee.
func (b *Broadcaster) Run() {
	defer close(b.done)

	for {
		select {
		case item := <-b.queue:
			b.dispatch(item)
		case <-b.stop:
			// Wait out producers mid-Enqueue, then drain. A producer
			// blocked on a full queue unblocks via the stop case, so the
			// write lock is always acquired.
			b.stopMu.Lock()
			b.stopped = true
			b.stopMu.Unlock()
			for {
				select {
				case item := <-b.queue:
					b.dispatch(item)
				default:
					return
				}
			}
		}
	}
}

// Stop shuts the dispatcher down and waits for it to finish.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// dispatch resolves the destination set and writes the serialized item
// to each recipient. One recipient's write failure never aborts
// delivery to the rest.
func (b *Broadcaster) dispatch(item Item) {
	if b.metrics != nil {
		b.metrics.RecordQueueDepth(len(b.queue))
	}

	msg := protocol.NewServerMessage(item.Owner, item.Sender, item.To, item.Body)
	text, err := msg.ToJSON()
	if err != nil {
		errorLog.Printf("Failed to serialize broadcast item: %v", err)
		return
	}

	recipients := b.resolve(item.To)
	delivered := 0
	for _, conn := range recipients {
		if err := conn.WriteText(text); err != nil {
			debugLog.Printf("Broadcast write to %s failed: %v", conn.Identifier, err)
			if b.metrics != nil {
				b.metrics.RecordDeliveryFailed()
			}
			continue
		}
		delivered++
	}

	if b.metrics != nil {
		b.metrics.RecordDispatch(string(item.To.Role), delivered)
	}
	if b.history != nil {
		b.history.RecordItem(item)
	}
}

// resolve computes the live socket set for a destination. A destination
// with no live sockets resolves to an empty set, which is not an error.
func (b *Broadcaster) resolve(to protocol.Destination) []*Connection {
	switch to.Role {
	case protocol.RoleUser:
		for _, conn := range b.registry.Authenticated() {
			user := conn.User()
			if user != nil && userIdentifier(user.ID) == to.Identifier {
				return []*Connection{conn}
			}
		}
		return nil

	case protocol.RoleGroup, protocol.RoleChannel:
		members := make(map[string]bool, len(to.Users))
		for _, name := range to.Users {
			members[name] = true
		}
		var conns []*Connection
		for _, conn := range b.registry.Authenticated() {
			if members[conn.DisplayName()] {
				conns = append(conns, conn)
			}
		}
		return conns

	case protocol.RoleAll:
		// System-wide announcements reach not-yet-logged-in sockets too
		return b.registry.All()

	default:
		return nil
	}
}
