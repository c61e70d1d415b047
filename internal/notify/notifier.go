package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives events pumped from a subscription.
type Sink interface {
	Forward(ctx context.Context, e Event) error
}

// Notifier fans events out to subscribers. Publish never blocks: each
// subscriber owns an unbounded queue drained by its own goroutine, and a
// queue longer than the backlog cap collapses into a single Resync event.
type Notifier struct {
	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextID  uint64
	backlog int
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates a notifier. backlog is the per-subscriber queue cap.
func New(backlog int, logger *zap.Logger) *Notifier {
	if backlog < 1 {
		backlog = 1
	}
	return &Notifier{
		subs:    make(map[uint64]*subscription),
		backlog: backlog,
		logger:  logger,
	}
}

type subscription struct {
	mu     sync.Mutex
	queue  []Event
	resync bool
	wake   chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) push(e Event, backlog int) {
	s.mu.Lock()
	switch {
	case s.resync:
		// A pending Resync covers everything published after it.
	case len(s.queue) >= backlog:
		s.queue = append(s.queue[:0], Event{
			ID:   uuid.New().String(),
			Type: Resync,
			At:   e.At,
		})
		s.resync = true
	default:
		s.queue = append(s.queue, e)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if e.Type == Resync {
		s.resync = false
	}
	return e, true
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) drain() {
	defer close(s.out)
	for {
		e, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

// Publish stamps e with an id and time when missing and queues it for
// every subscriber.
func (n *Notifier) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, s := range n.subs {
		s.push(e, n.backlog)
	}
}

// Subscribe returns a channel of events published from now on. The channel
// is closed when ctx ends or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context) <-chan Event {
	s := &subscription{
		wake: make(chan struct{}, 1),
		out:  make(chan Event, 16),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(s.out)
		return s.out
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = s
	n.wg.Add(2)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		s.drain()
	}()
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
		s.stop()
	}()
	return s.out
}

// Attach pumps a subscription into sink until ctx ends. Forward errors are
// logged and the pump keeps going.
func (n *Notifier) Attach(ctx context.Context, name string, sink Sink) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	ch := n.Subscribe(ctx)
	go func() {
		defer n.wg.Done()
		for e := range ch {
			if err := sink.Forward(ctx, e); err != nil {
				n.logger.Warn("event sink forward failed",
					zap.String("sink", name),
					zap.String("event", string(e.Type)),
					zap.Error(err))
			}
		}
	}()
	n.logger.Info("event sink attached", zap.String("sink", name))
}

// Subscribers reports the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close ends every subscription and waits for their goroutines.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*subscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	n.wg.Wait()
}
