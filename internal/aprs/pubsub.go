package aprs

import (
	"sync"
	"sync/atomic"

	"github.com/yegors/co-ogn/pkg/logger"
)

type subscriber struct {
	id    uint64
	queue chan string
}

// broker fans accepted lines out to subscribers. Every subscriber gets its own
// bounded queue and goroutine so a slow or panicking handler never holds up
// the read loop or the other subscribers.
type broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	bufSize int
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  *logger.Logger
}

func newBroker(bufSize int, log *logger.Logger) *broker {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &broker{
		subs:    make(map[uint64]*subscriber),
		bufSize: bufSize,
		logger:  log,
	}
}

func (b *broker) subscribe(fn func(line string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	s := &subscriber{id: b.nextID, queue: make(chan string, b.bufSize)}
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.dispatch(s, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s.id]; ok {
				delete(b.subs, s.id)
				close(s.queue)
			}
		})
	}
}

// publish never blocks. A line that does not fit in a subscriber's queue is
// dropped for that subscriber only.
func (b *broker) publish(line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.queue <- line:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Subscriber queue full, dropping line",
				logger.Int64("subscriber_id", int64(s.id)),
				logger.Int("queue_size", b.bufSize),
			)
		}
	}
}

func (b *broker) dispatch(s *subscriber, fn func(line string)) {
	defer b.wg.Done()
	for line := range s.queue {
		b.deliver(s.id, fn, line)
	}
}

func (b *broker) deliver(id uint64, fn func(line string), line string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked while handling line",
				logger.Int64("subscriber_id", int64(id)),
				logger.Any("panic", r),
				logger.String("line", line),
			)
		}
	}()
	fn(line)
}

func (b *broker) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// close releases every subscriber and waits for their queued lines to drain
func (b *broker) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.queue)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
