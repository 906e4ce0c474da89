// Package eventloop serializes socket reads, timer fires and application calls
// onto one goroutine, so the engine can assume a single writer.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned when posting to a loop that has stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted functions one at a time, in order.
type Loop struct {
	inbox     chan func()
	batchSize int
	quitCh    chan struct{} // closed on Stop()
	doneCh    chan struct{} // closed after Run() exits
	running   atomic.Bool
	stopOnce  sync.Once
}

// New creates a loop. capacity is the size of the inbox; batchSize bounds how
// many functions run before the loop checks for Stop again.
func New(capacity, batchSize int) *Loop {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Loop{
		inbox:     make(chan func(), capacity),
		batchSize: batchSize,
		quitCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run processes posted functions until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return // Already running
	}
	defer close(l.doneCh)

	for {
		select {
		case <-l.quitCh:
			return
		case <-ctx.Done():
			// Stop would wait on doneCh, which only this deferred close releases
			l.stopOnce.Do(func() { close(l.quitCh) })
			return
		case fn := <-l.inbox:
			fn()
			// drain up to batchSize more without going through the select
		drain:
			for i := 1; i < l.batchSize; i++ {
				select {
				case fn := <-l.inbox:
					fn()
				default:
					break drain
				}
			}
		}
	}
}

// Post queues fn. It blocks while the inbox is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.quitCh:
		return ErrStopped
	default:
	}
	select {
	case l.inbox <- fn:
		return nil
	case <-l.quitCh:
		return ErrStopped
	}
}

// TryPost queues fn, returning false if the inbox is full or the loop stopped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.quitCh:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	default:
		return false // inbox is full
	}
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.doneCh:
		return ErrStopped
	}
}

// Pending returns approximate count of functions waiting in the inbox.
func (l *Loop) Pending() int {
	return len(l.inbox)
}

// Stop signals Run to exit and waits for it, if it was started.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quitCh) })
	if l.running.Load() {
		<-l.doneCh
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// Scheduler arms wall clock timers whose fires are delivered on the loop.
// Schedule and Cancel are keyed by token; cancelling is idempotent.
type Scheduler struct {
	loop   *Loop
	onFire func(token uint64)

	mu     sync.Mutex
	timers map[uint64]*time.Timer
}

// NewScheduler creates a scheduler that calls onFire on loop.
func NewScheduler(loop *Loop, onFire func(token uint64)) *Scheduler {
	return &Scheduler{
		loop:   loop,
		onFire: onFire,
		timers: make(map[uint64]*time.Timer),
	}
}

// Schedule arms the alarm for token at deadline, replacing an earlier one.
func (s *Scheduler) Schedule(token uint64, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[token]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		current := s.timers[token] == t
		if current {
			delete(s.timers, token)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		_ = s.loop.Post(func() { s.onFire(token) })
	})
	s.timers[token] = t
}

// Cancel disarms the alarm for token.
func (s *Scheduler) Cancel(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[token]; ok {
		t.Stop()
		delete(s.timers, token)
	}
}

// StopAll disarms every alarm.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, t := range s.timers {
		t.Stop()
		delete(s.timers, token)
	}
}
