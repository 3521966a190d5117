package scheduler

import (
	"sync"
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

// Subscriber consumes job lifecycle events. Callbacks run on a dedicated
// dispatch goroutine per subscriber, so a slow consumer never blocks the
// scheduler or other subscribers.
type Subscriber func(domain.Event)

// subscription decouples event production from consumption with a bounded
// buffer. On overflow the oldest droppable (progress) event is discarded;
// state-transition events are never dropped, so the buffer may exceed its
// limit transiently when a consumer stalls during a burst of transitions.
type subscription struct {
	id    uint64
	fn    Subscriber
	limit int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []domain.Event
	closed bool
}

func newSubscription(id uint64, fn Subscriber, limit int) *subscription {
	sub := &subscription{id: id, fn: fn, limit: limit}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (sub *subscription) enqueue(ev domain.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}
	if len(sub.buf) >= sub.limit {
		for i, pending := range sub.buf {
			if pending.Droppable() {
				sub.buf = append(sub.buf[:i], sub.buf[i+1:]...)
				break
			}
		}
	}
	sub.buf = append(sub.buf, ev)
	sub.cond.Signal()
}

// dispatch delivers buffered events in order until the subscription closes,
// draining whatever remains buffered at close.
func (sub *subscription) dispatch() {
	for {
		sub.mu.Lock()
		for len(sub.buf) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.buf) == 0 && sub.closed {
			sub.mu.Unlock()
			return
		}
		ev := sub.buf[0]
		sub.buf = sub.buf[1:]
		sub.mu.Unlock()

		sub.fn(ev)
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

// Subscribe registers an observer for every state transition and progress
// update. The returned id unregisters it via Unsubscribe.
func (s *Scheduler) Subscribe(fn Subscriber) uint64 {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSubID++
	sub := newSubscription(s.nextSubID, fn, s.cfg.SubscriberBuffer)
	s.subs[sub.id] = sub

	s.subWg.Add(1)
	go func() {
		defer s.subWg.Done()
		sub.dispatch()
	}()

	return sub.id
}

// Unsubscribe removes an observer. Already-buffered events are still
// delivered before its dispatcher exits.
func (s *Scheduler) Unsubscribe(id uint64) {
	s.subsMu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	if ok {
		sub.close()
	}
}

func (s *Scheduler) closeSubscriptions() {
	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint64]*subscription)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// emitLocked fans one event out to all subscribers. The scheduler mutex is
// held, which is what guarantees per-job event ordering.
func (s *Scheduler) emitLocked(j *job, eventType domain.EventType, from string) {
	ev := domain.Event{
		Seq:       s.eventSeq.Add(1),
		Timestamp: time.Now().UTC(),
		JobID:     j.id,
		BatchID:   j.batchID,
		Type:      eventType,
		From:      from,
		State:     j.state,
		Progress:  j.progress,
		Stage:     j.stage,
	}
	if domain.IsTerminalState(j.state) && j.state != domain.JobStateSucceeded {
		ev.ErrKind = j.errKind
		ev.Error = j.errMsg
	}
	if j.state == domain.JobStateRetrying {
		ev.ErrKind = j.errKind
		ev.Error = j.errMsg
	}

	s.subsMu.Lock()
	for _, sub := range s.subs {
		sub.enqueue(ev)
	}
	s.subsMu.Unlock()
}
