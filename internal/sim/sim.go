// Package sim provides a single-threaded discrete-event scheduler.
//
// All simulated components share one Simulator. Callbacks run one at a time in
// timestamp order, so component state needs no locking as long as it is only
// touched from callbacks.
package sim

import (
	"container/heap"
	"math/rand"
	"time"
)

// EventID is a handle to a scheduled callback.
type EventID struct {
	ev *event
}

// Cancel prevents the callback from running. Cancelling an event that already
// ran or was already cancelled is a no-op.
func (id EventID) Cancel() {
	if id.ev != nil {
		id.ev.cancelled = true
	}
}

// Pending reports whether the callback is still waiting to run.
func (id EventID) Pending() bool {
	return id.ev != nil && !id.ev.cancelled && !id.ev.fired
}

type event struct {
	at        time.Duration
	seq       uint64
	fn        func()
	cancelled bool
	fired     bool
	index     int
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at == q[j].at {
		return q[i].seq < q[j].seq
	}
	return q[i].at < q[j].at
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

// Simulator owns the simulated clock and the pending event set.
type Simulator struct {
	now     time.Duration
	seq     uint64
	queue   eventQueue
	stopped bool
	rand    *rand.Rand
}

// New creates a simulator whose random source is seeded with seed.
func New(seed int64) *Simulator {
	return &Simulator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Now returns the current simulated time.
func (s *Simulator) Now() time.Duration {
	return s.now
}

// Rand returns the simulator's deterministic random source.
func (s *Simulator) Rand() *rand.Rand {
	return s.rand
}

// Schedule runs fn after delay. Negative delays are treated as zero. Events
// scheduled for the same instant run in the order they were scheduled.
func (s *Simulator) Schedule(delay time.Duration, fn func()) EventID {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	ev := &event{at: s.now + delay, seq: s.seq, fn: fn}
	heap.Push(&s.queue, ev)
	return EventID{ev: ev}
}

// Pending returns the number of queued events, including cancelled ones that
// have not been discarded yet.
func (s *Simulator) Pending() int {
	return len(s.queue)
}

// Run processes events until the queue is empty or Stop is called.
func (s *Simulator) Run() {
	s.run(-1)
}

// RunUntil processes events with timestamps up to and including end, then
// advances the clock to end.
func (s *Simulator) RunUntil(end time.Duration) {
	s.run(end)
	if !s.stopped && s.now < end {
		s.now = end
	}
}

// Stop makes Run return after the current callback.
func (s *Simulator) Stop() {
	s.stopped = true
}

func (s *Simulator) run(end time.Duration) {
	s.stopped = false
	for !s.stopped && len(s.queue) > 0 {
		next := s.queue[0]
		if end >= 0 && next.at > end {
			return
		}
		heap.Pop(&s.queue)
		if next.cancelled {
			continue
		}
		s.now = next.at
		next.fired = true
		next.fn()
	}
}

// Seconds converts a floating point number of seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
