package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshbbs/meshsched/contracts"
)

const tierCount = int(contracts.MaxPriority) + 1

// Entry is a queued message together with its effective priority.
type Entry struct {
	Message   *contracts.OutgoingMessage
	Effective contracts.Priority
	seq       uint64
}

// Age returns how long the entry has been queued as of now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Message.EnqueuedAt)
}

// ReadyAge returns how long the entry has been eligible to send. Time spent
// held back by NotBefore does not count, so aging starts once the entry is
// ready.
func (e *Entry) ReadyAge(now time.Time) time.Duration {
	since := e.Message.EnqueuedAt
	if e.Message.NotBefore.After(since) {
		since = e.Message.NotBefore
	}
	if now.Before(since) {
		return 0
	}
	return now.Sub(since)
}

// Stats holds the queue counters.
type Stats struct {
	Depth    int
	Capacity int
	Dropped  uint64
	Promoted uint64
}

// Queue is a bounded multi-tier priority queue. Within a tier entries are
// kept in enqueue order; aging moves entries up by whole tiers.
type Queue struct {
	mu             sync.RWMutex
	tiers          [tierCount][]*Entry
	size           int
	capacity       int
	agingThreshold time.Duration
	clock          clock.Clock
	seq            uint64
	dropped        uint64
	promoted       uint64
}

// Option configures the queue
type Option func(*Queue)

// WithClock sets the clock used for enqueue timestamps and aging
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// New creates a queue holding at most capacity entries. An agingThreshold of
// zero disables aging.
func New(capacity int, agingThreshold time.Duration, options ...Option) *Queue {
	if capacity <= 0 {
		capacity = 512
	}
	q := &Queue{
		capacity:       capacity,
		agingThreshold: agingThreshold,
		clock:          clock.New(),
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Enqueue inserts msg, stamping its enqueue time. When the queue is full the
// oldest entry of the lowest effective tier is evicted and returned, provided
// msg's priority is at least that entry's effective priority. Otherwise msg is
// rejected with contracts.ErrDroppedForCapacity.
func (q *Queue) Enqueue(msg *contracts.OutgoingMessage) (*Entry, error) {
	if msg == nil {
		return nil, fmt.Errorf("queue: nil message")
	}
	if !msg.Priority.Valid() {
		return nil, fmt.Errorf("queue: invalid priority %d", msg.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Entry
	if q.size >= q.capacity {
		victim := q.victim()
		if victim == nil || msg.Priority < victim.Effective {
			q.dropped++
			return nil, contracts.ErrDroppedForCapacity
		}
		q.tiers[victim.Effective] = q.tiers[victim.Effective][1:]
		q.size--
		q.dropped++
		evicted = victim
	}

	msg.EnqueuedAt = q.clock.Now()
	q.seq++
	e := &Entry{Message: msg, Effective: msg.Priority, seq: q.seq}
	q.tiers[e.Effective] = append(q.tiers[e.Effective], e)
	q.size++

	return evicted, nil
}

// victim returns the oldest entry of the lowest non-empty tier.
func (q *Queue) victim() *Entry {
	for p := 0; p < tierCount; p++ {
		if len(q.tiers[p]) > 0 {
			return q.tiers[p][0]
		}
	}
	return nil
}

// Dequeue removes and returns the earliest ready entry of the highest
// effective tier. It returns false when no entry is ready.
func (q *Queue) Dequeue() (*Entry, bool) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for p := tierCount - 1; p >= 0; p-- {
		for i, e := range q.tiers[p] {
			if !e.Message.Ready(now) {
				continue
			}
			q.tiers[p] = append(q.tiers[p][:i], q.tiers[p][i+1:]...)
			q.size--
			return e, true
		}
	}
	return nil, false
}

// HasReady reports whether Dequeue would return an entry.
func (q *Queue) HasReady() bool {
	now := q.clock.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()

	for p := tierCount - 1; p >= 0; p-- {
		for _, e := range q.tiers[p] {
			if e.Message.Ready(now) {
				return true
			}
		}
	}
	return false
}

// Age runs one aging pass and returns the number of tier promotions made.
// An entry's effective priority is its base priority plus one tier per full
// aging threshold it has spent in the queue, capped at the top tier.
func (q *Queue) Age() int {
	if q.agingThreshold <= 0 {
		return 0
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var moved []*Entry
	promotions := 0
	for p := 0; p < tierCount-1; p++ {
		tier := q.tiers[p]
		kept := tier[:0]
		for _, e := range tier {
			target := q.target(e, now)
			if target > e.Effective {
				promotions += int(target - e.Effective)
				e.Effective = target
				moved = append(moved, e)
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(tier); i++ {
			tier[i] = nil
		}
		q.tiers[p] = kept
	}

	for _, e := range moved {
		q.insert(e)
	}
	q.promoted += uint64(promotions)
	return promotions
}

func (q *Queue) target(e *Entry, now time.Time) contracts.Priority {
	steps := int64(e.ReadyAge(now) / q.agingThreshold)
	if steps <= 0 {
		return e.Effective
	}
	headroom := int64(contracts.MaxPriority - e.Message.Priority)
	if steps > headroom {
		steps = headroom
	}
	target := e.Message.Priority + contracts.Priority(steps)
	if target < e.Effective {
		return e.Effective
	}
	return target
}

// insert places e in its effective tier by enqueue order.
func (q *Queue) insert(e *Entry) {
	tier := q.tiers[e.Effective]
	i := sort.Search(len(tier), func(i int) bool { return tier[i].seq > e.seq })
	tier = append(tier, nil)
	copy(tier[i+1:], tier[i:])
	tier[i] = e
	q.tiers[e.Effective] = tier
}

// Drain removes every entry and returns them in dequeue order, ignoring
// NotBefore.
func (q *Queue) Drain() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, 0, q.size)
	for p := tierCount - 1; p >= 0; p-- {
		out = append(out, q.tiers[p]...)
		q.tiers[p] = nil
	}
	q.size = 0
	return out
}

// Len returns the current depth
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.size
}

// Capacity returns the configured maximum depth
func (q *Queue) Capacity() int {
	return q.capacity
}

// Stats returns the queue counters
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Depth:    q.size,
		Capacity: q.capacity,
		Dropped:  q.dropped,
		Promoted: q.promoted,
	}
}
