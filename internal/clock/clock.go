// Package clock provides the scheduler every protocol component runs on.
//
// Time is virtual: a time.Duration offset from the start of the run. Callbacks
// run to completion one at a time, in time order, ties broken by insertion order.
package clock

import (
	"container/heap"
	"context"
	"time"
)

// Timer is a cancelable handle for a scheduled callback.
type Timer interface {
	// Cancel prevents the callback from running. It returns false if the
	// callback already ran or was already cancelled.
	Cancel() bool
}

// Scheduler schedules callbacks on a clock.
type Scheduler interface {
	Now() time.Duration
	ScheduleAfter(d time.Duration, fn func()) Timer
}

type event struct {
	at        time.Duration
	seq       uint64
	fn        func()
	index     int
	done      bool
	cancelled bool
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	e := x.(*event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Virtual is a single-threaded discrete-event loop.
// It is not safe for concurrent use; all callbacks run on the goroutine calling Run.
type Virtual struct {
	now       time.Duration
	seq       uint64
	queue     eventQueue
	processed uint64
}

// NewVirtual creates a clock at time zero.
func NewVirtual() *Virtual {
	return &Virtual{}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Duration {
	return v.now
}

// ScheduleAfter runs fn at Now()+d. Negative delays are treated as zero.
func (v *Virtual) ScheduleAfter(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return v.schedule(v.now+d, fn)
}

// ScheduleAt runs fn at the absolute time at, or now if at is in the past.
func (v *Virtual) ScheduleAt(at time.Duration, fn func()) Timer {
	if at < v.now {
		at = v.now
	}
	return v.schedule(at, fn)
}

func (v *Virtual) schedule(at time.Duration, fn func()) Timer {
	v.seq++
	e := &event{at: at, seq: v.seq, fn: fn}
	heap.Push(&v.queue, e)
	return &virtualTimer{clock: v, ev: e}
}

// Pending returns the number of queued events.
func (v *Virtual) Pending() int {
	return len(v.queue)
}

// Processed returns the number of callbacks executed so far.
func (v *Virtual) Processed() uint64 {
	return v.processed
}

// Run executes events with time <= until, then advances the clock to until.
// Events scheduled by callbacks are processed in the same run if they fall in
// the window. The context is checked between events.
func (v *Virtual) Run(ctx context.Context, until time.Duration) error {
	for len(v.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := v.queue[0]
		if next.at > until {
			break
		}
		heap.Pop(&v.queue)
		v.now = next.at
		next.done = true
		v.processed++
		next.fn()
	}
	if until > v.now {
		v.now = until
	}
	return nil
}

type virtualTimer struct {
	clock *Virtual
	ev    *event
}

func (t *virtualTimer) Cancel() bool {
	if t.ev.done || t.ev.cancelled {
		return false
	}
	t.ev.cancelled = true
	heap.Remove(&t.clock.queue, t.ev.index)
	return true
}
