// Package sched runs self-rescheduling work items in wake-time order on a
// single goroutine.
//
// A handler runs to completion and is queued again only when it returns
// Reschedule, after moving its own WakeTime forward.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Result tells the queue what to do with a work item after its handler ran
type Result uint8

const (
	Done Result = iota
	Reschedule
)

// Work is a scheduled handler
type Work struct {
	WakeTime time.Time
	Handler  func(w *Work) Result

	next   *Work
	queued bool
}

// Queue holds work sorted by WakeTime
type Queue struct {
	mu    sync.Mutex
	head  *Work
	clock clockwork.Clock
	wake  chan struct{}
}

// New returns an empty queue driven by clock
func New(clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{clock: clock, wake: make(chan struct{}, 1)}
}

// Clock returns the queue's time source
func (q *Queue) Clock() clockwork.Clock {
	return q.clock
}

// Schedule inserts w. Scheduling an item that is already queued is a no-op.
func (q *Queue) Schedule(w *Work) {
	q.mu.Lock()
	if !w.queued {
		q.insert(w)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// insert keeps the list sorted; equal wake times run in insertion order
func (q *Queue) insert(w *Work) {
	w.queued = true
	if q.head == nil || w.WakeTime.Before(q.head.WakeTime) {
		w.next = q.head
		q.head = w
		return
	}

	cur := q.head
	for cur.next != nil && !w.WakeTime.Before(cur.next.WakeTime) {
		cur = cur.next
	}
	w.next = cur.next
	cur.next = w
}

// Cancel removes w and reports whether it was queued
func (q *Queue) Cancel(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := &q.head; *p != nil; p = &(*p).next {
		if *p == w {
			*p = w.next
			w.next = nil
			w.queued = false
			return true
		}
	}
	return false
}

// Pending reports whether w is waiting in the queue
func (q *Queue) Pending(w *Work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return w.queued
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for w := q.head; w != nil; w = w.next {
		n++
	}
	return n
}

// Dispatch runs every item due at now and returns how many ran. Handlers
// run without the queue lock held, so they may schedule other work.
func (q *Queue) Dispatch(now time.Time) int {
	ran := 0
	for {
		q.mu.Lock()
		w := q.head
		if w == nil || w.WakeTime.After(now) {
			q.mu.Unlock()
			return ran
		}
		q.head = w.next
		w.next = nil
		w.queued = false
		q.mu.Unlock()

		ran++
		if w.Handler(w) == Reschedule {
			q.mu.Lock()
			if !w.queued {
				q.insert(w)
			}
			q.mu.Unlock()
		}
	}
}

// Run dispatches work as it falls due until ctx is cancelled
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Dispatch(q.clock.Now())

		var timer clockwork.Timer
		var fire <-chan time.Time
		q.mu.Lock()
		if q.head != nil {
			timer = q.clock.NewTimer(q.head.WakeTime.Sub(q.clock.Now()))
			fire = timer.Chan()
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
