package sched

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func TestDispatchRunsInWakeOrder(t *testing.T) {
	q := New(clockwork.NewFakeClockAt(epoch))
	var order []string
	record := func(name string) func(*Work) Result {
		return func(*Work) Result {
			order = append(order, name)
			return Done
		}
	}

	q.Schedule(&Work{WakeTime: at(30), Handler: record("c")})
	q.Schedule(&Work{WakeTime: at(10), Handler: record("a")})
	q.Schedule(&Work{WakeTime: at(20), Handler: record("b")})
	q.Schedule(&Work{WakeTime: at(20), Handler: record("b2")})

	assert.Equal(t, 3, q.Dispatch(at(25)))
	assert.Equal(t, []string{"a", "b", "b2"}, order)
	assert.Equal(t, 1, q.Len())
}

func TestRescheduleRequeues(t *testing.T) {
	q := New(clockwork.NewFakeClockAt(epoch))
	runs := 0
	w := &Work{WakeTime: at(0), Handler: func(w *Work) Result {
		runs++
		w.WakeTime = w.WakeTime.Add(10 * time.Millisecond)
		if runs == 3 {
			return Done
		}
		return Reschedule
	}}
	q.Schedule(w)

	q.Dispatch(at(0))
	assert.True(t, q.Pending(w))
	q.Dispatch(at(5))
	assert.Equal(t, 1, runs)
	q.Dispatch(at(100))
	assert.Equal(t, 3, runs)
	assert.False(t, q.Pending(w))
	assert.Zero(t, q.Len())
}

func TestScheduleIsIdempotent(t *testing.T) {
	q := New(nil)
	w := &Work{WakeTime: at(0), Handler: func(*Work) Result { return Done }}
	q.Schedule(w)
	q.Schedule(w)
	assert.Equal(t, 1, q.Len())
}

func TestHandlerMaySchedule(t *testing.T) {
	q := New(clockwork.NewFakeClockAt(epoch))
	ran := false
	other := &Work{WakeTime: at(1), Handler: func(*Work) Result {
		ran = true
		return Done
	}}
	q.Schedule(&Work{WakeTime: at(0), Handler: func(*Work) Result {
		q.Schedule(other)
		return Done
	}})

	assert.Equal(t, 2, q.Dispatch(at(1)))
	assert.True(t, ran)
}

func TestCancel(t *testing.T) {
	q := New(nil)
	a := &Work{WakeTime: at(0), Handler: func(*Work) Result { return Done }}
	b := &Work{WakeTime: at(1), Handler: func(*Work) Result { return Done }}
	q.Schedule(a)
	q.Schedule(b)

	assert.True(t, q.Cancel(b))
	assert.False(t, q.Cancel(b))
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Pending(a))
}

func TestRunFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	q := New(clock)
	fired := make(chan time.Time, 1)
	q.Schedule(&Work{WakeTime: at(10), Handler: func(w *Work) Result {
		fired <- clock.Now()
		return Done
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	clock.BlockUntil(1)
	select {
	case <-fired:
		t.Fatal("work ran before its wake time")
	default:
	}
	clock.Advance(10 * time.Millisecond)

	select {
	case when := <-fired:
		assert.False(t, when.Before(at(10)))
	case <-time.After(time.Second):
		t.Fatal("work did not run")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
