// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/katzenpost/dhtmail/core/worker"
)

// TimerQueue holds values until their due time and then hands them to a
// callback on the queue's worker goroutine.
type TimerQueue[T any] struct {
	worker.Worker
	sync.Mutex

	clock  clock.Clock
	priq   *PriorityQueue[T]
	fn     func(T)
	errFn  func(error)
	wakeCh chan struct{}
}

// NewTimerQueue creates a timer queue calling fn for every due value, and
// starts its worker.  A panic in fn is recovered and passed to errFn if it
// is not nil.
func NewTimerQueue[T any](clk clock.Clock, fn func(T), errFn func(error)) *TimerQueue[T] {
	if clk == nil {
		clk = clock.New()
	}
	q := &TimerQueue[T]{
		clock:  clk,
		priq:   New[T](),
		fn:     fn,
		errFn:  errFn,
		wakeCh: make(chan struct{}, 1),
	}
	q.Go(q.worker)
	return q
}

// Push schedules v for at.
func (q *TimerQueue[T]) Push(at time.Time, v T) {
	q.Lock()
	q.priq.Enqueue(uint64(at.UnixNano()), v)
	q.Unlock()
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// Len returns the number of values not yet due.
func (q *TimerQueue[T]) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.priq.Len()
}

func (q *TimerQueue[T]) dispatch(v T) {
	if err := worker.Safe(func() { q.fn(v) }); err != nil && q.errFn != nil {
		q.errFn(err)
	}
}

func (q *TimerQueue[T]) worker() {
	for {
		var (
			c     <-chan time.Time
			timer *clock.Timer
		)
		q.Lock()
		if e := q.priq.Peek(); e != nil {
			timeLeft := time.Duration(int64(e.Priority) - q.clock.Now().UnixNano())
			if timeLeft <= 0 {
				q.priq.Pop()
				q.Unlock()
				q.dispatch(e.Value)
				continue
			}
			timer = q.clock.Timer(timeLeft)
			c = timer.C
		}
		q.Unlock()

		select {
		case <-q.HaltCh():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c:
		case <-q.wakeCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
