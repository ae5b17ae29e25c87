// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[string]()
	require.Nil(q.Peek())
	require.Nil(q.Pop())

	q.Enqueue(3, "c")
	q.Enqueue(1, "a1")
	q.Enqueue(2, "b")
	q.Enqueue(1, "a2")
	require.Equal(4, q.Len())
	require.Equal("a1", q.Peek().Value)

	var got []string
	for q.Len() > 0 {
		got = append(got, q.Pop().Value)
	}
	require.Equal([]string{"a1", "a2", "b", "c"}, got)
}

func TestTimerQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewMock()
	clk.Set(time.Now())

	var (
		mu  sync.Mutex
		got []int
	)
	firedCh := make(chan struct{}, 10)
	q := NewTimerQueue(clk, func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		firedCh <- struct{}{}
	}, nil)
	defer q.Halt()

	now := clk.Now()
	q.Push(now.Add(2*time.Minute), 2)
	q.Push(now.Add(time.Minute), 1)
	q.Push(now.Add(-time.Second), 0)

	<-firedCh
	require.Eventually(func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)

	clk.Add(90 * time.Second)
	<-firedCh
	clk.Add(time.Minute)
	<-firedCh

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]int{0, 1, 2}, got)
}

func TestTimerQueuePanic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	errCh := make(chan error, 1)
	firedCh := make(chan int, 1)
	q := NewTimerQueue(nil, func(v int) {
		if v == 0 {
			panic("bad value")
		}
		firedCh <- v
	}, func(err error) {
		errCh <- err
	})
	defer q.Halt()

	now := time.Now()
	q.Push(now.Add(-time.Second), 0)
	q.Push(now, 1)

	select {
	case err := <-errCh:
		require.ErrorContains(err, "bad value")
	case <-time.After(5 * time.Second):
		require.FailNow("panic not reported")
	}
	select {
	case v := <-firedCh:
		require.Equal(1, v)
	case <-time.After(5 * time.Second):
		require.FailNow("worker did not survive the panic")
	}
}
