// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap priority queue and a timer queue
// built on top of it.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
	seq      uint64
}

type entries[T any] []*Entry[T]

func (h entries[T]) Len() int { return len(h) }

func (h entries[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entries[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entries[T]) Push(x any) { *h = append(*h, x.(*Entry[T])) }

func (h *entries[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a min-heap.  Entries of equal priority leave in the
// order they were enqueued.
type PriorityQueue[T any] struct {
	heap entries[T]
	seq  uint64
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

// Enqueue inserts value with the given priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	q.seq++
	heap.Push(&q.heap, &Entry[T]{Value: value, Priority: priority, seq: q.seq})
}

// Peek returns the lowest priority entry if any, leaving the queue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the lowest priority entry if any.
func (q *PriorityQueue[T]) Pop() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry[T])
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.heap)
}
