package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemQ is the in-process queue: a ready heap ordered by priority then
// insertion order, plus a delayed heap ordered by due time. Suitable for a
// single worker; scaled deployments use RedisQ so replicas share one queue.
type MemQ struct {
	mu      sync.Mutex
	seq     uint64
	ready   readyHeap
	delayed delayedHeap
}

func NewMemQ() *MemQ { return &MemQ{} }

func (q *MemQ) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e.Seq = q.seq
	if e.ScheduledAt.IsZero() {
		heap.Push(&q.ready, e)
	} else {
		heap.Push(&q.delayed, e)
	}
	return nil
}

func (q *MemQ) Dequeue(_ context.Context, now time.Time) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDue(now)
	if q.ready.Len() == 0 {
		return Entry{}, false, nil
	}
	return heap.Pop(&q.ready).(Entry), true, nil
}

func (q *MemQ) Peek(_ context.Context, now time.Time) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDue(now)
	if q.ready.Len() == 0 {
		return Entry{}, false, nil
	}
	return q.ready[0], true, nil
}

func (q *MemQ) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len(), nil
}

// promoteDue moves entries whose ScheduledAt has passed onto the ready heap.
func (q *MemQ) promoteDue(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].ScheduledAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed).(Entry))
	}
}

type readyHeap []Entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type delayedHeap []Entry

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
