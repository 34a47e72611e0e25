package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/lumina-learning/pulse-core/domain/action"
)

// DelayQueue holds actions whose NotBefore has not yet arrived and delivers
// each one via deliver as soon as its time comes, in NotBefore order.
type DelayQueue struct {
	deliver func(ctx context.Context, act action.Action) error

	mu    sync.Mutex
	items delayHeap
	wake  chan struct{}
}

// NewDelayQueue constructs an empty DelayQueue.
func NewDelayQueue(deliver func(ctx context.Context, act action.Action) error) *DelayQueue {
	return &DelayQueue{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
	}
}

// Push enqueues act, to be delivered at or after its NotBefore time.
func (q *DelayQueue) Push(act action.Action) {
	q.mu.Lock()
	heap.Push(&q.items, delayItem{act: act, notBefore: *act.NotBefore})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of actions currently held.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Run pops and delivers due actions until ctx is cancelled.
func (q *DelayQueue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := q.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.deliverDue(ctx)
		}
	}
}

func (q *DelayQueue) nextWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Hour
	}
	wait := time.Until(q.items[0].notBefore)
	if wait < 0 {
		return 0
	}
	return wait
}

func (q *DelayQueue) deliverDue(ctx context.Context) {
	now := time.Now()
	for {
		q.mu.Lock()
		if q.items.Len() == 0 || q.items[0].notBefore.After(now) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(delayItem)
		q.mu.Unlock()

		_ = q.deliver(ctx, item.act)
	}
}

type delayItem struct {
	act       action.Action
	notBefore time.Time
}

type delayHeap []delayItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].notBefore.Before(h[j].notBefore) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayItem)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
