package orchestrator

import (
	"container/heap"
	"sync"

	"github.com/noesislabs/noesis/reasoning"
	"github.com/noesislabs/noesis/thought"
)

type (
	// decisionRequest is one queued Decide call. The result channel is
	// buffered so a caller that gave up on its deadline never blocks the
	// decision loop.
	decisionRequest struct {
		context string
		options []string
		urgency thought.Priority
		seq     uint64
		result  chan decisionResult
	}

	decisionResult struct {
		decision *reasoning.Decision
		err      error
	}

	// decisionQueue orders pending decisions by urgency, FIFO within equal
	// urgency via the sequence number.
	decisionQueue struct {
		mu     sync.Mutex
		items  decisionHeap
		seq    uint64
		notify chan struct{}
	}

	decisionHeap []*decisionRequest
)

func newDecisionQueue() *decisionQueue {
	return &decisionQueue{notify: make(chan struct{}, 1)}
}

// push enqueues a request and signals the drain loop.
func (q *decisionQueue) push(req *decisionRequest) {
	q.mu.Lock()
	q.seq++
	req.seq = q.seq
	heap.Push(&q.items, req)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the most urgent request, or nil when empty.
func (q *decisionQueue) pop() *decisionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*decisionRequest)
}

func (q *decisionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (h decisionHeap) Len() int { return len(h) }

func (h decisionHeap) Less(i, j int) bool {
	if h[i].urgency != h[j].urgency {
		return h[i].urgency < h[j].urgency
	}
	return h[i].seq < h[j].seq
}

func (h decisionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *decisionHeap) Push(x any) { *h = append(*h, x.(*decisionRequest)) }

func (h *decisionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
