package orchestrator

import (
	"container/heap"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// issueQueue orders issues by priority (lower number first), breaking ties
// by submission order.
type issueQueue struct {
	items []*queueItem
	seq   int
}

type queueItem struct {
	issue domain.Issue
	seq   int
}

func newIssueQueue() *issueQueue {
	q := &issueQueue{}
	heap.Init((*issueHeap)(q))
	return q
}

func (q *issueQueue) Push(issue domain.Issue) {
	q.seq++
	heap.Push((*issueHeap)(q), &queueItem{issue: issue, seq: q.seq})
}

func (q *issueQueue) Pop() domain.Issue {
	return heap.Pop((*issueHeap)(q)).(*queueItem).issue
}

// Peek returns the next issue without removing it. Callers must check Len
// first.
func (q *issueQueue) Peek() domain.Issue {
	return q.items[0].issue
}

func (q *issueQueue) Len() int {
	return len(q.items)
}

// issueHeap adapts issueQueue to container/heap.
type issueHeap issueQueue

func (h *issueHeap) Len() int { return len(h.items) }

func (h *issueHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.issue.Priority != b.issue.Priority {
		return a.issue.Priority < b.issue.Priority
	}
	return a.seq < b.seq
}

func (h *issueHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *issueHeap) Push(x any) {
	h.items = append(h.items, x.(*queueItem))
}

func (h *issueHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}
