package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// ScheduledTask is a task waiting for its due time.
type ScheduledTask struct {
	TaskID string
	DueAt  time.Time
	index  int // Index in the heap (used by container/heap)
}

// dueHeap implements heap.Interface ordered by due time
type dueHeap []*ScheduledTask

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	// Earlier due time first, then task ID for a stable order
	if !h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].DueAt.Before(h[j].DueAt)
	}
	return h[i].TaskID < h[j].TaskID
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*ScheduledTask)
	item.index = n
	*h = append(*h, item)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// dueQueue holds scheduled tasks ordered by due time.
type dueQueue struct {
	mu      sync.RWMutex
	heap    dueHeap
	taskMap map[string]*ScheduledTask // For quick lookup by task ID
}

func newDueQueue() *dueQueue {
	q := &dueQueue{
		heap:    make(dueHeap, 0),
		taskMap: make(map[string]*ScheduledTask),
	}
	heap.Init(&q.heap)
	return q
}

// add inserts a task with its due time.
// Returns ErrAlreadyScheduled if the task is already queued.
func (q *dueQueue) add(taskID string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[taskID]; exists {
		return ErrAlreadyScheduled
	}

	st := &ScheduledTask{
		TaskID: taskID,
		DueAt:  dueAt,
	}
	heap.Push(&q.heap, st)
	q.taskMap[taskID] = st
	return nil
}

// reschedule moves an already-queued task to a new due time.
func (q *dueQueue) reschedule(taskID string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, exists := q.taskMap[taskID]
	if !exists {
		return ErrNotScheduled
	}
	st.DueAt = dueAt
	heap.Fix(&q.heap, st.index)
	return nil
}

// remove drops a task from the queue if present.
func (q *dueQueue) remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, exists := q.taskMap[taskID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, st.index)
	delete(q.taskMap, taskID)
	return true
}

// popDue removes and returns the earliest task whose due time has passed.
// Returns nil when nothing is due yet.
func (q *dueQueue) popDue(now time.Time) *ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || q.heap[0].DueAt.After(now) {
		return nil
	}
	st := heap.Pop(&q.heap).(*ScheduledTask)
	delete(q.taskMap, st.TaskID)
	return st
}

// dueAt reports the due time of a queued task.
func (q *dueQueue) dueAt(taskID string) (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st, exists := q.taskMap[taskID]
	if !exists {
		return time.Time{}, false
	}
	return st.DueAt, true
}

// nextDue reports the earliest due time in the queue.
func (q *dueQueue) nextDue() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].DueAt, true
}

func (q *dueQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// list returns all queued tasks in no particular order.
func (q *dueQueue) list() []ScheduledTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]ScheduledTask, 0, len(q.heap))
	for _, st := range q.heap {
		result = append(result, *st)
	}
	return result
}
