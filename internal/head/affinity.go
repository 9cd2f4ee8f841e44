package head

import "sync"

// affinityCache remembers which node last claimed a task id so repeat
// requests skip the ownership broadcast. It is advisory: entries may be
// stale, and the record's node_id stays authoritative.
type affinityCache struct {
	mu     sync.RWMutex
	byTask map[string]string
}

func newAffinityCache() *affinityCache {
	return &affinityCache{byTask: make(map[string]string)}
}

func (a *affinityCache) lookup(taskID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	nodeID, ok := a.byTask[taskID]
	return nodeID, ok
}

func (a *affinityCache) remember(taskID, nodeID string) {
	a.mu.Lock()
	a.byTask[taskID] = nodeID
	a.mu.Unlock()
}

func (a *affinityCache) forget(taskID string) {
	a.mu.Lock()
	delete(a.byTask, taskID)
	a.mu.Unlock()
}
