// Package head implements the operator-facing side of the control plane:
// the static node registry, the envelope-signing HTTP client, the
// task-to-node affinity cache, and the fan-out router that merges per-node
// results without letting one node's failure poison the rest.
package head

import (
	"sync"
	"time"

	"github.com/webai/webai/internal/common/config"
)

// Node is one registered worker node. Name starts as the configured id
// and is refreshed from the node's own info endpoint on successful probes.
type Node struct {
	ID   string
	Name string
	URL  string

	LastSeen  time.Time
	LastError string
}

// Registry holds the ordered node set parsed from HEAD_NODES plus the
// last-seen bookkeeping updated after every round trip.
type Registry struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]*Node
}

// NewRegistry builds a registry from parsed HEAD_NODES entries.
func NewRegistry(entries []config.NodeEntry) *Registry {
	r := &Registry{nodes: make(map[string]*Node, len(entries))}
	for _, entry := range entries {
		if _, dup := r.nodes[entry.ID]; dup {
			continue
		}
		r.order = append(r.order, entry.ID)
		r.nodes[entry.ID] = &Node{ID: entry.ID, Name: entry.ID, URL: entry.URL}
	}
	return r
}

// All returns copies of every node in configuration order.
func (r *Registry) All() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.nodes[id])
	}
	return out
}

// Get returns a copy of the node with the given id.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Single returns the only registered node, if exactly one exists.
func (r *Registry) Single() (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) != 1 {
		return Node{}, false
	}
	return *r.nodes[r.order[0]], true
}

// MarkSeen records a successful round trip to the node. An empty name
// keeps the previous one.
func (r *Registry) MarkSeen(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	node.LastSeen = time.Now().UTC()
	node.LastError = ""
	if name != "" {
		node.Name = name
	}
}

// MarkError records a failed round trip to the node.
func (r *Registry) MarkError(id, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.LastError = detail
	}
}
