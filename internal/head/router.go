package head

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webai/webai/internal/common/config"
	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/metrics"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// Router routes UI requests to the owning node and runs the fan-out
// operations. Tasks are sticky to their node: the router only decides
// where a request goes, never moves state.
type Router struct {
	registry *Registry
	client   *Client
	affinity *affinityCache
	cfg      config.HeadConfig
	logger   *logger.Logger
}

// NewRouter creates a router over the given registry and signed client.
func NewRouter(registry *Registry, client *Client, cfg config.HeadConfig, log *logger.Logger) *Router {
	return &Router{
		registry: registry,
		client:   client,
		affinity: newAffinityCache(),
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "head-router")),
	}
}

// Registry exposes the node registry for status handlers.
func (r *Router) Registry() *Registry {
	return r.registry
}

// PickCreateNode resolves the node a create request targets: the explicit
// node_id when given, else the only configured node.
func (r *Router) PickCreateNode(nodeID string) (Node, error) {
	if nodeID != "" {
		node, ok := r.registry.Get(nodeID)
		if !ok {
			return Node{}, apperrors.NotFound("node", nodeID)
		}
		return node, nil
	}
	if node, ok := r.registry.Single(); ok {
		return node, nil
	}
	if r.registry.Len() == 0 {
		return Node{}, apperrors.InvalidInput("No nodes are configured on this head.")
	}
	return Node{}, apperrors.InvalidInput("node_id is required when more than one node is configured.")
}

// CreateTask forwards the raw create body to the node and, on success,
// remembers the new task's affinity.
func (r *Router) CreateTask(ctx context.Context, node Node, body []byte) (*NodeResponse, error) {
	resp, err := r.forward(ctx, node, http.MethodPost, "/api/tasks", body)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusCreated {
		var detail v1.TaskDetail
		if json.Unmarshal(resp.Body, &detail) == nil && detail.Record.ID != "" {
			r.affinity.remember(detail.Record.ID, node.ID)
		}
	}
	return resp, nil
}

// ListTasks fans out to every node and merges the summaries. A node that
// fails or misses the fan-out timeout contributes an errors[] entry
// instead of poisoning the response.
func (r *Router) ListTasks(ctx context.Context) *v1.TasksResponse {
	nodes := r.registry.All()
	start := time.Now()
	defer func() { metrics.FanoutDuration.Observe(time.Since(start).Seconds()) }()

	type result struct {
		tasks []v1.TaskSummary
		err   error
	}
	results := make([]result, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.cfg.FanoutTimeout())
			defer cancel()
			tasks, err := r.client.ListTasks(cctx, node)
			results[i] = result{tasks: tasks, err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := &v1.TasksResponse{Tasks: []v1.TaskSummary{}}
	seen := make(map[string]struct{})
	for i, node := range nodes {
		if err := results[i].err; err != nil {
			detail := failureDetail(err)
			r.registry.MarkError(node.ID, detail)
			out.Errors = append(out.Errors, v1.NodeError{NodeID: node.ID, Detail: detail})
			continue
		}
		r.registry.MarkSeen(node.ID, "")
		for _, task := range results[i].tasks {
			key := task.NodeID + "/" + task.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			r.affinity.remember(task.ID, node.ID)
			out.Tasks = append(out.Tasks, task)
		}
	}

	sort.Slice(out.Tasks, func(i, j int) bool {
		if out.Tasks[i].CreatedAt.Equal(out.Tasks[j].CreatedAt) {
			return out.Tasks[i].ID < out.Tasks[j].ID
		}
		return out.Tasks[i].CreatedAt.After(out.Tasks[j].CreatedAt)
	})
	return out
}

// ResolveTaskNode finds the node owning a task: the explicit node_id when
// given, else the affinity cache, else an ownership broadcast.
func (r *Router) ResolveTaskNode(ctx context.Context, taskID, explicitNodeID string) (Node, error) {
	if explicitNodeID != "" {
		node, ok := r.registry.Get(explicitNodeID)
		if !ok {
			return Node{}, apperrors.NotFound("node", explicitNodeID)
		}
		return node, nil
	}

	if nodeID, ok := r.affinity.lookup(taskID); ok {
		if node, found := r.registry.Get(nodeID); found {
			return node, nil
		}
		r.affinity.forget(taskID)
	}

	if node, ok := r.registry.Single(); ok {
		return node, nil
	}

	nodes := r.registry.All()
	if len(nodes) == 0 {
		return Node{}, apperrors.InvalidInput("No nodes are configured on this head.")
	}

	var (
		mu    sync.Mutex
		owner *Node
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout())
			defer cancel()
			owns, err := r.client.Owns(cctx, node, taskID)
			if err != nil || !owns {
				return nil
			}
			mu.Lock()
			if owner == nil {
				owner = &node
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if owner == nil {
		return Node{}, apperrors.NotFound("task", taskID)
	}
	r.affinity.remember(taskID, owner.ID)
	return *owner, nil
}

// ProxyTask forwards a task-scoped request to its node and relays the
// reply. Relative vnc_launch_url values are rewritten onto the node's
// base URL so the operator's browser can connect directly.
func (r *Router) ProxyTask(ctx context.Context, node Node, method, path string, body []byte) (*NodeResponse, error) {
	resp, err := r.forward(ctx, node, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Status < http.StatusMultipleChoices {
		resp.Body = rewriteVNCURL(resp.Body, node.URL)
	}
	return resp, nil
}

// ForgetTask drops a task's affinity entry after a delete.
func (r *Router) ForgetTask(taskID string) {
	r.affinity.forget(taskID)
}

// Defaults proxies the first reachable node's bootstrap payload, overlaid
// with that node's identity so the UI knows who answered.
func (r *Router) Defaults(ctx context.Context) (*v1.ConfigDefaults, error) {
	nodes := r.registry.All()
	if len(nodes) == 0 {
		return nil, apperrors.InvalidInput("No nodes are configured on this head.")
	}

	var lastErr error
	for _, node := range nodes {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout())
		defaults, err := r.client.ConfigDefaults(cctx, node)
		cancel()
		if err != nil {
			r.registry.MarkError(node.ID, failureDetail(err))
			lastErr = err
			continue
		}
		r.registry.MarkSeen(node.ID, "")
		defaults.NodeID = node.ID
		defaults.NodeName = node.Name
		return defaults, nil
	}
	return nil, lastErr
}

// NodeStatuses probes every node's info endpoint concurrently and builds
// the operator-facing status list.
func (r *Router) NodeStatuses(ctx context.Context) []v1.NodeStatus {
	nodes := r.registry.All()
	statuses := make([]v1.NodeStatus, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.cfg.ProbeTimeout())
			defer cancel()

			info, err := r.client.Info(cctx, node)
			if err != nil {
				r.registry.MarkError(node.ID, failureDetail(err))
				statuses[i] = v1.NodeStatus{
					ID:        node.ID,
					Name:      node.Name,
					URL:       node.URL,
					Reachable: false,
					Issues:    []string{failureDetail(err)},
				}
				return nil
			}

			r.registry.MarkSeen(node.ID, info.NodeName)
			name := info.NodeName
			if name == "" {
				name = node.Name
			}
			issues := append([]string{}, info.Issues...)
			if info.NodeID != "" && info.NodeID != node.ID {
				issues = append(issues, fmt.Sprintf("node reports id %q, configured as %q", info.NodeID, node.ID))
			}
			statuses[i] = v1.NodeStatus{
				ID:         node.ID,
				Name:       name,
				URL:        node.URL,
				Ready:      info.Ready && len(issues) == 0,
				Issues:     issues,
				Reachable:  true,
				Enrollment: info.Enrollment.Required,
			}
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// InstallHeadKey pushes the head's public key to a node using the
// operator-supplied enrollment token and relays the node's verdict.
func (r *Router) InstallHeadKey(ctx context.Context, nodeID, publicKeyPEM, token string) (*NodeResponse, error) {
	node, ok := r.registry.Get(nodeID)
	if !ok {
		return nil, apperrors.NotFound("node", nodeID)
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout())
	defer cancel()
	resp, err := r.client.InstallHeadKey(cctx, node, publicKeyPEM, token)
	if err != nil {
		r.registry.MarkError(node.ID, failureDetail(err))
		return nil, err
	}
	if resp.Status == http.StatusOK {
		r.registry.MarkSeen(node.ID, "")
	}
	return resp, nil
}

func (r *Router) forward(ctx context.Context, node Node, method, path string, body []byte) (*NodeResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout())
	defer cancel()

	resp, err := r.client.Forward(cctx, node, method, path, body)
	if err != nil {
		r.registry.MarkError(node.ID, failureDetail(err))
		return nil, err
	}
	r.registry.MarkSeen(node.ID, "")
	return resp, nil
}

// rewriteVNCURL prefixes a relative vnc_launch_url in a JSON payload with
// the node's base URL. Payloads without the field pass through unchanged.
func rewriteVNCURL(body []byte, nodeURL string) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	raw, ok := payload["vnc_launch_url"]
	if !ok {
		return body
	}
	var launch string
	if err := json.Unmarshal(raw, &launch); err != nil || launch == "" {
		return body
	}
	if strings.HasPrefix(launch, "http://") || strings.HasPrefix(launch, "https://") {
		return body
	}

	rewritten, err := json.Marshal(strings.TrimRight(nodeURL, "/") + launch)
	if err != nil {
		return body
	}
	payload["vnc_launch_url"] = rewritten
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}
