package head

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/metrics"
	"github.com/webai/webai/internal/trust"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// maxRelayBody caps how much of a node response the head buffers (16 MiB;
// step screenshots dominate task detail payloads).
const maxRelayBody = 16 << 20

// NodeResponse is a node reply relayed through the head: the status code
// and raw body, exactly as the node produced them.
type NodeResponse struct {
	Status int
	Body   []byte
}

// Client issues envelope-signed requests to nodes. Deadlines come from
// the caller's context; the client itself never retries.
type Client struct {
	signer *trust.Signer
	http   *http.Client
	logger *logger.Logger
}

// NewClient creates a node client signing with the head's private key.
func NewClient(signer *trust.Signer, log *logger.Logger) *Client {
	return &Client{
		signer: signer,
		// Timeout stays zero: per-request contexts carry the deadline.
		http:   &http.Client{},
		logger: log.WithFields(zap.String("component", "head-client")),
	}
}

// Forward relays method+path+body to the node with a signed envelope and
// returns the node's status and raw body.
func (c *Client) Forward(ctx context.Context, node Node, method, path string, body []byte) (*NodeResponse, error) {
	return c.roundTrip(ctx, node, method, path, body, true)
}

// ListTasks fetches the node's task summaries.
func (c *Client) ListTasks(ctx context.Context, node Node) ([]v1.TaskSummary, error) {
	resp, err := c.roundTrip(ctx, node, http.MethodGet, "/api/tasks", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("list returned status %d", resp.Status))
	}
	var out v1.TasksResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("undecodable list response: %w", err))
	}
	return out.Tasks, nil
}

// Info fetches the node's self-report. The route is envelope-exempt but
// signing it is harmless, so the client does not special-case it.
func (c *Client) Info(ctx context.Context, node Node) (*v1.NodeInfo, error) {
	resp, err := c.roundTrip(ctx, node, http.MethodGet, "/api/node/info", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("info returned status %d", resp.Status))
	}
	var info v1.NodeInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("undecodable info response: %w", err))
	}
	return &info, nil
}

// ConfigDefaults fetches the node's UI bootstrap payload.
func (c *Client) ConfigDefaults(ctx context.Context, node Node) (*v1.ConfigDefaults, error) {
	resp, err := c.roundTrip(ctx, node, http.MethodGet, "/api/config/defaults", nil, true)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("defaults returned status %d", resp.Status))
	}
	var defaults v1.ConfigDefaults
	if err := json.Unmarshal(resp.Body, &defaults); err != nil {
		return nil, apperrors.NodeUnreachable(node.ID, false,
			fmt.Errorf("undecodable defaults response: %w", err))
	}
	return &defaults, nil
}

// Owns asks the node whether it holds the task, using the body-less
// ownership probe.
func (c *Client) Owns(ctx context.Context, node Node, taskID string) (bool, error) {
	resp, err := c.roundTrip(ctx, node, http.MethodHead, "/api/tasks/"+taskID, nil, true)
	if err != nil {
		return false, err
	}
	return resp.Status == http.StatusOK, nil
}

// InstallHeadKey pushes the head's public key to a node along with the
// operator-supplied enrollment token. Unsigned: the node cannot verify
// the head before it trusts this very key. The node's reply is returned
// as-is so its own error messages reach the operator.
func (c *Client) InstallHeadKey(ctx context.Context, node Node, publicKeyPEM, token string) (*NodeResponse, error) {
	body, err := json.Marshal(v1.HeadKeyInstallRequest{PublicKey: publicKeyPEM, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal enrollment request: %w", err)
	}
	return c.roundTrip(ctx, node, http.MethodPost, "/api/admin/head-key", body, false)
}

func (c *Client) roundTrip(ctx context.Context, node Node, method, path string, body []byte, sign bool) (*NodeResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, node.URL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build node request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sign {
		if err := c.signer.Sign(req, body); err != nil {
			return nil, fmt.Errorf("sign node request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		timeout := isTimeout(err)
		outcome := "error"
		if timeout {
			outcome = "timeout"
		}
		metrics.NodeRequests.WithLabelValues(node.ID, outcome).Inc()
		c.logger.Warn("Node request failed",
			zap.String("node_id", node.ID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, apperrors.NodeUnreachable(node.ID, timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
	if err != nil {
		metrics.NodeRequests.WithLabelValues(node.ID, "error").Inc()
		return nil, apperrors.NodeUnreachable(node.ID, isTimeout(err), err)
	}

	metrics.NodeRequests.WithLabelValues(node.ID, "ok").Inc()
	return &NodeResponse{Status: resp.StatusCode, Body: data}, nil
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// failureDetail renders a fan-out failure for the errors[] list: literal
// "timeout" for deadline misses, the underlying error text otherwise.
func failureDetail(err error) string {
	if isTimeout(err) {
		return "timeout"
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) && appErr.Err != nil {
		return appErr.Err.Error()
	}
	return err.Error()
}
