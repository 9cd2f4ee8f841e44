package v1

// NodeError is a per-node failure entry in a fan-out response
type NodeError struct {
	NodeID string `json:"node_id"`
	Detail string `json:"detail"`
}

// NodeEnrollment reports whether a node still needs a head key installed
// and whether it will accept one.
type NodeEnrollment struct {
	Required   bool `json:"required"`
	Configured bool `json:"configured"`
}

// NodeInfo is a node's self-report served at /api/node/info
type NodeInfo struct {
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name"`
	Version     string         `json:"version"`
	Ready       bool           `json:"ready"`
	RequireAuth bool           `json:"require_auth"`
	TrustedKeys int            `json:"trusted_keys"`
	Enrollment  NodeEnrollment `json:"enrollment"`
	Issues      []string       `json:"issues"`
}

// NodeStatus is the head's enriched view of a configured node
type NodeStatus struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Ready      bool     `json:"ready"`
	Issues     []string `json:"issues"`
	Reachable  bool     `json:"reachable"`
	Enrollment bool     `json:"enrollment"`
}

// NodesResponse is returned by the head's GET /api/nodes
type NodesResponse struct {
	Nodes       []NodeStatus `json:"nodes"`
	PublicKey   string       `json:"public_key"`
	EnrollToken string       `json:"enroll_token,omitempty"`
}

// PublicKeyResponse exposes the head's signing public key as PEM
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
	KeyID     string `json:"key_id"`
}

// HeadKeyInstallRequest enrolls the head's public key on a node. The token
// must match the node's configured enrollment token and is single-use.
type HeadKeyInstallRequest struct {
	PublicKey string `json:"public_key" binding:"required"`
	Token     string `json:"token" binding:"required"`
}

// HeadKeyInstallResponse acknowledges a key enrollment
type HeadKeyInstallResponse struct {
	Installed bool   `json:"installed"`
	KeyID     string `json:"key_id"`
}

// ConfigDefaults is the UI bootstrap payload served at /api/config/defaults.
// Key casing is part of the wire contract consumed by the SPA.
type ConfigDefaults struct {
	Model                         string              `json:"model"`
	Temperature                   *float64            `json:"temperature,omitempty"`
	MaxSteps                      int                 `json:"max_steps"`
	SupportedModels               []string            `json:"supportedModels"`
	RefreshSeconds                int                 `json:"refreshSeconds"`
	OpenAIBaseURL                 string              `json:"openaiBaseUrl,omitempty"`
	LeaveBrowserOpen              bool                `json:"leaveBrowserOpen"`
	ReasoningEffortOptions        []string            `json:"reasoningEffortOptions"`
	ReasoningEffortOptionsByModel map[string][]string `json:"reasoningEffortOptionsByModel"`
	SchedulingEnabled             bool                `json:"schedulingEnabled"`
	ScheduleCheckSeconds          int                 `json:"scheduleCheckSeconds"`
	NodeID                        string              `json:"nodeId,omitempty"`
	NodeName                      string              `json:"nodeName,omitempty"`
}
