// Package config provides configuration management for the webai services.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Exit codes used by the service binaries.
const (
	ExitOK            = 0
	ExitInvalidConfig = 2
	ExitNoTrust       = 3
)

// Config holds all configuration sections for webai. The node and head
// binaries read the sections they need from the same loaded tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Node    NodeConfig    `mapstructure:"node"`
	Head    HeadConfig    `mapstructure:"head"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Browser BrowserConfig `mapstructure:"browser"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the node service.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NodeConfig holds the node identity, trust, and engine tuning knobs.
type NodeConfig struct {
	// ID identifies this node to the head. Falls back to the hostname when empty.
	ID string `mapstructure:"id"`

	// Name is the human-readable label shown in the UI.
	Name string `mapstructure:"name"`

	// RequireAuth controls whether task routes demand a signed envelope.
	// Default true; turning it off is for single-box development only.
	RequireAuth bool `mapstructure:"requireAuth"`

	// HeadPublicKeys is a comma-separated list of trusted head public keys,
	// each entry either a PEM file path or a literal PEM block.
	HeadPublicKeys string `mapstructure:"headPublicKeys"`

	// DataRoot is the base directory for task state and key material.
	DataRoot string `mapstructure:"dataRoot"`

	// EnrollToken, when set, allows one head public key installation via
	// POST /api/admin/head-key. Consumed on first successful use.
	EnrollToken string `mapstructure:"enrollToken"`

	// MaxConcurrentRuns caps simultaneously live runners. 0 means unbounded.
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`

	AssistTimeoutSeconds int `mapstructure:"assistTimeoutSeconds"`
	StopGraceSeconds     int `mapstructure:"stopGraceSeconds"`
	ScheduleCheckSeconds int `mapstructure:"scheduleCheckSeconds"`
	RefreshSeconds       int `mapstructure:"refreshSeconds"`
}

// HeadConfig holds the head router configuration.
type HeadConfig struct {
	Port int `mapstructure:"port"`

	// Nodes is the static registry: "url|id[,url|id...]". Entries without
	// an id get "node-{index}".
	Nodes string `mapstructure:"nodes"`

	// KeyDir is where the head keeps its signing keypair
	// (head_private.pem, head_public.pem).
	KeyDir string `mapstructure:"keyDir"`

	// EnrollToken, when set, is surfaced in GET /api/nodes so an operator
	// can push the head key to a node.
	EnrollToken string `mapstructure:"enrollToken"`

	// StaticDir is served at / when it exists (built frontend).
	StaticDir string `mapstructure:"staticDir"`

	RequestTimeoutSeconds int `mapstructure:"requestTimeoutSeconds"`
	ProbeTimeoutSeconds   int `mapstructure:"probeTimeoutSeconds"`

	// FanoutTimeoutSeconds bounds each node's share of a fan-out list.
	// A node that misses it degrades only its own entries.
	FanoutTimeoutSeconds int `mapstructure:"fanoutTimeoutSeconds"`
}

// AgentConfig holds the OpenAI-backed agent runner configuration.
type AgentConfig struct {
	OpenAIAPIKey  string  `mapstructure:"openaiApiKey"`
	OpenAIBaseURL string  `mapstructure:"openaiBaseUrl"`
	Model         string  `mapstructure:"model"`
	Temperature   float64 `mapstructure:"temperature"`

	// MaxStepsDefault is used when a create request omits max_steps.
	MaxStepsDefault int `mapstructure:"maxStepsDefault"`
}

// BrowserConfig holds browser session backend configuration.
type BrowserConfig struct {
	// Backend selects the session backend: "local" tracks a host-local
	// browser reachable at VNCUpstreamAddr, "docker" runs one container
	// per open session.
	Backend string `mapstructure:"backend"`

	// Image is the container image for the docker backend.
	Image string `mapstructure:"image"`

	// VNCUpstreamAddr is the VNC TCP endpoint the proxy bridges to for
	// the local backend.
	VNCUpstreamAddr string `mapstructure:"vncUpstreamAddr"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// BusURL selects the bus: empty means in-memory, otherwise a NATS URL.
	BusURL string `mapstructure:"busUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AssistTimeout returns the assist wait bound as a time.Duration.
func (n *NodeConfig) AssistTimeout() time.Duration {
	return time.Duration(n.AssistTimeoutSeconds) * time.Second
}

// StopGrace returns the stop/delete grace period as a time.Duration.
func (n *NodeConfig) StopGrace() time.Duration {
	return time.Duration(n.StopGraceSeconds) * time.Second
}

// ScheduleCheckInterval returns the scheduler tick interval as a time.Duration.
func (n *NodeConfig) ScheduleCheckInterval() time.Duration {
	return time.Duration(n.ScheduleCheckSeconds) * time.Second
}

// RequestTimeout returns the head->node request timeout as a time.Duration.
func (h *HeadConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the node status probe timeout as a time.Duration.
func (h *HeadConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutSeconds) * time.Second
}

// FanoutTimeout returns the per-node fan-out timeout as a time.Duration.
func (h *HeadConfig) FanoutTimeout() time.Duration {
	return time.Duration(h.FanoutTimeoutSeconds) * time.Second
}

// NodeEntry is one parsed HEAD_NODES element.
type NodeEntry struct {
	URL string
	ID  string
}

// ParseNodes parses the "url|id[,url|id...]" registry string. Entries
// without an explicit id are assigned "node-{index}". Empty elements are
// skipped; a malformed URL is reported.
func (h *HeadConfig) ParseNodes() ([]NodeEntry, error) {
	var entries []NodeEntry
	if strings.TrimSpace(h.Nodes) == "" {
		return entries, nil
	}
	for i, raw := range strings.Split(h.Nodes, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		url := raw
		id := ""
		if idx := strings.Index(raw, "|"); idx >= 0 {
			url = strings.TrimSpace(raw[:idx])
			id = strings.TrimSpace(raw[idx+1:])
		}
		if url == "" {
			return nil, fmt.Errorf("head.nodes entry %d has empty url", i)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("head.nodes entry %d: url %q must start with http:// or https://", i, url)
		}
		if id == "" {
			id = fmt.Sprintf("node-%d", i)
		}
		entries = append(entries, NodeEntry{URL: strings.TrimRight(url, "/"), ID: id})
	}
	return entries, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("WEBAI_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7790)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Node defaults
	v.SetDefault("node.id", "")
	v.SetDefault("node.name", "")
	v.SetDefault("node.requireAuth", true)
	v.SetDefault("node.headPublicKeys", "")
	v.SetDefault("node.dataRoot", "./data")
	v.SetDefault("node.enrollToken", "")
	v.SetDefault("node.maxConcurrentRuns", 0) // unbounded
	v.SetDefault("node.assistTimeoutSeconds", 3600)
	v.SetDefault("node.stopGraceSeconds", 15)
	v.SetDefault("node.scheduleCheckSeconds", 5)
	v.SetDefault("node.refreshSeconds", 3)

	// Head defaults
	v.SetDefault("head.port", 7790)
	v.SetDefault("head.nodes", "")
	v.SetDefault("head.keyDir", "./data/head")
	v.SetDefault("head.enrollToken", "")
	v.SetDefault("head.staticDir", "./frontend/dist")
	v.SetDefault("head.requestTimeoutSeconds", 30)
	v.SetDefault("head.probeTimeoutSeconds", 3)
	v.SetDefault("head.fanoutTimeoutSeconds", 5)

	// Agent defaults
	v.SetDefault("agent.openaiApiKey", "")
	v.SetDefault("agent.openaiBaseUrl", "")
	v.SetDefault("agent.model", "gpt-5-mini")
	v.SetDefault("agent.temperature", 0.0)
	v.SetDefault("agent.maxStepsDefault", 80)

	// Browser defaults
	v.SetDefault("browser.backend", "local")
	v.SetDefault("browser.image", "webai/browser:latest")
	v.SetDefault("browser.vncUpstreamAddr", "127.0.0.1:5902")

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.busUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Well-known variables (APP_PORT, NODE_ID, HEAD_NODES, ...) are bound without a
// prefix; everything else is reachable as WEBAI_<SECTION>_<KEY>.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WEBAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the well-known unprefixed variable names.
	// AutomaticEnv only covers WEBAI_-prefixed names, so each operational
	// knob is bound to its documented name here.
	_ = v.BindEnv("server.port", "APP_PORT", "WEBAI_SERVER_PORT")
	_ = v.BindEnv("server.host", "APP_HOST", "WEBAI_SERVER_HOST")
	_ = v.BindEnv("node.id", "NODE_ID")
	_ = v.BindEnv("node.name", "NODE_NAME")
	_ = v.BindEnv("node.requireAuth", "NODE_REQUIRE_AUTH")
	_ = v.BindEnv("node.headPublicKeys", "HEAD_PUBLIC_KEYS")
	_ = v.BindEnv("node.dataRoot", "DATA_ROOT")
	_ = v.BindEnv("node.enrollToken", "NODE_ENROLL_TOKEN")
	_ = v.BindEnv("node.maxConcurrentRuns", "MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("node.assistTimeoutSeconds", "ASSIST_TIMEOUT_SECONDS")
	_ = v.BindEnv("node.stopGraceSeconds", "STOP_GRACE_SECONDS")
	_ = v.BindEnv("node.scheduleCheckSeconds", "SCHEDULE_CHECK_SECONDS")
	_ = v.BindEnv("node.refreshSeconds", "REFRESH_SECONDS")
	_ = v.BindEnv("head.port", "HEAD_PORT")
	_ = v.BindEnv("head.nodes", "HEAD_NODES")
	_ = v.BindEnv("head.keyDir", "HEAD_KEY_DIR")
	_ = v.BindEnv("head.enrollToken", "HEAD_ENROLL_TOKEN")
	_ = v.BindEnv("head.staticDir", "HEAD_STATIC_DIR")
	_ = v.BindEnv("head.fanoutTimeoutSeconds", "FANOUT_TIMEOUT_SECONDS")
	_ = v.BindEnv("agent.openaiApiKey", "OPENAI_API_KEY")
	_ = v.BindEnv("agent.openaiBaseUrl", "OPENAI_BASE_URL")
	_ = v.BindEnv("agent.model", "MODEL_NAME_DEFAULT")
	_ = v.BindEnv("agent.temperature", "MODEL_TEMPERATURE")
	_ = v.BindEnv("agent.maxStepsDefault", "MAX_STEPS_DEFAULT")
	_ = v.BindEnv("browser.backend", "BROWSER_BACKEND")
	_ = v.BindEnv("browser.image", "BROWSER_IMAGE")
	_ = v.BindEnv("browser.vncUpstreamAddr", "VNC_UPSTREAM_ADDR")
	_ = v.BindEnv("events.busUrl", "EVENT_BUS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/webai/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields carry usable values.
// All violations are collected into a single error.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Node validation
	if cfg.Node.ID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Node.ID = hostname
		} else {
			cfg.Node.ID = "node-0"
		}
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = cfg.Node.ID
	}
	if cfg.Node.DataRoot == "" {
		errs = append(errs, "node.dataRoot is required")
	}
	if cfg.Node.MaxConcurrentRuns < 0 {
		errs = append(errs, "node.maxConcurrentRuns must be >= 0")
	}
	if cfg.Node.AssistTimeoutSeconds <= 0 {
		errs = append(errs, "node.assistTimeoutSeconds must be positive")
	}
	if cfg.Node.StopGraceSeconds <= 0 {
		errs = append(errs, "node.stopGraceSeconds must be positive")
	}
	if cfg.Node.ScheduleCheckSeconds <= 0 {
		errs = append(errs, "node.scheduleCheckSeconds must be positive")
	}

	// Head validation
	if cfg.Head.Port <= 0 || cfg.Head.Port > 65535 {
		errs = append(errs, "head.port must be between 1 and 65535")
	}
	if cfg.Head.KeyDir == "" {
		errs = append(errs, "head.keyDir is required")
	}
	if cfg.Head.FanoutTimeoutSeconds <= 0 {
		errs = append(errs, "head.fanoutTimeoutSeconds must be positive")
	}
	if _, err := cfg.Head.ParseNodes(); err != nil {
		errs = append(errs, err.Error())
	}

	// Agent validation
	if cfg.Agent.Model == "" {
		errs = append(errs, "agent.model is required")
	}
	if cfg.Agent.MaxStepsDefault < 1 || cfg.Agent.MaxStepsDefault > 200 {
		errs = append(errs, "agent.maxStepsDefault must be between 1 and 200")
	}

	// Browser validation
	if cfg.Browser.Backend != "local" && cfg.Browser.Backend != "docker" {
		errs = append(errs, "browser.backend must be one of: local, docker")
	}
	if cfg.Browser.Backend == "local" && cfg.Browser.VNCUpstreamAddr == "" {
		errs = append(errs, "browser.vncUpstreamAddr is required for the local backend")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
