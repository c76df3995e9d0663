// Package config loads the gateway's bootstrap configuration. Deployment
// secrets (tokens, base URLs) are read directly from the environment per
// the external-interfaces contract; this file handles the local YAML
// agent-bootstrap document and the env-var expansion helper shared by both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's runtime configuration, assembled from environment
// variables with sane defaults, not from a JSON document — there is no
// operator-editable settings surface in this service.
type Config struct {
	Port                  int
	UpstreamBaseURL       string
	UpstreamConfigPath    string
	GatewayToken          string
	GatewayUsername       string
	DBPath                string
	AgentConfigPath       string
	ReadTrackerPath       string
	MetricsLogPath        string
	RegistryRefresh       int // seconds
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset. GATEWAY_TOKEN and UPSTREAM_BASE_URL have no default — the
// caller should treat their absence as a fatal startup condition.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:               envInt("GATEWAY_PORT", 8090),
		UpstreamBaseURL:    os.Getenv("UPSTREAM_BASE_URL"),
		UpstreamConfigPath: envOr("UPSTREAM_CONFIG_ENDPOINT", "/agents/config"),
		GatewayToken:       os.Getenv("GATEWAY_TOKEN"),
		GatewayUsername:    envOr("GATEWAY_USERNAME", "gateway"),
		DBPath:             envOr("GATEWAY_DB_PATH", "./data/gateway.db"),
		AgentConfigPath:    envOr("AGENT_CONFIG_PATH", "./data/agents.yaml"),
		ReadTrackerPath:    envOr("READ_TRACKER_PATH", "./data/read-cursors.json"),
		MetricsLogPath:     envOr("METRICS_LOG_PATH", "./data/metrics.jsonl"),
		RegistryRefresh:    envInt("AGENT_REFRESH_SECONDS", 60),
	}

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.AgentConfigPath = ExpandPath(cfg.AgentConfigPath)
	cfg.ReadTrackerPath = ExpandPath(cfg.ReadTrackerPath)
	cfg.MetricsLogPath = ExpandPath(cfg.MetricsLogPath)

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if cfg.GatewayToken == "" {
		return nil, fmt.Errorf("GATEWAY_TOKEN is required")
	}

	for _, dir := range []string{filepath.Dir(cfg.DBPath), filepath.Dir(cfg.ReadTrackerPath), filepath.Dir(cfg.MetricsLogPath)} {
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create %s: %w", dir, err)
			}
		}
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config files.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} / ${VAR:-default} with the environment
// variable value, for the local agent-bootstrap YAML file.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}
		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// AgentBootstrap is the local fallback document loaded by the registry when
// the upstream configuration endpoint is unreachable at startup.
type AgentBootstrap struct {
	Agents []AgentEntry `yaml:"agents"`
}

// AgentEntry mirrors domain.Agent's fields in their YAML bootstrap form.
type AgentEntry struct {
	PrincipalID    string `yaml:"principalId"`
	Username       string `yaml:"username"`
	DisplayName    string `yaml:"displayName"`
	Emoji          string `yaml:"emoji"`
	MentionKey     string `yaml:"mentionKey"`
	TrustLevel     string `yaml:"trustLevel"`
	ReceiveMode    string `yaml:"receiveMode"`
	ConnectionType string `yaml:"connectionType"`
	DeliveryMode   string `yaml:"deliveryMode"`
	WebhookURL     string `yaml:"webhookUrl,omitempty"`
	WebhookSecret  string `yaml:"webhookSecret,omitempty"`
	Status         string `yaml:"status"`
	BearerToken    string `yaml:"bearerToken"`
}

// LoadAgentBootstrap reads and env-expands the local YAML fallback file.
func LoadAgentBootstrap(path string) (*AgentBootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(ExpandEnvVars(string(data)))

	var doc AgentBootstrap
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agent bootstrap %s: %w", path, err)
	}
	return &doc, nil
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
