package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnv_RequiresUpstreamBaseURL(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "")
	t.Setenv("GATEWAY_TOKEN", "tok")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error when UPSTREAM_BASE_URL is unset")
	}
}

func TestFromEnv_RequiresGatewayToken(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "http://upstream.local")
	t.Setenv("GATEWAY_TOKEN", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error when GATEWAY_TOKEN is unset")
	}
}

func TestFromEnv_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("UPSTREAM_BASE_URL", "http://upstream.local")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("GATEWAY_PORT", "")
	t.Setenv("GATEWAY_DB_PATH", filepath.Join(dir, "gateway.db"))
	t.Setenv("READ_TRACKER_PATH", filepath.Join(dir, "cursors.json"))
	t.Setenv("METRICS_LOG_PATH", filepath.Join(dir, "metrics.jsonl"))

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != 8090 {
		t.Errorf("Port: got %d, want default 8090", cfg.Port)
	}
	if cfg.GatewayUsername != "gateway" {
		t.Errorf("GatewayUsername: got %q, want default", cfg.GatewayUsername)
	}
	if cfg.RegistryRefresh != 60 {
		t.Errorf("RegistryRefresh: got %d, want default 60", cfg.RegistryRefresh)
	}
}

func TestFromEnv_ExpandsHomeDirectoryInPathFields(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}

	t.Setenv("UPSTREAM_BASE_URL", "http://upstream.local")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("GATEWAY_DB_PATH", "~/gw-data/gateway.db")
	t.Setenv("AGENT_CONFIG_PATH", "~/gw-data/agents.yaml")
	t.Setenv("READ_TRACKER_PATH", "~/gw-data/cursors.json")
	t.Setenv("METRICS_LOG_PATH", "~/gw-data/metrics.jsonl")
	t.Cleanup(func() { os.RemoveAll(filepath.Join(home, "gw-data")) })

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := filepath.Join(home, "gw-data", "gateway.db")
	if cfg.DBPath != want {
		t.Errorf("DBPath: got %q, want %q", cfg.DBPath, want)
	}
	if cfg.AgentConfigPath != filepath.Join(home, "gw-data", "agents.yaml") {
		t.Errorf("AgentConfigPath: got %q", cfg.AgentConfigPath)
	}
	if cfg.ReadTrackerPath != filepath.Join(home, "gw-data", "cursors.json") {
		t.Errorf("ReadTrackerPath: got %q", cfg.ReadTrackerPath)
	}
	if cfg.MetricsLogPath != filepath.Join(home, "gw-data", "metrics.jsonl") {
		t.Errorf("MetricsLogPath: got %q", cfg.MetricsLogPath)
	}
}

func TestFromEnv_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested", "data")
	t.Setenv("UPSTREAM_BASE_URL", "http://upstream.local")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("GATEWAY_DB_PATH", filepath.Join(nested, "gateway.db"))
	t.Setenv("READ_TRACKER_PATH", filepath.Join(nested, "cursors.json"))
	t.Setenv("METRICS_LOG_PATH", filepath.Join(nested, "metrics.jsonl"))

	if _, err := FromEnv(); err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if info, err := os.Stat(nested); err != nil || !info.IsDir() {
		t.Fatalf("expected %s to be created as a directory", nested)
	}
}

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "tok-abc123")
	result := ExpandEnvVars(`{"token": "${TEST_GATEWAY_TOKEN}"}`)
	if result != `{"token": "tok-abc123"}` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_GATEWAY_VAR")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_GATEWAY_VAR:-8080}"}`)
	if result != `{"port": "8080"}` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefaultKeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_GATEWAY_VAR")
	input := `"${TOTALLY_UNSET_GATEWAY_VAR}"`
	if got := ExpandEnvVars(input); got != input {
		t.Fatalf("got %q", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_GATEWAY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_GATEWAY_VAR:-fallback}"`)
	if result != `"fallback"` {
		t.Fatalf("got %q", result)
	}
}

func TestLoadAgentBootstrap_ExpandsEnvAndParses(t *testing.T) {
	t.Setenv("TEST_BOOTSTRAP_TOKEN", "tok-xyz")
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	doc := `
agents:
  - principalId: p1
    username: alice
    trustLevel: standard
    receiveMode: all
    connectionType: socket
    deliveryMode: local-inject
    status: active
    bearerToken: ${TEST_BOOTSTRAP_TOKEN}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	boot, err := LoadAgentBootstrap(path)
	if err != nil {
		t.Fatalf("LoadAgentBootstrap: %v", err)
	}
	if len(boot.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(boot.Agents))
	}
	if boot.Agents[0].BearerToken != "tok-xyz" {
		t.Fatalf("expected the env var to be expanded, got %q", boot.Agents[0].BearerToken)
	}
}

func TestLoadAgentBootstrap_MissingFileErrors(t *testing.T) {
	if _, err := LoadAgentBootstrap(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing bootstrap file")
	}
}

func TestExpandPath_ExpandsHomeDirectoryPrefix(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandPath("~/data/gateway.db")
	want := filepath.Join(home, "data", "gateway.db")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandPath_LeavesAbsolutePathUnchanged(t *testing.T) {
	if got := ExpandPath("/var/lib/gateway.db"); got != "/var/lib/gateway.db" {
		t.Fatalf("got %q", got)
	}
}
