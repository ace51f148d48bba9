package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-bridge
http:
  port: 9000
  jwt_secret: test-secret
database:
  host: localhost
  port: 5432
  name: test_db
  user: testuser
  password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-bridge" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-bridge")
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("HTTP.Port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "localhost")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
instance:
  id: test-bridge
http:
  jwt_secret: test-secret
database:
  host: localhost
  name: test_db
  user: testuser
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &BridgeConfig{}
	cfg.applyDefaults()

	if cfg.HTTP.Port != DefaultHTTPPort {
		t.Errorf("HTTP.Port = %d, want %d", cfg.HTTP.Port, DefaultHTTPPort)
	}
	if cfg.Connections.ReconnectBaseDelay != DefaultReconnectBaseDelay {
		t.Errorf("Connections.ReconnectBaseDelay = %s, want %s",
			cfg.Connections.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	}
	if cfg.Connections.FailureLimit != DefaultFailureLimit {
		t.Errorf("Connections.FailureLimit = %d, want %d",
			cfg.Connections.FailureLimit, DefaultFailureLimit)
	}
	if cfg.Hub.GracePeriod != DefaultGracePeriod {
		t.Errorf("Hub.GracePeriod = %s, want %s", cfg.Hub.GracePeriod, DefaultGracePeriod)
	}
	if cfg.State.Backend != DefaultStateBackend {
		t.Errorf("State.Backend = %q, want %q", cfg.State.Backend, DefaultStateBackend)
	}
	if cfg.RateLimit.CommandWindow != DefaultCommandWindow {
		t.Errorf("RateLimit.CommandWindow = %s, want %s",
			cfg.RateLimit.CommandWindow, DefaultCommandWindow)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *BridgeConfig {
		cfg := &BridgeConfig{
			Instance: InstanceConfig{ID: "bridge-1"},
			HTTP:     HTTPConfig{JWTSecret: "secret"},
			Database: DBConfig{
				Host:     "localhost",
				Name:     "outpost",
				User:     "outpost",
				Password: "pw",
			},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*BridgeConfig)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *BridgeConfig) {},
			wantErr: false,
		},
		{
			name:    "missing instance id",
			mutate:  func(c *BridgeConfig) { c.Instance.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *BridgeConfig) { c.HTTP.JWTSecret = "" },
			wantErr: true,
		},
		{
			name:    "missing db host",
			mutate:  func(c *BridgeConfig) { c.Database.Host = "" },
			wantErr: true,
		},
		{
			name: "base delay exceeds max delay",
			mutate: func(c *BridgeConfig) {
				c.Connections.ReconnectBaseDelay = 2 * time.Minute
			},
			wantErr: true,
		},
		{
			name: "heartbeat not shorter than liveness window",
			mutate: func(c *BridgeConfig) {
				c.Hub.HeartbeatInterval = c.Hub.LivenessWindow
			},
			wantErr: true,
		},
		{
			name:    "unknown state backend",
			mutate:  func(c *BridgeConfig) { c.State.Backend = "etcd" },
			wantErr: true,
		},
		{
			name:    "min conns exceed max conns",
			mutate:  func(c *BridgeConfig) { c.Database.MinConns = 100 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAndValidate_MissingFile(t *testing.T) {
	_, err := LoadAndValidate("/nonexistent/path.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
