package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
bridge:
  id: "test-bridge"
devices:
  - host: "192.168.1.50"
    name: "Workshop Laser"
    poll_interval: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8090
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.ID != "test-bridge" {
		t.Errorf("Bridge.ID = %q, want %q", cfg.Bridge.ID, "test-bridge")
	}

	if len(cfg.Devices) != 1 {
		t.Fatalf("len(Devices) = %d, want 1", len(cfg.Devices))
	}
	if cfg.Devices[0].Host != "192.168.1.50" {
		t.Errorf("Devices[0].Host = %q, want %q", cfg.Devices[0].Host, "192.168.1.50")
	}
	if got := cfg.Devices[0].GetPollInterval(); got != 5*time.Second {
		t.Errorf("GetPollInterval() = %v, want 5s", got)
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_DeviceDefaults(t *testing.T) {
	content := `
devices:
  - host: "10.0.0.9"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	d := cfg.Devices[0]
	if d.PollInterval != 3 {
		t.Errorf("PollInterval = %d, want 3", d.PollInterval)
	}
	if !d.PushEnabled() {
		t.Error("PushEnabled() = false, want true by default")
	}
	if d.Name != "xTool Laser" {
		t.Errorf("Name = %q, want %q", d.Name, "xTool Laser")
	}
}

func TestLoad_ExplicitPushDisabled(t *testing.T) {
	content := `
devices:
  - host: "10.0.0.9"
    use_push_channel: false
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Devices[0].PushEnabled() {
		t.Error("PushEnabled() = true, want false when explicitly disabled")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("XTOOL_MQTT_HOST", "broker.local")

	cfg, err := Load(writeConfig(t, `
bridge:
  id: "env-test"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(_ *Config) {},
			wantErr: false,
		},
		{
			name: "empty bridge id",
			mutate: func(c *Config) {
				c.Bridge.ID = ""
			},
			wantErr: true,
		},
		{
			name: "device without host",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{PollInterval: 3}}
			},
			wantErr: true,
		},
		{
			name: "poll interval out of range",
			mutate: func(c *Config) {
				c.Devices = []DeviceConfig{{Host: "10.0.0.9", PollInterval: 120}}
			},
			wantErr: true,
		},
		{
			name: "invalid qos",
			mutate: func(c *Config) {
				c.MQTT.QoS = 5
			},
			wantErr: true,
		},
		{
			name: "mqtt disabled skips broker validation",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.MQTT.Broker.Host = ""
			},
			wantErr: false,
		},
		{
			name: "invalid api port",
			mutate: func(c *Config) {
				c.API.Port = 0
			},
			wantErr: true,
		},
		{
			name: "discovery timeout below minimum",
			mutate: func(c *Config) {
				c.Discovery.Timeout = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
