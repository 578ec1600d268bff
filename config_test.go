package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func applyOptions(opts []EmitterOption) EmitterConfig {
	cfg := DefaultEmitterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emitter.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultEmitterConfig(t *testing.T) {
	cfg := DefaultEmitterConfig()
	if cfg.Capacity != 1000 {
		t.Errorf("Expected capacity 1000, got %d", cfg.Capacity)
	}
	if cfg.Format != FormatFlatbuffers {
		t.Errorf("Expected flatbuffers, got %v", cfg.Format)
	}
	if cfg.CircuitMaxFails != 0 || cfg.DropJournal != nil {
		t.Errorf("Expected breaker and journal disabled by default, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AUDIT_EMITTER_BUFFER_CAPACITY", "250")
	t.Setenv("AUDIT_EMITTER_DATACENTER_ID", "2")
	t.Setenv("AUDIT_EMITTER_NODE_ID", "19")
	t.Setenv("AUDIT_EMITTER_FORMAT", "JSON")
	t.Setenv("AUDIT_EMITTER_SEND_TIMEOUT", "3s")
	t.Setenv("AUDIT_EMITTER_LOG_FILE", "")
	t.Setenv("AUDIT_EMITTER_DROP_JOURNAL", filepath.Join(t.TempDir(), "drops.log"))

	cfg := applyOptions(LoadConfigFromEnv())
	if cfg.Capacity != 250 {
		t.Errorf("Expected capacity 250, got %d", cfg.Capacity)
	}
	if cfg.DatacenterID != 2 || cfg.NodeID != 19 {
		t.Errorf("Expected node identity 2/19, got %d/%d", cfg.DatacenterID, cfg.NodeID)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("Expected json, got %v", cfg.Format)
	}
	if cfg.SendTimeout != 3*time.Second {
		t.Errorf("Expected send timeout 3s, got %v", cfg.SendTimeout)
	}
	if cfg.DropJournal == nil || !strings.HasSuffix(cfg.DropJournal.Path, "drops.log") {
		t.Errorf("Expected drop journal to be configured, got %+v", cfg.DropJournal)
	}
	if cfg.Logger != nil {
		t.Error("Expected no log file without AUDIT_EMITTER_LOG_FILE")
	}
}

func TestLoadConfigFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("AUDIT_EMITTER_BUFFER_CAPACITY", "lots")
	t.Setenv("AUDIT_EMITTER_DATACENTER_ID", "1")
	t.Setenv("AUDIT_EMITTER_NODE_ID", "")
	t.Setenv("AUDIT_EMITTER_FORMAT", "xml")
	t.Setenv("AUDIT_EMITTER_SEND_TIMEOUT", "soon")
	t.Setenv("AUDIT_EMITTER_LOG_FILE", "")
	t.Setenv("AUDIT_EMITTER_DROP_JOURNAL", "")

	if opts := LoadConfigFromEnv(); len(opts) != 0 {
		t.Errorf("Expected no options, got %d", len(opts))
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
buffer_capacity: 50
datacenter_id: 1
node_id: 3
format: json
send_timeout: 2s
circuit_breaker:
  max_fails: 5
sink:
  type: kafka
  bootstrap_servers: ["kafka-1:9092", "kafka-2:9092"]
  event_topic: audit-events
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.BufferCapacity != 50 || cfg.NodeID != 3 || cfg.SendTimeout != 2*time.Second {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.Circuit.Timeout != 30*time.Second {
		t.Errorf("Expected default breaker timeout 30s, got %v", cfg.Circuit.Timeout)
	}
	if cfg.Sink.AdminEventTopic != "keycloak-admin-events" {
		t.Errorf("Expected default admin topic, got %q", cfg.Sink.AdminEventTopic)
	}

	opts := applyOptions(cfg.Options())
	if opts.Capacity != 50 || opts.Format != FormatJSON || opts.DatacenterID != 1 {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.CircuitMaxFails != 5 || opts.CircuitTimeout != 30*time.Second {
		t.Errorf("Expected breaker 5 fails / 30s, got %d / %v", opts.CircuitMaxFails, opts.CircuitTimeout)
	}

	sink, err := cfg.NewSink()
	if err != nil {
		t.Fatalf("Failed to build sink: %v", err)
	}
	defer sink.Close()
	kafka, ok := sink.(*KafkaSink)
	if !ok {
		t.Fatalf("Expected *KafkaSink, got %T", sink)
	}
	if kafka.topic(KindEvent) != "audit-events" || kafka.topic(KindAdminEvent) != "keycloak-admin-events" {
		t.Errorf("Unexpected topics %q / %q", kafka.topic(KindEvent), kafka.topic(KindAdminEvent))
	}
	if len(kafka.brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", kafka.brokers)
	}
}

func TestLoadConfigFileDefaults(t *testing.T) {
	path := writeConfig(t, `
sink:
  target_uri: https://collector.example.com/events
  agw_id: gw-1
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.BufferCapacity != 1000 || cfg.Format != "flatbuffers" || cfg.Sink.Type != SinkHTTP {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if cfg.Sink.Timeout != 10*time.Second {
		t.Errorf("Expected default http timeout 10s, got %v", cfg.Sink.Timeout)
	}

	t.Setenv(EnvCredentialsToken, "")
	sink, err := cfg.NewSink()
	if err != nil {
		t.Fatalf("Failed to build sink: %v", err)
	}
	httpSink, ok := sink.(*HTTPSink)
	if !ok {
		t.Fatalf("Expected *HTTPSink, got %T", sink)
	}
	if httpSink.gatewayID != "gw-1" || httpSink.credentials != nil {
		t.Errorf("Unexpected http sink %+v", httpSink)
	}
	if httpSink.client.Timeout != 10*time.Second {
		t.Errorf("Expected client timeout 10s, got %v", httpSink.client.Timeout)
	}
}

func TestLoadConfigFileSQLSink(t *testing.T) {
	path := writeConfig(t, `
sink:
  type: sql
  driver: sqlite3
  dsn: "file::memory:?cache=shared"
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	sink, err := cfg.NewSink()
	if err != nil {
		t.Fatalf("Failed to build sink: %v", err)
	}
	if _, ok := sink.(*ownedSQLSink); !ok {
		t.Errorf("Expected *ownedSQLSink, got %T", sink)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestLoadConfigFileInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative capacity", "buffer_capacity: -1\nsink: {target_uri: http://c}", "buffer_capacity"},
		{"unknown format", "format: xml\nsink: {target_uri: http://c}", "unknown format"},
		{"datacenter out of range", "datacenter_id: 4\nsink: {target_uri: http://c}", "datacenter_id"},
		{"node out of range", "node_id: 32\nsink: {target_uri: http://c}", "node_id"},
		{"http without target", "sink: {type: http}", "target_uri"},
		{"kafka without brokers", "sink: {type: kafka}", "bootstrap_servers"},
		{"sql without dsn", "sink: {type: sql, driver: sqlite3}", "dsn"},
		{"unknown sink", "sink: {type: carrier-pigeon}", "unknown sink.type"},
		{"not yaml", "buffer_capacity: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestWithLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emitter.log")
	e, err := NewEmitter(&recordingSink{}, WithLogFile(DefaultLogFileConfig(path)))
	if err != nil {
		t.Fatalf("Failed to create emitter: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for _, want := range []string{"audit.Emitter: started with capacity 1000", "audit.Emitter: Close completed"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected log file to contain %q", want)
		}
	}
}
