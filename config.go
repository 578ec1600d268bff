package audit

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// EmitterConfig holds everything an Emitter is built from.
type EmitterConfig struct {
	Capacity         int                 // Backlog capacity of each lane.
	DatacenterID     int64               // Datacenter part of every identifier.
	NodeID           int64               // Node part of every identifier.
	Format           Format              // Wire encoding.
	Encoder          Encoder             // Replaces the encoder for Format when set.
	GeneratorOptions []IDGeneratorOption // Extra identifier generator options.
	UserLookup       UserLookup          // Optional username enrichment.
	Metrics          EmitterMetrics      // Metrics sink; no-op by default.
	Logger           *log.Logger         // Diagnostics; the standard logger when nil.
	ErrorFunc        func(error, *Message)
	DropJournal      *LogFileConfig // Journal of dropped events; disabled when nil.
	DropLogRate      rate.Limit     // Drop log lines per second.
	DropLogBurst     int
	CircuitTimeout   time.Duration // Open period of the circuit breaker.
	CircuitMaxFails  int           // Failures that open the breaker; 0 disables it.
	SendTimeout      time.Duration // Bound on a single send; 0 uses the caller's context only.

	closers []io.Closer
}

// EmitterOption configures an Emitter.
type EmitterOption func(*EmitterConfig)

// DefaultEmitterConfig returns the configuration used for options left unset.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Capacity:     1000,
		Format:       FormatFlatbuffers,
		Metrics:      nopMetrics{},
		DropLogRate:  rate.Limit(1),
		DropLogBurst: 10,
	}
}

// WithCapacity sets how many undelivered events each lane keeps. When full,
// the oldest is evicted.
func WithCapacity(n int) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Capacity = n }
}

// WithNodeIdentity sets the datacenter and node ids stamped into identifiers.
// Every emitting process must use a distinct pair.
func WithNodeIdentity(datacenterID, nodeID int64) EmitterOption {
	return func(cfg *EmitterConfig) {
		cfg.DatacenterID = datacenterID
		cfg.NodeID = nodeID
	}
}

// WithFormat selects the wire encoding.
func WithFormat(f Format) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Format = f }
}

// WithEncoder replaces the built-in encoders.
func WithEncoder(enc Encoder) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Encoder = enc }
}

// WithIDGeneratorOptions passes options through to the identifier generator.
func WithIDGeneratorOptions(opts ...IDGeneratorOption) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.GeneratorOptions = append(cfg.GeneratorOptions, opts...) }
}

// WithUserLookup enables username enrichment.
func WithUserLookup(l UserLookup) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.UserLookup = l }
}

// WithMetrics sets the metrics implementation.
func WithMetrics(m EmitterMetrics) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Metrics = m }
}

// WithMetricsRegisterer creates Prometheus metrics registered with registerer.
func WithMetricsRegisterer(registerer prometheus.Registerer) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Metrics = NewPrometheusMetrics(registerer) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *log.Logger) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.Logger = l }
}

// WithLogFile writes diagnostics to a rotated file. The file is closed with
// the emitter.
func WithLogFile(fc LogFileConfig) EmitterOption {
	return func(cfg *EmitterConfig) {
		l, c := NewFileLogger(fc)
		cfg.Logger = l
		cfg.closers = append(cfg.closers, c)
	}
}

// WithErrorFunc sets the callback for failed sends and dropped events.
// msg is nil for failures not tied to one message.
func WithErrorFunc(f func(error, *Message)) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.ErrorFunc = f }
}

// WithDropJournal records every evicted or unencodable event as a JSON line
// in a rotated file at path.
func WithDropJournal(path string) EmitterOption {
	return func(cfg *EmitterConfig) {
		fc := DefaultLogFileConfig(path)
		cfg.DropJournal = &fc
	}
}

// WithDropLogRate limits how many drop log lines are written per second.
// Drops beyond the limit are still counted in metrics.
func WithDropLogRate(r rate.Limit, burst int) EmitterOption {
	return func(cfg *EmitterConfig) {
		cfg.DropLogRate = r
		cfg.DropLogBurst = burst
	}
}

// WithCircuitBreaker stops drain attempts for timeout after maxFails
// consecutive failed sends. Events keep buffering meanwhile.
func WithCircuitBreaker(timeout time.Duration, maxFails int) EmitterOption {
	return func(cfg *EmitterConfig) {
		cfg.CircuitTimeout = timeout
		cfg.CircuitMaxFails = maxFails
	}
}

// WithSendTimeout bounds each send.
func WithSendTimeout(d time.Duration) EmitterOption {
	return func(cfg *EmitterConfig) { cfg.SendTimeout = d }
}

// LoadConfigFromEnv returns options for the environment variables that are
// set. Malformed values are ignored.
//
// Supported environment variables:
//   - AUDIT_EMITTER_BUFFER_CAPACITY: backlog capacity per lane (integer).
//   - AUDIT_EMITTER_DATACENTER_ID, AUDIT_EMITTER_NODE_ID: identifier node identity (integers, both required).
//   - AUDIT_EMITTER_FORMAT: "json" or "flatbuffers".
//   - AUDIT_EMITTER_SEND_TIMEOUT: per send timeout (duration, e.g. "5s").
//   - AUDIT_EMITTER_LOG_FILE: rotated diagnostic log file.
//   - AUDIT_EMITTER_DROP_JOURNAL: rotated journal of dropped events.
func LoadConfigFromEnv() []EmitterOption {
	var opts []EmitterOption
	if v := os.Getenv("AUDIT_EMITTER_BUFFER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithCapacity(n))
		}
	}
	dc, dcErr := strconv.ParseInt(os.Getenv("AUDIT_EMITTER_DATACENTER_ID"), 10, 64)
	node, nodeErr := strconv.ParseInt(os.Getenv("AUDIT_EMITTER_NODE_ID"), 10, 64)
	if dcErr == nil && nodeErr == nil {
		opts = append(opts, WithNodeIdentity(dc, node))
	}
	if v := os.Getenv("AUDIT_EMITTER_FORMAT"); v != "" {
		if f, err := ParseFormat(v); err == nil {
			opts = append(opts, WithFormat(f))
		}
	}
	if v := os.Getenv("AUDIT_EMITTER_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithSendTimeout(d))
		}
	}
	if v := os.Getenv("AUDIT_EMITTER_LOG_FILE"); v != "" {
		opts = append(opts, WithLogFile(DefaultLogFileConfig(v)))
	}
	if v := os.Getenv("AUDIT_EMITTER_DROP_JOURNAL"); v != "" {
		opts = append(opts, WithDropJournal(v))
	}
	return opts
}

// Sink types accepted in a configuration file.
const (
	SinkHTTP  = "http"
	SinkKafka = "kafka"
	SinkSQL   = "sql"
)

// FileConfig is the YAML configuration file layout.
type FileConfig struct {
	BufferCapacity int               `yaml:"buffer_capacity"`
	DatacenterID   int64             `yaml:"datacenter_id"`
	NodeID         int64             `yaml:"node_id"`
	Format         string            `yaml:"format"`
	SendTimeout    time.Duration     `yaml:"send_timeout"`
	LogFile        string            `yaml:"log_file"`
	DropJournal    string            `yaml:"drop_journal"`
	Circuit        CircuitFileConfig `yaml:"circuit_breaker"`
	Sink           SinkFileConfig    `yaml:"sink"`
}

// CircuitFileConfig configures the circuit breaker; MaxFails 0 disables it.
type CircuitFileConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxFails int           `yaml:"max_fails"`
}

// SinkFileConfig selects and configures the sink.
type SinkFileConfig struct {
	Type string `yaml:"type"`

	// http
	TargetURI  string        `yaml:"target_uri"`
	GatewayID  string        `yaml:"agw_id"`
	SigningKey string        `yaml:"signing_key"`
	Timeout    time.Duration `yaml:"timeout"`

	// kafka
	BootstrapServers []string `yaml:"bootstrap_servers"`
	ClientID         string   `yaml:"client_id"`
	EventTopic       string   `yaml:"event_topic"`
	AdminEventTopic  string   `yaml:"admin_event_topic"`
	SASLUser         string   `yaml:"sasl_user"`
	SASLPassword     string   `yaml:"sasl_password"`

	// sql
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoadConfigFile reads, defaults and validates a YAML configuration file.
// Unset fields take the same defaults as DefaultEmitterConfig, and sink
// fields are defaulted for the chosen sink type. The result feeds
// NewEmitter through Options and NewSink.
//
// Parameters:
//   - path: Path to the YAML file.
//
// Returns:
//   - *FileConfig: The defaulted, validated configuration.
//   - error: An error if the file cannot be read or parsed, or a field is out of range.
func LoadConfigFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.BufferCapacity == 0 {
		c.BufferCapacity = DefaultEmitterConfig().Capacity
	}
	if c.Format == "" {
		c.Format = FormatFlatbuffers.String()
	}
	if c.Sink.Type == "" {
		c.Sink.Type = SinkHTTP
	}
	if c.Sink.Timeout == 0 {
		c.Sink.Timeout = 10 * time.Second
	}
	if c.Sink.EventTopic == "" {
		c.Sink.EventTopic = "keycloak-events"
	}
	if c.Sink.AdminEventTopic == "" {
		c.Sink.AdminEventTopic = "keycloak-admin-events"
	}
	if c.Circuit.MaxFails > 0 && c.Circuit.Timeout == 0 {
		c.Circuit.Timeout = 30 * time.Second
	}
}

func (c *FileConfig) validate() error {
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer_capacity must be positive, got %d", c.BufferCapacity)
	}
	if _, err := ParseFormat(c.Format); err != nil {
		return err
	}
	layout := DefaultBitLayout
	if c.DatacenterID < 0 || c.DatacenterID > layout.maxDatacenterID() {
		return fmt.Errorf("datacenter_id must be in [0, %d]", layout.maxDatacenterID())
	}
	if c.NodeID < 0 || c.NodeID > layout.maxNodeID() {
		return fmt.Errorf("node_id must be in [0, %d]", layout.maxNodeID())
	}
	switch strings.ToLower(c.Sink.Type) {
	case SinkHTTP:
		if c.Sink.TargetURI == "" {
			return fmt.Errorf("sink.target_uri is required for the http sink")
		}
	case SinkKafka:
		if len(c.Sink.BootstrapServers) == 0 {
			return fmt.Errorf("sink.bootstrap_servers is required for the kafka sink")
		}
	case SinkSQL:
		if c.Sink.Driver == "" || c.Sink.DSN == "" {
			return fmt.Errorf("sink.driver and sink.dsn are required for the sql sink")
		}
	default:
		return fmt.Errorf("unknown sink.type %q", c.Sink.Type)
	}
	return nil
}

// Options converts the file settings into emitter options.
func (c *FileConfig) Options() []EmitterOption {
	f, _ := ParseFormat(c.Format)
	opts := []EmitterOption{
		WithCapacity(c.BufferCapacity),
		WithNodeIdentity(c.DatacenterID, c.NodeID),
		WithFormat(f),
	}
	if c.SendTimeout > 0 {
		opts = append(opts, WithSendTimeout(c.SendTimeout))
	}
	if c.LogFile != "" {
		opts = append(opts, WithLogFile(DefaultLogFileConfig(c.LogFile)))
	}
	if c.DropJournal != "" {
		opts = append(opts, WithDropJournal(c.DropJournal))
	}
	if c.Circuit.MaxFails > 0 {
		opts = append(opts, WithCircuitBreaker(c.Circuit.Timeout, c.Circuit.MaxFails))
	}
	return opts
}

// NewSink builds the configured sink. HTTP credentials come from the
// environment (see CredentialsFromEnv). The sql driver must be registered
// by the program.
func (c *FileConfig) NewSink() (Sink, error) {
	switch strings.ToLower(c.Sink.Type) {
	case SinkHTTP:
		opts := []HTTPOption{WithHTTPTimeout(c.Sink.Timeout)}
		if creds, ok := CredentialsFromEnv(); ok {
			opts = append(opts, WithCredentials(creds))
		}
		if c.Sink.GatewayID != "" {
			opts = append(opts, WithGatewayID(c.Sink.GatewayID))
		}
		if c.Sink.SigningKey != "" {
			signer, err := LoadRSASigner(c.Sink.SigningKey)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithSigner(signer))
		}
		return NewHTTPSink(c.Sink.TargetURI, opts...)
	case SinkKafka:
		opts := []KafkaOption{
			WithEventTopic(c.Sink.EventTopic),
			WithAdminEventTopic(c.Sink.AdminEventTopic),
		}
		if c.Sink.SASLUser != "" {
			opts = append(opts, WithKafkaSASL(c.Sink.SASLUser, c.Sink.SASLPassword))
		}
		if c.Sink.ClientID != "" {
			opts = append(opts, WithKafkaClientID(c.Sink.ClientID))
		}
		return NewKafkaSink(c.Sink.BootstrapServers, opts...)
	case SinkSQL:
		db, err := sql.Open(c.Sink.Driver, c.Sink.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := SetupDatabase(db); err != nil {
			db.Close()
			return nil, err
		}
		return &ownedSQLSink{SQLSink: NewSQLSink(db)}, nil
	}
	return nil, fmt.Errorf("audit: unknown sink type %q", c.Sink.Type)
}

// ownedSQLSink closes the database it opened.
type ownedSQLSink struct {
	*SQLSink
}

func (s *ownedSQLSink) Close() error {
	return s.db.Close()
}
