package audit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"
)

// EventKind tells the two event lanes apart.
type EventKind int

const (
	KindEvent EventKind = iota
	KindAdminEvent
)

func (k EventKind) String() string {
	switch k {
	case KindEvent:
		return "Event"
	case KindAdminEvent:
		return "AdminEvent"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Message is one encoded event ready for a sink.
type Message struct {
	Kind        EventKind
	UID         ID
	Key         string // user the event is about; may be empty
	Payload     []byte
	Format      Format
	SpanContext trace.SpanContext
}

// Sink delivers encoded events. Send must either hand the message over or
// return an error; the emitter keeps failed messages queued and retries
// them on a later call.
type Sink interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// AsyncSink is a Sink that connects in the background. Until Ready reports
// true the emitter only buffers. onReady is called once, from any
// goroutine, when the sink becomes ready.
type AsyncSink interface {
	Sink
	Start(onReady func()) error
	Ready() bool
}

// ErrSinkNotReady is returned by Send before a background connection exists.
var ErrSinkNotReady = errors.New("audit: sink not ready")

// SinkError reports a delivery the remote end refused.
type SinkError struct {
	Sink       string
	StatusCode int // HTTP status, 0 when not applicable
	Err        error
}

func (e *SinkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("audit: %s sink: status %d: %v", e.Sink, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("audit: %s sink: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// traceparent formats sc as a W3C trace context header value.
func traceparent(sc trace.SpanContext) string {
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}

const traceparentHeader = "traceparent"

// KafkaSink publishes events to Kafka, one topic per event kind. The
// producer is created in the background by Start and retried with
// exponential backoff until the brokers answer.
type KafkaSink struct {
	brokers         []string
	eventTopic      string
	adminEventTopic string
	config          *sarama.Config
	clientID        string
	saslUser        string
	saslPassword    string
	retryDelay      time.Duration
	maxRetryDelay   time.Duration
	sendRetries     int
	newProducer     func() (sarama.SyncProducer, error)
	logger          *log.Logger

	mu       sync.RWMutex
	producer sarama.SyncProducer
	ready    atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// KafkaOption configures KafkaSink.
type KafkaOption func(*KafkaSink)

// WithEventTopic sets the topic for user events. Default "keycloak-events".
func WithEventTopic(topic string) KafkaOption {
	return func(s *KafkaSink) { s.eventTopic = topic }
}

// WithAdminEventTopic sets the topic for admin events. Default "keycloak-admin-events".
func WithAdminEventTopic(topic string) KafkaOption {
	return func(s *KafkaSink) { s.adminEventTopic = topic }
}

// WithSaramaConfig replaces the producer configuration. The sink works on
// a copy with Return.Successes forced on, as the sync producer requires it.
// A nil cfg keeps the default.
func WithSaramaConfig(cfg *sarama.Config) KafkaOption {
	return func(s *KafkaSink) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

// WithKafkaClientID sets the client id reported to the brokers. Default
// "audit-emitter".
func WithKafkaClientID(id string) KafkaOption {
	return func(s *KafkaSink) { s.clientID = id }
}

// WithKafkaSASL enables SASL/PLAIN authentication. It holds whichever
// producer configuration ends up in use.
func WithKafkaSASL(user, password string) KafkaOption {
	return func(s *KafkaSink) {
		s.saslUser = user
		s.saslPassword = password
	}
}

// WithKafkaRetryDelay sets the first wait between connection attempts.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(s *KafkaSink) { s.retryDelay = d }
}

// WithKafkaMaxRetryDelay caps the wait between connection attempts.
func WithKafkaMaxRetryDelay(d time.Duration) KafkaOption {
	return func(s *KafkaSink) { s.maxRetryDelay = d }
}

// WithKafkaSendRetries retries each send n more times before reporting a
// failure. Default 0: the emitter keeps the event queued instead.
func WithKafkaSendRetries(n int) KafkaOption {
	return func(s *KafkaSink) { s.sendRetries = n }
}

// WithProducer uses p instead of dialing the brokers. The sink is ready as
// soon as it is started.
func WithProducer(p sarama.SyncProducer) KafkaOption {
	return func(s *KafkaSink) {
		s.newProducer = func() (sarama.SyncProducer, error) { return p, nil }
	}
}

// WithProducerFactory replaces the function that dials the brokers.
func WithProducerFactory(f func() (sarama.SyncProducer, error)) KafkaOption {
	return func(s *KafkaSink) { s.newProducer = f }
}

// WithKafkaLogger sets the logger for connection diagnostics.
func WithKafkaLogger(l *log.Logger) KafkaOption {
	return func(s *KafkaSink) { s.logger = l }
}

// NewKafkaSink creates a Kafka sink. Nothing is dialed until Start. The
// producer configuration is copied after the options run, and the client id
// and SASL settings are applied to the copy, so option order does not matter.
//
// Parameters:
//   - brokers: Bootstrap servers. Required unless a producer is injected.
//   - opts: Variadic KafkaOption functions (topics, sarama config, SASL, retry delays, producer, logger).
//
// Returns:
//   - *KafkaSink: A sink waiting for Start.
//   - error: An error if brokers or topics are missing or the producer config is invalid.
func NewKafkaSink(brokers []string, opts ...KafkaOption) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.ClientID = "audit-emitter"
	config.Producer.RequiredAcks = sarama.WaitForAll
	s := &KafkaSink{
		brokers:         brokers,
		eventTopic:      "keycloak-events",
		adminEventTopic: "keycloak-admin-events",
		config:          config,
		retryDelay:      500 * time.Millisecond,
		maxRetryDelay:   30 * time.Second,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggerOrDefault(s.logger)
	cfg := *s.config
	s.config = &cfg
	if s.clientID != "" {
		s.config.ClientID = s.clientID
	}
	if s.saslUser != "" {
		s.config.Net.SASL.Enable = true
		s.config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		s.config.Net.SASL.User = s.saslUser
		s.config.Net.SASL.Password = s.saslPassword
	}
	s.config.Producer.Return.Successes = true
	if s.newProducer == nil {
		if len(s.brokers) == 0 {
			return nil, fmt.Errorf("audit: kafka sink needs at least one broker")
		}
		if err := s.config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid kafka producer config: %w", err)
		}
		s.newProducer = func() (sarama.SyncProducer, error) {
			return sarama.NewSyncProducer(s.brokers, s.config)
		}
	}
	if s.eventTopic == "" || s.adminEventTopic == "" {
		return nil, fmt.Errorf("audit: kafka sink needs both topics")
	}
	return s, nil
}

// Start begins connecting in the background. onReady runs once the
// producer exists. Calling Start twice is an error.
func (s *KafkaSink) Start(onReady func()) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("audit: kafka sink already started")
	}
	go s.connect(onReady)
	return nil
}

func (s *KafkaSink) connect(onReady func()) {
	defer close(s.done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.MaxInterval = s.maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	for attempt := 1; ; attempt++ {
		p, err := s.newProducer()
		if err == nil {
			s.mu.Lock()
			s.producer = p
			s.mu.Unlock()
			s.ready.Store(true)
			s.logger.Printf("audit.KafkaSink: producer ready after %d attempt(s)", attempt)
			if onReady != nil {
				onReady()
			}
			return
		}
		d := b.NextBackOff()
		s.logger.Printf("audit.KafkaSink: failed to create producer (attempt %d): %v, retrying in %v", attempt, err, d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-s.stop:
			t.Stop()
			return
		}
	}
}

// Ready reports whether the producer exists.
func (s *KafkaSink) Ready() bool {
	return s.ready.Load()
}

func (s *KafkaSink) topic(kind EventKind) string {
	if kind == KindAdminEvent {
		return s.adminEventTopic
	}
	return s.eventTopic
}

// Send publishes msg. FlatBuffers payloads are base64 encoded so the record
// value stays printable.
func (s *KafkaSink) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	producer := s.producer
	s.mu.RUnlock()
	if producer == nil {
		return ErrSinkNotReady
	}

	record := &sarama.ProducerMessage{Topic: s.topic(msg.Kind)}
	if msg.Key != "" {
		record.Key = sarama.StringEncoder(msg.Key)
	}
	if msg.Format == FormatFlatbuffers {
		record.Value = sarama.StringEncoder(base64.StdEncoding.EncodeToString(msg.Payload))
	} else {
		record.Value = sarama.ByteEncoder(msg.Payload)
	}
	if msg.SpanContext.IsValid() {
		record.Headers = append(record.Headers, sarama.RecordHeader{
			Key:   []byte(traceparentHeader),
			Value: []byte(traceparent(msg.SpanContext)),
		})
	}

	send := func() error {
		_, _, err := producer.SendMessage(record)
		return err
	}
	var err error
	if s.sendRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.retryDelay
		err = backoff.Retry(send, backoff.WithMaxRetries(b, uint64(s.sendRetries)))
	} else {
		err = send()
	}
	if err != nil {
		return &SinkError{Sink: "kafka", Err: err}
	}
	return nil
}

// Close stops a pending connection attempt and closes the producer.
func (s *KafkaSink) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer == nil {
		return nil
	}
	err := s.producer.Close()
	s.producer = nil
	s.ready.Store(false)
	if err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
