package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrEmitterClosed is returned by calls made after Close.
var ErrEmitterClosed = errors.New("audit: emitter closed")

// pending is an identified event waiting for delivery. Exactly one of
// event and admin is set.
type pending struct {
	kind  EventKind
	event *IdentifiedEvent
	admin *IdentifiedAdminEvent
	msg   *Message // encoded form, cached after the first attempt
}

func (p *pending) uid() ID {
	if p.kind == KindAdminEvent {
		return p.admin.UID
	}
	return p.event.UID
}

func (p *pending) message(enc Encoder) (*Message, error) {
	if p.msg != nil {
		return p.msg, nil
	}
	var (
		payload []byte
		err     error
		key     string
		span    trace.SpanContext
	)
	if p.kind == KindAdminEvent {
		payload, err = enc.EncodeAdminEvent(p.admin)
		key, span = p.admin.subject(), p.admin.SpanContext
	} else {
		payload, err = enc.EncodeEvent(p.event)
		key, span = p.event.subject(), p.event.SpanContext
	}
	if err != nil {
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			err = &EncodingError{UID: p.uid(), Err: err}
		}
		return nil, err
	}
	p.msg = &Message{
		Kind:        p.kind,
		UID:         p.uid(),
		Key:         key,
		Payload:     payload,
		Format:      enc.Format(),
		SpanContext: span,
	}
	return p.msg, nil
}

// lane is the backlog of one event kind. mu serializes delivery so events
// of a kind reach the sink in the order they were accepted.
type lane struct {
	kind    EventKind
	mu      sync.Mutex
	backlog *EvictingQueue[*pending]
}

// Stats is a point-in-time view of an Emitter.
type Stats struct {
	State       ReadinessState
	Events      int // undelivered user events
	AdminEvents int // undelivered admin events
}

// Emitter forwards events to a Sink. Every event gets an identifier, is
// encoded and sent; events that cannot be sent wait in a bounded backlog
// (one per event kind) and are retried, oldest first, whenever a later
// event arrives or Drain is called. When the backlog is full the oldest
// event is evicted.
//
// With an AsyncSink, events are only buffered until the sink reports it is
// ready; the whole backlog is then flushed before any direct send.
//
// An Emitter is safe for concurrent use.
type Emitter struct {
	sink    Sink
	async   AsyncSink
	ids     *IDGenerator
	encoder Encoder
	lookup  UserLookup
	events  *lane
	admins  *lane

	metrics     EmitterMetrics
	logger      *log.Logger
	errorFunc   func(error, *Message)
	journal     *dropJournal
	dropLog     *rate.Limiter
	breaker     *circuitBreaker
	sendTimeout time.Duration
	closers     []io.Closer

	stateMu sync.Mutex
	state   ReadinessState

	closed atomic.Bool
}

// NewEmitter builds an emitter in front of sink. Configuration errors, such
// as a node identity outside the identifier layout, are returned here. An
// AsyncSink is started before NewEmitter returns; until it reports ready the
// emitter buffers. Any other sink puts the emitter straight into
// StateWorking. Closers registered through options are closed if
// construction fails.
//
// Parameters:
//   - sink: Destination for encoded events. Must not be nil.
//   - opts: Variadic EmitterOption functions to configure the emitter.
//
// Returns:
//   - *Emitter: A pointer to the started Emitter.
//   - error: Any error encountered during initialization (e.g., invalid capacity, node identity or sink start).
func NewEmitter(sink Sink, opts ...EmitterOption) (*Emitter, error) {
	cfg := DefaultEmitterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	fail := func(err error) (*Emitter, error) {
		for _, c := range cfg.closers {
			_ = c.Close()
		}
		return nil, err
	}
	if sink == nil {
		return fail(fmt.Errorf("audit: emitter needs a sink"))
	}
	if cfg.Capacity < 1 {
		return fail(fmt.Errorf("audit: buffer capacity must be positive, got %d", cfg.Capacity))
	}
	logger := loggerOrDefault(cfg.Logger)

	genOpts := append([]IDGeneratorOption{WithGeneratorLogger(logger)}, cfg.GeneratorOptions...)
	ids, err := NewIDGenerator(cfg.DatacenterID, cfg.NodeID, genOpts...)
	if err != nil {
		return fail(err)
	}
	encoder := cfg.Encoder
	if encoder == nil {
		if encoder, err = NewEncoder(cfg.Format); err != nil {
			return fail(err)
		}
	}

	e := &Emitter{
		sink:        sink,
		ids:         ids,
		encoder:     encoder,
		lookup:      cfg.UserLookup,
		events:      &lane{kind: KindEvent, backlog: NewEvictingQueue[*pending](cfg.Capacity)},
		admins:      &lane{kind: KindAdminEvent, backlog: NewEvictingQueue[*pending](cfg.Capacity)},
		metrics:     cfg.Metrics,
		logger:      logger,
		errorFunc:   cfg.ErrorFunc,
		dropLog:     rate.NewLimiter(cfg.DropLogRate, cfg.DropLogBurst),
		sendTimeout: cfg.SendTimeout,
		closers:     cfg.closers,
		state:       StateInitialized,
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.errorFunc == nil {
		e.errorFunc = func(err error, msg *Message) {
			if msg == nil {
				logger.Printf("audit.Emitter error: %v", err)
				return
			}
			logger.Printf("audit.Emitter error: %v for %s %d", err, msg.Kind, msg.UID)
		}
	}
	if cfg.DropJournal != nil {
		e.journal = newDropJournal(*cfg.DropJournal)
		e.closers = append(e.closers, e.journal)
	}
	if cfg.CircuitMaxFails > 0 {
		e.breaker = newCircuitBreaker(cfg.CircuitTimeout, cfg.CircuitMaxFails)
	}
	e.metrics.StateChanged(StateInitialized)

	e.stateMu.Lock()
	e.setStateLocked(StateStarting)
	e.stateMu.Unlock()

	if as, ok := sink.(AsyncSink); ok {
		e.async = as
		if err := as.Start(e.onReady); err != nil {
			cfg.closers = e.closers
			return fail(fmt.Errorf("failed to start sink: %w", err))
		}
	} else {
		e.stateMu.Lock()
		e.setStateLocked(StateWorking)
		e.stateMu.Unlock()
	}
	e.logger.Printf("audit.Emitter: started with capacity %d per lane, format %v", cfg.Capacity, encoder.Format())
	return e, nil
}

// OnEvent identifies, enriches and forwards a user event. Delivery
// failures are not returned: the event stays queued and is retried later.
// The span context of ctx is attached when the event carries none.
func (e *Emitter) OnEvent(ctx context.Context, ev Event) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	ev = enrichEvent(ctx, e.lookup, ev)
	if !ev.SpanContext.IsValid() {
		ev.SpanContext = trace.SpanContextFromContext(ctx)
	}
	uid, err := e.ids.NextValidIDContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to assign event id: %w", err)
	}
	return e.submit(ctx, e.events, &pending{kind: KindEvent, event: newIdentifiedEvent(uid, ev)})
}

// OnAdminEvent is OnEvent for administrative events. The resource
// representation is forwarded only when includeRepresentation is true.
func (e *Emitter) OnAdminEvent(ctx context.Context, ev AdminEvent, includeRepresentation bool) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	ev = enrichAdminEvent(ctx, e.lookup, ev)
	if !ev.SpanContext.IsValid() {
		ev.SpanContext = trace.SpanContextFromContext(ctx)
	}
	uid, err := e.ids.NextValidIDContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to assign admin event id: %w", err)
	}
	item := &pending{kind: KindAdminEvent, admin: newIdentifiedAdminEvent(uid, ev, includeRepresentation)}
	return e.submit(ctx, e.admins, item)
}

// submit routes an item by readiness state.
func (e *Emitter) submit(ctx context.Context, l *lane, item *pending) error {
	e.stateMu.Lock()
	st := e.state
	switch {
	case st == StateWorking:
		e.stateMu.Unlock()
		return e.deliver(ctx, l, item)
	case st.buffering():
		defer e.stateMu.Unlock()
		if e.closed.Load() {
			e.dropAfterClose(item)
			return ErrEmitterClosed
		}
		e.offer(l, item)
		if e.async != nil && e.async.Ready() {
			e.flushLocked(ctx)
		} else if st != StatePending {
			e.setStateLocked(StatePending)
		}
		return nil
	default:
		e.stateMu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, st)
	}
}

// onReady is handed to AsyncSink.Start.
func (e *Emitter) onReady() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed.Load() || !e.state.buffering() {
		return
	}
	e.logger.Printf("audit.Emitter: sink ready, flushing %d event(s) and %d admin event(s)", e.events.backlog.Len(), e.admins.backlog.Len())
	e.flushLocked(context.Background())
}

// flushLocked drains both backlogs and switches to StateWorking once they
// are empty. If a send fails the emitter stays buffering and the next call
// flushes again. stateMu must be held.
func (e *Emitter) flushLocked(ctx context.Context) bool {
	for _, l := range []*lane{e.events, e.admins} {
		l.mu.Lock()
		ok := e.drainLocked(ctx, l, l.backlog.Len())
		l.mu.Unlock()
		if !ok {
			if e.state != StatePending {
				e.setStateLocked(StatePending)
			}
			return false
		}
	}
	e.setStateLocked(StateWorking)
	return true
}

// deliver sends the backlog present on entry and then item, in that order.
// If anything fails, item joins the backlog behind the older events. At
// most backlog+1 sends are attempted. An item that arrives after Close has
// emptied the lane is dropped instead.
func (e *Emitter) deliver(ctx context.Context, l *lane, item *pending) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.closed.Load() {
		e.dropAfterClose(item)
		return ErrEmitterClosed
	}
	if e.drainLocked(ctx, l, l.backlog.Len()) && e.breakerClosed() {
		err := e.send(ctx, item)
		if err == nil {
			return nil
		}
		var encErr *EncodingError
		if errors.As(err, &encErr) {
			e.drop(item, DropEncoding, err)
			return nil
		}
	}
	e.offer(l, item)
	return nil
}

// drainLocked attempts at most n items from the head of l's backlog. A
// delivered item is removed; an unencodable one is dropped and the drain
// continues; a failed send leaves the item at the head and stops the
// drain. It reports whether all n items left the backlog. l.mu must be held.
func (e *Emitter) drainLocked(ctx context.Context, l *lane, n int) bool {
	defer func() { e.metrics.BacklogSize(l.kind, l.backlog.Len()) }()
	for i := 0; i < n; i++ {
		if !e.breakerClosed() {
			return false
		}
		item, ok := l.backlog.Peek()
		if !ok {
			return true
		}
		err := e.send(ctx, item)
		if err != nil {
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				e.logger.Printf("audit.Emitter: %s %d not delivered, kept at head of backlog (%d queued): %v",
					l.kind, item.uid(), l.backlog.Len(), err)
				return false
			}
		}
		if head, ok := l.backlog.Peek(); ok && head == item {
			l.backlog.Poll()
		}
		if err != nil {
			e.drop(item, DropEncoding, err)
		}
	}
	return true
}

// send encodes item and hands it to the sink.
func (e *Emitter) send(ctx context.Context, item *pending) error {
	msg, err := item.message(e.encoder)
	if err != nil {
		return err
	}
	if e.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := e.sink.Send(ctx, msg); err != nil {
		e.metrics.DeliveryFailed(item.kind)
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		e.errorFunc(err, msg)
		return err
	}
	e.metrics.EventDelivered(item.kind, time.Since(start))
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	return nil
}

func (e *Emitter) breakerClosed() bool {
	return e.breaker == nil || e.breaker.IsClosed()
}

// offer queues item, dropping whatever the backlog evicts to make room.
func (e *Emitter) offer(l *lane, item *pending) {
	evicted := l.backlog.Offer(item)
	e.metrics.EventEnqueued(l.kind)
	for _, old := range evicted {
		e.metrics.EventEvicted(l.kind)
		e.drop(old, DropEvicted, nil)
	}
	e.metrics.BacklogSize(l.kind, l.backlog.Len())
}

// drop records an event that leaves without delivery. Eviction lines are
// rate limited; encoding failures are always logged.
func (e *Emitter) drop(item *pending, reason string, cause error) {
	e.metrics.EventDropped(item.kind, reason)
	if e.journal != nil {
		if err := e.journal.Write(reason, item, cause); err != nil {
			e.errorFunc(fmt.Errorf("drop journal: %w", err), nil)
		}
	}
	switch {
	case cause != nil:
		e.logger.Printf("audit.Emitter: dropped %s %d (%s): %v", item.kind, item.uid(), reason, cause)
	case e.dropLog.Allow():
		e.logger.Printf("audit.Emitter: dropped %s %d (%s)", item.kind, item.uid(), reason)
	}
}

// dropAfterClose counts an item that raced with Close. The journal may
// already be closed, so it is not written.
func (e *Emitter) dropAfterClose(item *pending) {
	e.metrics.EventDropped(item.kind, DropClosed)
	if e.dropLog.Allow() {
		e.logger.Printf("audit.Emitter: dropped %s %d (%s)", item.kind, item.uid(), DropClosed)
	}
}

// setStateLocked records a transition. stateMu must be held.
func (e *Emitter) setStateLocked(s ReadinessState) {
	if e.state == s {
		return
	}
	e.logger.Printf("audit.Emitter: readiness %v -> %v", e.state, s)
	e.state = s
	e.metrics.StateChanged(s)
}

// Drain retries the backlog of both lanes. While the sink is not ready it
// does nothing.
func (e *Emitter) Drain(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	e.stateMu.Lock()
	st := e.state
	switch {
	case st == StateWorking:
		e.stateMu.Unlock()
	case st.buffering():
		if e.async != nil && e.async.Ready() {
			e.flushLocked(ctx)
		}
		e.stateMu.Unlock()
		return nil
	default:
		e.stateMu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, st)
	}
	for _, l := range []*lane{e.events, e.admins} {
		l.mu.Lock()
		e.drainLocked(ctx, l, l.backlog.Len())
		l.mu.Unlock()
	}
	return ctx.Err()
}

// Stats returns the readiness state and backlog sizes.
func (e *Emitter) Stats() Stats {
	e.stateMu.Lock()
	st := e.state
	e.stateMu.Unlock()
	return Stats{
		State:       st,
		Events:      e.events.backlog.Len(),
		AdminEvents: e.admins.backlog.Len(),
	}
}

// Close stops the emitter and closes the sink. Undelivered events are
// dropped and counted. Calling Close again is a no-op.
func (e *Emitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		e.logger.Printf("audit.Emitter: Close called on already closed emitter")
		return nil
	}
	e.stateMu.Lock()
	lost := 0
	for _, l := range []*lane{e.events, e.admins} {
		l.mu.Lock()
		for {
			item, ok := l.backlog.Poll()
			if !ok {
				break
			}
			lost++
			e.metrics.EventDropped(item.kind, DropClosed)
			if e.journal != nil {
				_ = e.journal.Write(DropClosed, item, nil)
			}
		}
		e.metrics.BacklogSize(l.kind, 0)
		l.mu.Unlock()
	}
	e.stateMu.Unlock()
	if lost > 0 {
		e.logger.Printf("audit.Emitter: closing with %d undelivered event(s)", lost)
	}

	var errs []error
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	e.logger.Printf("audit.Emitter: Close completed")
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
