package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// ID is a time-ordered 64-bit identifier attached to every forwarded event.
// Collectors use it to deduplicate redelivered events.
type ID int64

// DefaultEpoch is the custom epoch identifiers are measured from
// (2015-01-01T00:00:00Z, in milliseconds).
const DefaultEpoch int64 = 1420070400000

var (
	// ErrClockRegression is matched by every *ClockRegressionError.
	ErrClockRegression = errors.New("audit: clock moved backwards")
	// ErrInvalidGeneratorConfig is returned when a generator cannot be built
	// from its layout and ids.
	ErrInvalidGeneratorConfig = errors.New("audit: invalid id generator configuration")
	// ErrTimestampOutOfRange is returned when the clock reads before the
	// epoch or past the last millisecond the timestamp field can hold.
	// Retrying does not help.
	ErrTimestampOutOfRange = errors.New("audit: timestamp outside the id layout's range")
)

// ClockRegressionError reports a clock reading older than the last one used.
type ClockRegressionError struct {
	Last    int64 // last accepted reading, ms
	Current int64 // rejected reading, ms
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("audit: clock moved backwards, refusing to generate id for %d milliseconds", e.Last-e.Current)
}

// Is lets errors.Is match ErrClockRegression.
func (e *ClockRegressionError) Is(target error) bool {
	return target == ErrClockRegression
}

// BitLayout describes how an ID is split, high bits first:
// timestamp, datacenter, node, sequence.
type BitLayout struct {
	TimestampBits  uint
	DatacenterBits uint
	NodeBits       uint
	SequenceBits   uint
}

// DefaultBitLayout is 41 bits of milliseconds, 2 bits of datacenter,
// 5 bits of node and 15 bits of sequence.
var DefaultBitLayout = BitLayout{
	TimestampBits:  41,
	DatacenterBits: 2,
	NodeBits:       5,
	SequenceBits:   15,
}

// Validate checks that every field has a width and that the layout fits in
// the 63 usable bits of a signed 64-bit integer.
func (l BitLayout) Validate() error {
	if l.TimestampBits == 0 || l.DatacenterBits == 0 || l.NodeBits == 0 || l.SequenceBits == 0 {
		return fmt.Errorf("%w: every bit field needs a positive width, got %+v", ErrInvalidGeneratorConfig, l)
	}
	if total := l.TimestampBits + l.DatacenterBits + l.NodeBits + l.SequenceBits; total > 63 {
		return fmt.Errorf("%w: layout uses %d bits, at most 63 are available", ErrInvalidGeneratorConfig, total)
	}
	return nil
}

func (l BitLayout) maxTimestamp() int64    { return -1 ^ (-1 << l.TimestampBits) }
func (l BitLayout) maxDatacenterID() int64 { return -1 ^ (-1 << l.DatacenterBits) }
func (l BitLayout) maxNodeID() int64       { return -1 ^ (-1 << l.NodeBits) }
func (l BitLayout) sequenceMask() int64    { return -1 ^ (-1 << l.SequenceBits) }
func (l BitLayout) nodeShift() uint        { return l.SequenceBits }
func (l BitLayout) datacenterShift() uint  { return l.SequenceBits + l.NodeBits }
func (l BitLayout) timestampShift() uint   { return l.SequenceBits + l.NodeBits + l.DatacenterBits }

// IDParts is an ID split back into its fields. Timestamp is in
// milliseconds since the Unix epoch.
type IDParts struct {
	Timestamp    int64
	DatacenterID int64
	NodeID       int64
	Sequence     int64
}

// IDGeneratorOption configures an IDGenerator.
type IDGeneratorOption func(*IDGenerator)

// WithBitLayout replaces DefaultBitLayout.
func WithBitLayout(l BitLayout) IDGeneratorOption {
	return func(g *IDGenerator) { g.layout = l }
}

// WithEpoch replaces DefaultEpoch. The value is in milliseconds.
func WithEpoch(epochMillis int64) IDGeneratorOption {
	return func(g *IDGenerator) { g.epoch = epochMillis }
}

// WithClock replaces the wall clock. The function returns Unix milliseconds.
func WithClock(now func() int64) IDGeneratorOption {
	return func(g *IDGenerator) { g.now = now }
}

// WithClockRetryBackOff makes NextValidID wait between attempts while the
// clock is behind. Every call builds its own policy from newBackOff, so
// concurrent callers never share a schedule. When the policy gives up,
// NextValidID keeps retrying without waiting.
func WithClockRetryBackOff(newBackOff func() backoff.BackOff) IDGeneratorOption {
	return func(g *IDGenerator) { g.newRetry = newBackOff }
}

// WithGeneratorLogger sets the logger for generator diagnostics.
func WithGeneratorLogger(l *log.Logger) IDGeneratorOption {
	return func(g *IDGenerator) { g.logger = l }
}

// IDGenerator produces unique, time-ordered identifiers for one node.
// It is safe for concurrent use.
type IDGenerator struct {
	layout       BitLayout
	epoch        int64
	datacenterID int64
	nodeID       int64
	now          func() int64
	newRetry     func() backoff.BackOff
	logger       *log.Logger

	mu            sync.Mutex
	lastTimestamp int64
	sequence      int64
}

// NewIDGenerator builds a generator for the given datacenter and node.
// The layout defaults to DefaultBitLayout and the epoch to DefaultEpoch.
// Both ids must fit in the layout's widths, and the layout must fit in 63
// bits so identifiers stay positive. Clock readings are range checked per
// call by NextID, not here.
//
// Parameters:
//   - datacenterID: Datacenter this node belongs to, in [0, 2^DatacenterBits).
//   - nodeID: Node within the datacenter, in [0, 2^NodeBits).
//   - opts: Variadic IDGeneratorOption functions (layout, epoch, clock, retry policy, logger).
//
// Returns:
//   - *IDGenerator: A generator ready for concurrent use.
//   - error: An error wrapping ErrInvalidGeneratorConfig if the layout or ids are invalid.
func NewIDGenerator(datacenterID, nodeID int64, opts ...IDGeneratorOption) (*IDGenerator, error) {
	g := &IDGenerator{
		layout:        DefaultBitLayout,
		epoch:         DefaultEpoch,
		datacenterID:  datacenterID,
		nodeID:        nodeID,
		now:           func() int64 { return time.Now().UnixMilli() },
		lastTimestamp: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = loggerOrDefault(g.logger)
	if err := g.layout.Validate(); err != nil {
		return nil, err
	}
	if datacenterID < 0 || datacenterID > g.layout.maxDatacenterID() {
		return nil, fmt.Errorf("%w: datacenter id %d not in [0, %d]", ErrInvalidGeneratorConfig, datacenterID, g.layout.maxDatacenterID())
	}
	if nodeID < 0 || nodeID > g.layout.maxNodeID() {
		return nil, fmt.Errorf("%w: node id %d not in [0, %d]", ErrInvalidGeneratorConfig, nodeID, g.layout.maxNodeID())
	}
	g.logger.Printf("audit.IDGenerator: layout timestamp=%d datacenter=%d node=%d sequence=%d bits, datacenter id=%d, node id=%d",
		g.layout.TimestampBits, g.layout.DatacenterBits, g.layout.NodeBits, g.layout.SequenceBits, datacenterID, nodeID)
	return g, nil
}

// NextID returns the next identifier. It fails with a *ClockRegressionError
// when the clock reads earlier than the last accepted reading, and with
// ErrTimestampOutOfRange when the reading does not fit the layout. Either
// way the generator is left untouched.
func (g *IDGenerator) NextID() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()
	if timestamp < g.lastTimestamp {
		return 0, &ClockRegressionError{Last: g.lastTimestamp, Current: timestamp}
	}
	if err := g.checkRange(timestamp); err != nil {
		return 0, err
	}

	seq := int64(0)
	if timestamp == g.lastTimestamp {
		seq = (g.sequence + 1) & g.layout.sequenceMask()
		if seq == 0 {
			// Sequence exhausted for this millisecond.
			timestamp = g.tilNextMillis(g.lastTimestamp)
			if err := g.checkRange(timestamp); err != nil {
				return 0, err
			}
		}
	}
	g.sequence = seq
	g.lastTimestamp = timestamp

	return ID((timestamp-g.epoch)<<g.layout.timestampShift() |
		g.datacenterID<<g.layout.datacenterShift() |
		g.nodeID<<g.layout.nodeShift() |
		seq), nil
}

func (g *IDGenerator) checkRange(timestamp int64) error {
	if delta := timestamp - g.epoch; delta < 0 || delta > g.layout.maxTimestamp() {
		return fmt.Errorf("%w: reading %d is not in [%d, %d]", ErrTimestampOutOfRange,
			timestamp, g.epoch, g.epoch+g.layout.maxTimestamp())
	}
	return nil
}

func (g *IDGenerator) tilNextMillis(last int64) int64 {
	ts := g.now()
	for ts <= last {
		ts = g.now()
	}
	return ts
}

// NextValidID calls NextID until it succeeds, retrying only clock
// regressions. With no retry policy it spins for as long as the clock stays
// behind. The only error it returns wraps ErrTimestampOutOfRange.
func (g *IDGenerator) NextValidID() (ID, error) {
	return g.NextValidIDContext(context.Background())
}

// NextValidIDContext is NextValidID that gives up when ctx is done.
func (g *IDGenerator) NextValidIDContext(ctx context.Context) (ID, error) {
	var retry backoff.BackOff
	if g.newRetry != nil {
		retry = g.newRetry()
	}
	for attempt := 0; ; attempt++ {
		id, err := g.NextID()
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrClockRegression) {
			g.logger.Printf("audit.IDGenerator: %v", err)
			return 0, err
		}
		if attempt == 0 {
			g.logger.Printf("audit.IDGenerator: %v, retrying", err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if retry == nil {
			continue
		}
		d := retry.NextBackOff()
		if d == backoff.Stop {
			continue
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		}
	}
}

// Decompose splits an identifier produced by this generator.
func (g *IDGenerator) Decompose(id ID) IDParts {
	v := int64(id)
	return IDParts{
		Timestamp:    v>>g.layout.timestampShift() + g.epoch,
		DatacenterID: v >> g.layout.datacenterShift() & g.layout.maxDatacenterID(),
		NodeID:       v >> g.layout.nodeShift() & g.layout.maxNodeID(),
		Sequence:     v & g.layout.sequenceMask(),
	}
}

// state returns the last timestamp and sequence, for tests.
func (g *IDGenerator) state() (int64, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTimestamp, g.sequence
}
