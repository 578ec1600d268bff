package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// Reasons an event leaves the emitter without being delivered.
const (
	DropEvicted  = "evicted"
	DropEncoding = "encoding"
	DropClosed   = "closed"
)

// dropRecord is one line of the drop journal.
type dropRecord struct {
	Time   string                `json:"time"`
	Reason string                `json:"reason"`
	Kind   string                `json:"kind"`
	UID    ID                    `json:"uid"`
	Error  string                `json:"error,omitempty"`
	Event  *IdentifiedEvent      `json:"event,omitempty"`
	Admin  *IdentifiedAdminEvent `json:"adminEvent,omitempty"`
}

// dropJournal appends dropped events as JSON lines to a rotated file. It is
// a record for operators; nothing reads it back.
type dropJournal struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

func newDropJournal(cfg LogFileConfig) *dropJournal {
	return &dropJournal{writer: cfg.writer()}
}

func (j *dropJournal) Write(reason string, item *pending, cause error) error {
	rec := dropRecord{
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
		Reason: reason,
		Kind:   item.kind.String(),
		UID:    item.uid(),
		Event:  item.event,
		Admin:  item.admin,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		// The event itself may be what failed to encode.
		rec.Event, rec.Admin = nil, nil
		if data, err = json.Marshal(rec); err != nil {
			return fmt.Errorf("failed to marshal drop record: %w", err)
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write drop record: %w", err)
	}
	return nil
}

func (j *dropJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writer.Close()
}
