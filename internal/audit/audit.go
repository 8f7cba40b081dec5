package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/logging"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Success   bool                   `json:"success"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Archiver persists entries outside process memory.
type Archiver interface {
	Store(entry Entry) error
}

// Publisher fans entries out to an event bus.
type Publisher interface {
	Publish(entry Entry) error
}

// Log is the in-memory append-only audit trail. Archive and publisher
// are optional and best-effort: their failures are logged, never
// surfaced to the audited operation.
type Log struct {
	logger    *zap.SugaredLogger
	archiver  Archiver
	publisher Publisher

	mu      sync.Mutex
	entries []Entry
}

// NewLog creates an audit log. archiver and publisher may be nil.
func NewLog(archiver Archiver, publisher Publisher, logger *zap.SugaredLogger) *Log {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Log{
		logger:    logger,
		archiver:  archiver,
		publisher: publisher,
	}
}

// Append records an entry, assigning id and timestamp when unset, and
// returns the stored entry.
func (l *Log) Append(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.archiver != nil {
		if err := l.archiver.Store(entry); err != nil {
			l.logger.Warnw("audit archive write failed", "entryId", entry.ID, "error", err)
		}
	}
	if l.publisher != nil {
		if err := l.publisher.Publish(entry); err != nil {
			l.logger.Warnw("audit event publish failed", "entryId", entry.ID, "error", err)
		}
	}
	return entry
}

// Snapshot returns a copy of all entries in append order.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
