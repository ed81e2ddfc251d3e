// Package audit emits the fact lifecycle event log: every node creation,
// merge, review decision and reprocessing outcome, to zap and optionally NATS.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/jsonx"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventNodeCreated        EventType = "NODE_CREATED"
	EventEvidenceMerged     EventType = "EVIDENCE_MERGED"
	EventNodeApproved       EventType = "NODE_APPROVED"
	EventNodeRejected       EventType = "NODE_REJECTED"
	EventChildrenSpawned    EventType = "CHILDREN_SPAWNED"
	EventReprocessEmpty     EventType = "REPROCESS_EMPTY"
	EventReprocessExhausted EventType = "REPROCESS_EXHAUSTED"
	EventUserProcessed      EventType = "USER_PROCESSED"
	EventUserSkipped        EventType = "USER_SKIPPED"
	EventUserFailed         EventType = "USER_FAILED"
	EventUserForgotten      EventType = "USER_FORGOTTEN"
)

// Event is a single lifecycle log entry
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"event_type"`
	UserID    string            `json:"user_id"`
	NodeID    string            `json:"node_id,omitempty"`
	FactType  string            `json:"fact_type,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher is the slice of *nats.Conn the logger needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Config configures the lifecycle logger
type Config struct {
	Enabled       bool
	AsyncMode     bool
	BufferSize    int
	SubjectPrefix string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, AsyncMode: false, BufferSize: 1000, SubjectPrefix: "factkernel"}
}

// Logger writes lifecycle events
type Logger struct {
	pub     Publisher
	logger  *zap.Logger
	cfg     Config
	events  chan Event
	wg      sync.WaitGroup
	closeMu sync.Once
}

// New creates a lifecycle logger. pub may be nil.
func New(pub Publisher, logger *zap.Logger, cfg Config) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "factkernel"
	}
	l := &Logger{pub: pub, logger: logger.Named("audit"), cfg: cfg}
	if cfg.AsyncMode {
		size := cfg.BufferSize
		if size == 0 {
			size = 1000
		}
		l.events = make(chan Event, size)
		l.wg.Add(1)
		go l.processEvents()
	}
	return l
}

// Nop returns a disabled logger.
func Nop() *Logger {
	return New(nil, nil, Config{})
}

// Log records an event
func (l *Logger) Log(ctx context.Context, event Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if l.events != nil {
		select {
		case l.events <- event:
			return
		default:
			l.logger.Warn("Audit buffer full, logging synchronously")
		}
	}
	l.persist(event)
}

// NodeEvent is shorthand for an event about one node.
func (l *Logger) NodeEvent(ctx context.Context, typ EventType, userID, nodeID, factType, actor string) {
	l.Log(ctx, Event{Type: typ, UserID: userID, NodeID: nodeID, FactType: factType, Actor: actor})
}

func (l *Logger) processEvents() {
	defer l.wg.Done()
	for event := range l.events {
		l.persist(event)
	}
}

func (l *Logger) persist(event Event) {
	if l.pub != nil {
		if err := l.publish(event); err != nil {
			l.logger.Warn("Failed to publish audit event", zap.Error(err))
		}
	}

	l.logger.Info("AUDIT",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("user", event.UserID),
		zap.String("node", event.NodeID),
		zap.String("fact_type", event.FactType),
		zap.String("actor", event.Actor),
		zap.String("reason", event.Reason))
}

// Subject is the NATS subject an event is published on.
func (l *Logger) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.%s", l.cfg.SubjectPrefix, event.UserID, event.Type)
}

func (l *Logger) publish(event Event) error {
	data, err := jsonx.Marshal(event)
	if err != nil {
		return err
	}
	return l.pub.Publish(l.Subject(event), data)
}

// Close drains buffered events.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeMu.Do(func() {
		if l.events != nil {
			close(l.events)
			l.wg.Wait()
		}
	})
}
