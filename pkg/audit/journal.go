// Package audit provides the mutation journal for category index repairs.
//
// Every write the reconciler or repairer performs against the store is
// appended here as one JSON line, successful or not. Operators use the
// journal to answer "what exactly did last night's repair change?" and to
// retry precisely the steps that failed.
//
// Example Usage:
//
//	journal, err := audit.NewLogger(audit.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer journal.Close()
//
//	journal.Log(audit.Event{
//		RunID:     runID,
//		Operation: "reconcile",
//		Type:      audit.EventMemberAdded,
//		Key:       "category:pet-care",
//		EntityID:  "B1",
//		Success:   true,
//	})
//
//	failed := false
//	result, _ := audit.NewReader(path).Query(audit.Query{RunID: runID, Success: &failed})
//
// Format:
//
//	{"id":"audit-6f1c…","timestamp":"2025-03-14T09:26:53Z","run_id":"…","operation":"repair","type":"INDEX_REBUILT","key":"category:pet-care","members":3,"success":true}
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when logging to a closed journal.
var ErrClosed = errors.New("audit logger is closed")

// EventType classifies a store mutation.
type EventType string

const (
	// EventKeyDeleted records a corrupted, orphaned or non-canonical key removal.
	EventKeyDeleted EventType = "KEY_DELETED"
	// EventMemberAdded records one id added to an index.
	EventMemberAdded EventType = "MEMBER_ADDED"
	// EventMemberRemoved records one id removed from an index.
	EventMemberRemoved EventType = "MEMBER_REMOVED"
	// EventIndexRebuilt records an index overwritten with its exact member set.
	EventIndexRebuilt EventType = "INDEX_REBUILT"
	// EventRecordNormalized records a business record rewrite.
	EventRecordNormalized EventType = "RECORD_NORMALIZED"
)

// Event is one journal line.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// RunID groups the events of one reconcile or repair invocation.
	RunID     string    `json:"run_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Type      EventType `json:"type"`

	// Key is the store key that was written.
	Key      string `json:"key"`
	EntityID string `json:"entity_id,omitempty"`

	// Members is the member count written by an index rebuild.
	Members int `json:"members,omitempty"`

	// DryRun marks planned mutations that were not applied.
	DryRun bool `json:"dry_run,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Config controls where and how the journal is written.
type Config struct {
	Enabled bool
	LogPath string

	// SyncWrites fsyncs the file after every event.
	SyncWrites bool

	// IncludeDryRun also journals planned mutations of dry runs.
	IncludeDryRun bool
}

// DefaultConfig journals applied mutations to ./logs/catindex-audit.log.
func DefaultConfig() Config {
	return Config{Enabled: true, LogPath: "./logs/catindex-audit.log"}
}

// Logger appends events to the journal. Safe for concurrent use.
type Logger struct {
	cfg Config

	mu   sync.Mutex
	enc  *json.Encoder
	file *os.File
	shut bool
}

// NewLogger opens the journal file for appending, creating it and its
// directory as needed. A disabled config yields a Logger that discards
// every event.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", cfg.LogPath, err)
	}
	return &Logger{cfg: cfg, enc: json.NewEncoder(f), file: f}, nil
}

// NewLoggerWithWriter journals to w, which the Logger never closes.
func NewLoggerWithWriter(w io.Writer, cfg Config) *Logger {
	return &Logger{cfg: cfg, enc: json.NewEncoder(w)}
}

func (l *Logger) wants(e Event) bool {
	return l.cfg.Enabled && (!e.DryRun || l.cfg.IncludeDryRun)
}

// Log appends e, stamping a UTC timestamp and an id when they are unset.
// Dry-run events are dropped unless IncludeDryRun is set.
func (l *Logger) Log(e Event) error {
	if !l.wants(e) {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = "audit-" + uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shut {
		return ErrClosed
	}
	if err := l.enc.Encode(e); err != nil {
		return fmt.Errorf("writing journal event: %w", err)
	}
	if l.cfg.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing journal: %w", err)
		}
	}
	return nil
}

// Close closes the journal file. Closing twice is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shut {
		return nil
	}
	l.shut = true
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
