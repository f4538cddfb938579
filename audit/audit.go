// audit/audit.go
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels the audited state transition.
type EventKind string

const (
	KindPositionOpened    EventKind = "position_opened"
	KindPositionDCA       EventKind = "position_dca"
	KindPositionTP1       EventKind = "position_tp1"
	KindTrailingAdjust    EventKind = "trailing_adjust"
	KindPositionClosed    EventKind = "position_closed"
	KindPositionFailed    EventKind = "position_failed"
	KindProtectiveRepair  EventKind = "protective_repair"
	KindRiskEscalation    EventKind = "risk_escalation"
	KindRiskReset         EventKind = "risk_reset"
	KindEmergencyEscalate EventKind = "emergency_escalate"
)

// Event is one append-only audit record. Before/After snapshot the mutated
// state around the transition.
type Event struct {
	Kind      EventKind   `json:"kind"`
	AccountID string      `json:"account_id"`
	Symbol    string      `json:"symbol,omitempty"`
	Before    interface{} `json:"before,omitempty"`
	After     interface{} `json:"after,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Log is the append-only audit sink used by the lifecycle manager, the risk
// monitor and the protective order guard.
type Log interface {
	LogEvent(ev Event) error
}

// FileLog appends events as JSON lines. Appends are serialized; the file is
// opened with O_APPEND so concurrent processes cannot interleave a record.
type FileLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileLog opens (or creates) the audit file under dir.
func NewFileLog(dir, name string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &FileLog{file: f}, nil
}

func (l *FileLog) LogEvent(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// MemoryLog collects events in memory for tests.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) LogEvent(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// Events returns a copy of everything logged so far.
func (l *MemoryLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByKind filters logged events by kind.
func (l *MemoryLog) ByKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
