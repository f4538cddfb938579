// risk/flags.go
package risk

import (
	"fmt"
	"sync"
	"time"
)

// Level is the account risk state. Transitions only move upward; the level
// never relaxes on its own, an operator must call Reset.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelHalted
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelHalted:
		return "HALTED"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Violation is returned when an admission or operation breaks a risk rule.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s", v.Rule, v.Detail)
}

// FlagsSnapshot is the serializable view of one account's risk flags.
type FlagsSnapshot struct {
	Level         Level     `json:"level"`
	Reason        string    `json:"reason"`
	Since         time.Time `json:"since"`
	EmergencyStop bool      `json:"emergency_stop"`
}

// Flags holds the risk state for a single account. Flags for different
// accounts are fully isolated; an escalation on one account never touches
// another.
type Flags struct {
	mu            sync.Mutex
	level         Level
	reason        string
	since         time.Time
	emergencyStop bool
}

func NewFlags() *Flags {
	return &Flags{level: LevelNormal, since: time.Now()}
}

// Escalate raises the level. Downward or same-level transitions are ignored
// and reported as false.
func (f *Flags) Escalate(to Level, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to <= f.level {
		return false
	}
	f.level = to
	f.reason = reason
	f.since = time.Now()
	return true
}

// SetEmergencyStop flags the account for immediate flattening. It implies
// HALTED.
func (f *Flags) SetEmergencyStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencyStop = true
	if f.level < LevelHalted {
		f.level = LevelHalted
		f.reason = reason
		f.since = time.Now()
	}
}

// Reset returns the account to NORMAL. Only an explicit operator action calls
// this; nothing in the engine resets flags automatically.
func (f *Flags) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = LevelNormal
	f.reason = ""
	f.since = time.Now()
	f.emergencyStop = false
}

func (f *Flags) Level() Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

func (f *Flags) EmergencyStop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergencyStop
}

func (f *Flags) Snapshot() FlagsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FlagsSnapshot{
		Level:         f.level,
		Reason:        f.reason,
		Since:         f.since,
		EmergencyStop: f.emergencyStop,
	}
}

// Restore reloads persisted flags after a restart. Escalations survive
// restarts so a halt cannot be cleared by bouncing the process.
func (f *Flags) Restore(s FlagsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = s.Level
	f.reason = s.Reason
	f.since = s.Since
	f.emergencyStop = s.EmergencyStop
}

// FlagSet holds the flags of every account, keyed by account ID. Each
// account's flags are independent.
type FlagSet struct {
	mu    sync.Mutex
	flags map[string]*Flags
}

func NewFlagSet() *FlagSet {
	return &FlagSet{flags: make(map[string]*Flags)}
}

// For returns the flags for accountID, creating a NORMAL entry on first use.
func (s *FlagSet) For(accountID string) *Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[accountID]
	if !ok {
		f = NewFlags()
		s.flags[accountID] = f
	}
	return f
}

// Snapshot returns the serializable flags of every known account.
func (s *FlagSet) Snapshot() map[string]FlagsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FlagsSnapshot, len(s.flags))
	for id, f := range s.flags {
		out[id] = f.Snapshot()
	}
	return out
}

// Restore reloads every persisted account.
func (s *FlagSet) Restore(snap map[string]FlagsSnapshot) {
	for id, fs := range snap {
		s.For(id).Restore(fs)
	}
}
