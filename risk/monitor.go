// risk/monitor.go
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/logs"
	"atra_engine/profit"
	"atra_engine/state"
)

const flagsStateName = "risk_flags"

// Monitor watches account health on a fixed interval and escalates risk
// flags. Escalations are one way: the monitor raises WARNING and HALTED but
// never lowers a level, only ResetAccount does.
type Monitor struct {
	cfg      *config.RiskConfig
	flags    *FlagSet
	store    state.Store
	auditLog audit.Log

	mu       sync.Mutex
	accounts map[string]*profit.Accountant
}

func NewMonitor(cfg *config.RiskConfig, flags *FlagSet, store state.Store, auditLog audit.Log) *Monitor {
	return &Monitor{
		cfg:      cfg,
		flags:    flags,
		store:    store,
		auditLog: auditLog,
		accounts: make(map[string]*profit.Accountant),
	}
}

// Track registers an account's accountant for periodic checks.
func (m *Monitor) Track(accountID string, acct *profit.Accountant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = acct
}

// Run evaluates all tracked accounts until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.MonitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.Infof("[RiskMonitor] started, interval %v", interval)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("[RiskMonitor] stopped")
			return
		case <-ticker.C:
			m.CheckAll()
		}
	}
}

// CheckAll runs one evaluation pass over every tracked account.
func (m *Monitor) CheckAll() {
	m.mu.Lock()
	accounts := make(map[string]*profit.Accountant, len(m.accounts))
	for id, acct := range m.accounts {
		accounts[id] = acct
	}
	m.mu.Unlock()

	changed := false
	for id, acct := range accounts {
		if m.checkAccount(id, acct.Snapshot()) {
			changed = true
		}
	}
	if changed {
		m.persist()
	}
}

// checkAccount applies the drawdown and daily-loss thresholds to one
// account. Returns true when the level moved.
func (m *Monitor) checkAccount(accountID string, snap profit.Snapshot) bool {
	flags := m.flags.For(accountID)
	before := flags.Snapshot()

	if m.cfg.DrawdownStopPct > 0 && snap.DrawdownPct >= m.cfg.DrawdownStopPct {
		m.escalate(accountID, flags, LevelHalted,
			fmt.Sprintf("drawdown %.2f%% breached stop threshold %.2f%%", snap.DrawdownPct, m.cfg.DrawdownStopPct), before)
	} else if m.cfg.DailyLossLimitPct > 0 && snap.DailyLossPct >= m.cfg.DailyLossLimitPct {
		m.escalate(accountID, flags, LevelHalted,
			fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", snap.DailyLossPct, m.cfg.DailyLossLimitPct), before)
	} else if m.cfg.DrawdownWarningPct > 0 && snap.DrawdownPct >= m.cfg.DrawdownWarningPct {
		m.escalate(accountID, flags, LevelWarning,
			fmt.Sprintf("drawdown %.2f%% breached warning threshold %.2f%%", snap.DrawdownPct, m.cfg.DrawdownWarningPct), before)
	}

	return flags.Level() != before.Level
}

func (m *Monitor) escalate(accountID string, flags *Flags, to Level, reason string, before FlagsSnapshot) {
	if !flags.Escalate(to, reason) {
		return
	}
	logs.Errorf("[RiskMonitor] account %s escalated %s -> %s: %s", accountID, before.Level, to, reason)
	if err := m.auditLog.LogEvent(audit.Event{
		Kind:      audit.KindRiskEscalation,
		AccountID: accountID,
		Before:    before,
		After:     flags.Snapshot(),
	}); err != nil {
		logs.Warnf("[RiskMonitor] audit write failed: %v", err)
	}
}

// ResetAccount is the explicit operator action that clears an account back to
// NORMAL. Nothing else in the engine relaxes risk flags.
func (m *Monitor) ResetAccount(accountID string) {
	flags := m.flags.For(accountID)
	before := flags.Snapshot()
	flags.Reset()
	logs.Warnf("[RiskMonitor] account %s flags reset by operator (was %s)", accountID, before.Level)
	if err := m.auditLog.LogEvent(audit.Event{
		Kind:      audit.KindRiskReset,
		AccountID: accountID,
		Before:    before,
		After:     flags.Snapshot(),
	}); err != nil {
		logs.Warnf("[RiskMonitor] audit write failed: %v", err)
	}
	m.persist()
}

func (m *Monitor) persist() {
	if err := m.store.Save(flagsStateName, m.flags.Snapshot()); err != nil {
		logs.Errorf("[RiskMonitor] failed to persist flags: %v", err)
	}
}

// RestoreFlags reloads persisted flags at startup.
func (m *Monitor) RestoreFlags() error {
	var snap map[string]FlagsSnapshot
	found, err := m.store.Load(flagsStateName, &snap)
	if err != nil {
		return fmt.Errorf("failed to load risk flags: %w", err)
	}
	if !found {
		return nil
	}
	m.flags.Restore(snap)
	for id, fs := range snap {
		if fs.Level != LevelNormal {
			logs.Warnf("[RiskMonitor] account %s restored in %s state: %s", id, fs.Level, fs.Reason)
		}
	}
	return nil
}
