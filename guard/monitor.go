// guard/monitor.go
package guard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/exchange"
	"atra_engine/logs"
	"atra_engine/notify"
	"atra_engine/position"
	"atra_engine/risk"
	"atra_engine/utils"
)

// Monitor sweeps the exchange on a fixed interval and verifies that every
// active position still has its protective orders resting. A missing leg is
// re-placed at the recorded level; repeated repair failures escalate to an
// emergency stop for the account.
type Monitor struct {
	cfg      *config.GuardConfig
	client   exchange.Client
	manager  *position.Manager
	flags    *risk.FlagSet
	notifier notify.Notifier
	auditLog audit.Log

	mu       sync.Mutex
	failures map[string]int // positionID -> consecutive repair failures
}

func NewMonitor(cfg *config.GuardConfig, client exchange.Client, manager *position.Manager,
	flags *risk.FlagSet, notifier notify.Notifier, auditLog audit.Log) *Monitor {
	return &Monitor{
		cfg:      cfg,
		client:   client,
		manager:  manager,
		flags:    flags,
		notifier: notifier,
		auditLog: auditLog,
		failures: make(map[string]int),
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.Infof("[Guard] started, sweep interval %v", interval)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("[Guard] stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one verification pass over every active position. Repairs are
// idempotent: a leg the exchange still shows at the recorded trigger and
// quantity is never re-placed.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, pos := range m.manager.ActiveAll() {
		if err := m.checkPosition(ctx, pos); err != nil {
			logs.Warnf("[Guard] sweep of %s %s: %v", pos.AccountID, pos.Symbol, err)
		}
	}
}

func (m *Monitor) checkPosition(ctx context.Context, pos *position.Position) error {
	// A position the exchange no longer holds has been closed by a resting
	// order; the price loop reconciles it, the guard has nothing to repair.
	info, err := m.client.GetPositionInfo(ctx, pos.Symbol)
	if err == nil && (info == nil || math.Abs(info.PositionAmt) < utils.Epsilon) {
		return nil
	}

	open, err := m.client.FetchOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}

	// The manager compares the ladder against the venue and repairs it
	// under its keyed lock, so the price loop cannot mutate the position
	// mid-check.
	repaired, err := m.manager.ReconcileProtectives(ctx, pos.ID, open)
	if err != nil {
		m.recordFailure(ctx, pos, err)
		return err
	}
	if repaired > 0 {
		logs.Warnf("[Guard] repaired %d protective order(s) on %s %s", repaired, pos.AccountID, pos.Symbol)
	}
	m.clearFailures(pos.ID)
	return nil
}

func (m *Monitor) recordFailure(ctx context.Context, pos *position.Position, cause error) {
	m.mu.Lock()
	m.failures[pos.ID]++
	count := m.failures[pos.ID]
	m.mu.Unlock()

	logs.Errorf("[Guard] repair failure %d/%d on %s %s: %v",
		count, m.cfg.MaxRepairAttempts, pos.AccountID, pos.Symbol, cause)
	if count < m.cfg.MaxRepairAttempts {
		return
	}
	m.escalate(ctx, pos, cause)
}

// escalate flags the account for emergency stop and flattens it. An
// unprotected position that cannot be re-protected is worse than no
// position.
func (m *Monitor) escalate(ctx context.Context, pos *position.Position, cause error) {
	reason := fmt.Sprintf("protective repair exhausted on %s: %v", pos.Symbol, cause)
	flags := m.flags.For(pos.AccountID)
	before := flags.Snapshot()
	flags.SetEmergencyStop(reason)

	if err := m.auditLog.LogEvent(audit.Event{
		Kind:      audit.KindEmergencyEscalate,
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Before:    before,
		After:     flags.Snapshot(),
	}); err != nil {
		logs.Warnf("[Guard] audit write failed: %v", err)
	}
	m.notifier.Alert("Emergency stop", fmt.Sprintf("account %s: %s", pos.AccountID, reason))
	logs.Errorf("[Guard] EMERGENCY STOP for account %s: %s", pos.AccountID, reason)
	m.manager.FlattenAccount(ctx, pos.AccountID, "emergency_stop")
	m.clearFailures(pos.ID)
}

func (m *Monitor) clearFailures(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, positionID)
}
