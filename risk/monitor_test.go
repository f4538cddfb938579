// risk/monitor_test.go
package risk

import (
	"testing"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/profit"
	"atra_engine/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitorRig() (*Monitor, *FlagSet, *profit.Accountant, *state.MemoryStore, *audit.MemoryLog) {
	cfg := &config.RiskConfig{
		DrawdownWarningPct:     5,
		DrawdownStopPct:        10,
		DailyLossLimitPct:      8,
		MonitorIntervalSeconds: 1,
	}
	flags := NewFlagSet()
	store := state.NewMemoryStore()
	auditLog := audit.NewMemoryLog()
	acct := profit.NewAccountant(10000)
	mon := NewMonitor(cfg, flags, store, auditLog)
	mon.Track("acct-1", acct)
	return mon, flags, acct, store, auditLog
}

func TestMonitorEscalatesOnDrawdown(t *testing.T) {
	mon, flags, acct, _, auditLog := monitorRig()

	acct.RecordRealized(-600) // 6% drawdown
	mon.CheckAll()
	assert.Equal(t, LevelWarning, flags.For("acct-1").Level())

	acct.RecordRealized(-600) // 12% drawdown
	mon.CheckAll()
	assert.Equal(t, LevelHalted, flags.For("acct-1").Level())
	assert.Len(t, auditLog.ByKind(audit.KindRiskEscalation), 2)
}

func TestMonitorNeverRelaxesOnRecovery(t *testing.T) {
	mon, flags, acct, _, _ := monitorRig()

	acct.RecordRealized(-1100)
	mon.CheckAll()
	require.Equal(t, LevelHalted, flags.For("acct-1").Level())

	// Full recovery of the loss changes nothing without an operator reset.
	acct.RecordRealized(1100)
	mon.CheckAll()
	assert.Equal(t, LevelHalted, flags.For("acct-1").Level())
}

func TestExplicitResetReturnsToNormal(t *testing.T) {
	mon, flags, acct, store, auditLog := monitorRig()

	acct.RecordRealized(-1100)
	mon.CheckAll()
	require.Equal(t, LevelHalted, flags.For("acct-1").Level())

	mon.ResetAccount("acct-1")
	assert.Equal(t, LevelNormal, flags.For("acct-1").Level())
	assert.Len(t, auditLog.ByKind(audit.KindRiskReset), 1)

	// The reset is persisted, a restart stays NORMAL.
	var snap map[string]FlagsSnapshot
	found, err := store.Load("risk_flags", &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, LevelNormal, snap["acct-1"].Level)
}

func TestFlagsSurviveRestart(t *testing.T) {
	mon, flags, acct, store, auditLog := monitorRig()

	acct.RecordRealized(-1100)
	mon.CheckAll()
	require.Equal(t, LevelHalted, flags.For("acct-1").Level())

	fresh := NewFlagSet()
	mon2 := NewMonitor(&config.RiskConfig{}, fresh, store, auditLog)
	require.NoError(t, mon2.RestoreFlags())
	assert.Equal(t, LevelHalted, fresh.For("acct-1").Level())
}

func TestEscalateIsOneDirectional(t *testing.T) {
	f := NewFlags()
	assert.True(t, f.Escalate(LevelWarning, "w"))
	assert.False(t, f.Escalate(LevelWarning, "again"))
	assert.False(t, f.Escalate(LevelNormal, "down"))
	assert.True(t, f.Escalate(LevelHalted, "h"))
	assert.Equal(t, LevelHalted, f.Level())
}

func TestEmergencyStopImpliesHalted(t *testing.T) {
	f := NewFlags()
	f.SetEmergencyStop("protective repair exhausted")
	assert.True(t, f.EmergencyStop())
	assert.Equal(t, LevelHalted, f.Level())

	f.Reset()
	assert.False(t, f.EmergencyStop())
	assert.Equal(t, LevelNormal, f.Level())
}
