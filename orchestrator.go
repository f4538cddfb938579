// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/exchange"
	"atra_engine/filters"
	"atra_engine/guard"
	"atra_engine/logs"
	"atra_engine/market"
	"atra_engine/notify"
	"atra_engine/position"
	"atra_engine/profit"
	"atra_engine/risk"
	"atra_engine/scorer"
	"atra_engine/signal"
	"atra_engine/state"
)

const profitStateName = "profit"

type profitState struct {
	RealizedPnl float64 `json:"realized_pnl"`
	PeakEquity  float64 `json:"peak_equity"`
}

// Orchestrator wires the engine together and drives the evaluation loop:
// data window -> filters -> evaluator -> risk gate -> lifecycle manager,
// with the risk monitor and protective order guard running alongside.
type Orchestrator struct {
	cfg *config.Config

	client     exchange.Client
	provider   market.Provider
	cache      *market.WindowCache
	evaluator  *signal.Evaluator
	flags      *risk.FlagSet
	gate       *risk.Gate
	riskMon    *risk.Monitor
	manager    *position.Manager
	guardian   *guard.Monitor
	accountant *profit.Accountant
	store      state.Store
	auditLog   *audit.FileLog
	notifier   notify.Notifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator builds the full engine from config and environment.
func NewOrchestrator(cfg *config.Config, env *config.EnvConfig) (*Orchestrator, error) {
	var client exchange.Client
	if cfg.UseSimulation {
		logs.Warnf("[Orchestrator] running with simulated exchange client")
		client = exchange.NewMockClient()
	} else {
		client = exchange.NewAPIClient(env.ApiKey, env.ApiSecret, env.BaseURL,
			cfg.Normal.HTTPTimeoutSeconds, cfg.Normal.RecvWindowSeconds)
	}

	store, err := state.NewFileStore(cfg.Normal.StateDirectory)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewFileLog(cfg.Normal.AuditDirectory, "audit.jsonl")
	if err != nil {
		return nil, err
	}
	notifier := notify.FromConfig(cfg.Notify.Enabled, cfg.Notify.WebhookURL)

	httpTimeout := time.Duration(cfg.Normal.HTTPTimeoutSeconds) * time.Second
	cache := market.NewWindowCache(time.Duration(cfg.Market.CacheTTLSeconds) * time.Second)
	provider := market.NewCachedProvider(
		market.NewRESTProvider(cfg.Market.DataBaseURL, httpTimeout, cfg.Market.WindowSize), cache)

	registry := filters.NewRegistry(
		filters.NewRSIFilter(),
		filters.NewEMATrendFilter(),
		filters.NewMACDFilter(),
		filters.NewBollingerFilter(),
		filters.NewVolumeFilter(),
		filters.NewTrendAlignmentFilter(provider, cfg.ReferenceSymbol, cfg.Market.Timeframe),
	)
	if cfg.Market.ScorerBaseURL != "" {
		registry.Add(filters.NewSentimentFilter(scorer.NewRESTScorer(cfg.Market.ScorerBaseURL, httpTimeout), 0.45))
	}

	mode, err := signal.ParseMode(cfg.Evaluation.Mode)
	if err != nil {
		return nil, err
	}
	evaluator := signal.NewEvaluator(registry, mode,
		cfg.Evaluation.FilterWeights, cfg.Evaluation.HardBlockFilters,
		cfg.Evaluation.LongThreshold, cfg.Evaluation.ShortThreshold, cfg.Evaluation.VolatileBonus)

	flags := risk.NewFlagSet()
	accountant := profit.NewAccountant(cfg.Equity)
	manager := position.NewManager(cfg.Lifecycle, client, store, auditLog, notifier, accountant)
	gate := risk.NewGate(cfg.Risk, cfg.Lifecycle, manager, flags)
	riskMon := risk.NewMonitor(cfg.Risk, flags, store, auditLog)
	riskMon.Track(cfg.AccountID, accountant)
	guardian := guard.NewMonitor(cfg.Guard, client, manager, flags, notifier, auditLog)

	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		provider:   provider,
		cache:      cache,
		evaluator:  evaluator,
		flags:      flags,
		gate:       gate,
		riskMon:    riskMon,
		manager:    manager,
		guardian:   guardian,
		accountant: accountant,
		store:      store,
		auditLog:   auditLog,
		notifier:   notifier,
	}, nil
}

// Start reconciles persisted state against the exchange, then launches the
// evaluation loop, the risk monitor, the guard and the heartbeat.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.client.SyncTime(); err != nil {
		return fmt.Errorf("initial time sync failed: %w", err)
	}
	if err := o.riskMon.RestoreFlags(); err != nil {
		return err
	}
	o.restoreProfit()
	if err := o.manager.Restore(ctx); err != nil {
		return err
	}
	// One guard sweep before trading so restored positions regain any
	// protective orders lost while the engine was down.
	o.guardian.Sweep(ctx)

	o.goLoop(func() { o.riskMon.Run(ctx) })
	o.goLoop(func() { o.guardian.Run(ctx) })
	o.goLoop(func() { o.evalLoop(ctx) })
	o.goLoop(func() { o.heartbeatLoop(ctx) })
	logs.Infof("[Orchestrator] started: account %s, %d symbol(s), mode %s",
		o.cfg.AccountID, len(o.cfg.Symbols), o.evaluator.Mode())
	return nil
}

// Stop cancels all loops and flushes state.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.persistProfit()
	if err := o.auditLog.Close(); err != nil {
		logs.Warnf("[Orchestrator] audit close: %v", err)
	}
	logs.Infof("[Orchestrator] stopped")
}

func (o *Orchestrator) goLoop(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

func (o *Orchestrator) evalLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Normal.EvalIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range o.cfg.Symbols {
				o.evaluateSymbol(ctx, symbol)
			}
		}
	}
}

// evaluateSymbol runs one decision pass for a symbol: advance any live
// position at the current price, then evaluate entry candidates.
func (o *Orchestrator) evaluateSymbol(ctx context.Context, symbol string) {
	accountID := o.cfg.AccountID
	flags := o.flags.For(accountID)
	if flags.EmergencyStop() {
		o.manager.FlattenAccount(ctx, accountID, "emergency_stop")
		return
	}

	w, err := o.provider.GetWindow(ctx, symbol, o.cfg.Market.Timeframe)
	if err != nil {
		if errors.Is(err, market.ErrDataUnavailable) {
			logs.Warnf("[Orchestrator] %s: market data unavailable, skipping cycle: %v", symbol, err)
		} else {
			logs.Errorf("[Orchestrator] %s: window fetch failed: %v", symbol, err)
		}
		return
	}
	price := w.LastClose()

	if existing := o.manager.ActiveFor(accountID, symbol); existing != nil {
		if err := o.manager.CheckPrice(ctx, existing.ID, price); err != nil {
			logs.Errorf("[Orchestrator] %s: lifecycle check failed: %v", symbol, err)
		}
	}

	ev := o.bestEvaluation(ctx, w)
	if ev == nil || ev.Signal == nil {
		return
	}
	sig := ev.Signal

	existing := o.manager.ActiveFor(accountID, symbol)
	if existing != nil {
		if existing.Side == sig.Side {
			// Same-direction signal while holding: a DCA add if price is
			// adverse enough, otherwise nothing to do.
			if err := o.manager.AddDCA(ctx, existing.ID, price, w.ATRPct()); err != nil {
				logs.Debugf("[Orchestrator] %s: DCA not taken: %v", symbol, err)
			}
			return
		}
		// Opposite signal: the close must fully confirm before any new
		// entry is attempted.
		logs.Infof("[Orchestrator] %s: opposite %s signal against open %s position, closing first",
			symbol, sig.Side, existing.Side)
		if err := o.manager.Close(ctx, existing.ID, "opposite_signal"); err != nil {
			logs.Errorf("[Orchestrator] %s: reversal close failed, entry skipped: %v", symbol, err)
			return
		}
	}
	o.openFromSignal(ctx, sig, w)
}

// bestEvaluation evaluates both directions and returns the unblocked one
// with the higher quality score, or nil when both are blocked.
func (o *Orchestrator) bestEvaluation(ctx context.Context, w *market.Window) *signal.Evaluation {
	long := o.evaluator.Evaluate(ctx, w, market.Long)
	short := o.evaluator.Evaluate(ctx, w, market.Short)

	var best *signal.Evaluation
	if !long.Blocked && long.Signal != nil {
		best = &long
	}
	if !short.Blocked && short.Signal != nil {
		if best == nil || short.QualityScore > best.QualityScore {
			best = &short
		}
	}
	return best
}

func (o *Orchestrator) openFromSignal(ctx context.Context, sig *signal.CandidateSignal, w *market.Window) {
	accountID := o.cfg.AccountID
	adm, err := o.gate.Admit(ctx, accountID, sig, w.Returns(), o.accountant.Equity())
	if err != nil {
		var v *risk.Violation
		if errors.As(err, &v) {
			logs.Infof("[Orchestrator] %s %s rejected: %v", sig.Symbol, sig.Side, v)
		} else {
			logs.Errorf("[Orchestrator] %s admission error: %v", sig.Symbol, err)
		}
		return
	}

	pos, err := o.manager.Open(ctx, accountID, sig, adm, w)
	if err != nil {
		o.gate.Release(accountID, adm.ID)
		logs.Errorf("[Orchestrator] %s entry failed: %v", sig.Symbol, err)
		return
	}
	o.gate.Commit(accountID, adm.ID)
	logs.Infof("[Orchestrator] position %s opened on %s (score %.2f)", pos.ID, sig.Symbol, sig.QualityScore)
}

// heartbeatLoop logs liveness, re-syncs exchange time and checkpoints the
// profit ledger.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(o.cfg.Normal.HeartbeatIntervalMinutes) * time.Minute)
	timeSync := time.NewTicker(time.Duration(o.cfg.Normal.TimeSyncIntervalMinutes) * time.Minute)
	defer heartbeat.Stop()
	defer timeSync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			snap := o.accountant.Snapshot()
			logs.Infof("[Heartbeat] alive: %d active position(s), equity %.2f, drawdown %.2f%%, daily PnL %.2f",
				len(o.manager.ActiveAll()), snap.Equity, snap.DrawdownPct, snap.DailyPnl)
			o.cache.Purge()
			o.persistProfit()
		case <-timeSync.C:
			if err := o.client.SyncTime(); err != nil {
				logs.Warnf("[Heartbeat] time sync failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) persistProfit() {
	snap := o.accountant.Snapshot()
	if err := o.store.Save(profitStateName, profitState{
		RealizedPnl: snap.RealizedPnl,
		PeakEquity:  o.accountant.PeakEquity(),
	}); err != nil {
		logs.Warnf("[Orchestrator] profit checkpoint failed: %v", err)
	}
}

func (o *Orchestrator) restoreProfit() {
	var ps profitState
	found, err := o.store.Load(profitStateName, &ps)
	if err != nil {
		logs.Warnf("[Orchestrator] profit restore failed: %v", err)
		return
	}
	if found {
		o.accountant.Restore(ps.RealizedPnl, ps.PeakEquity)
		logs.Infof("[Orchestrator] restored realized PnL %.4f (peak equity %.2f)", ps.RealizedPnl, ps.PeakEquity)
	}
}

// LogFilePath is where the rotating engine log lives for this config.
func LogFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.Normal.LogDirectory, "engine.log")
}
