// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"atra_engine/audit"
	"atra_engine/config"
	"atra_engine/logs"
	"atra_engine/risk"
	"atra_engine/state"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "atra",
		Short:         "ATRA futures trading decision engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to config.yaml")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		RunE:  runEngine,
	}

	resetCmd := &cobra.Command{
		Use:   "reset-risk [account-id]",
		Short: "Explicitly clear an account's risk flags back to NORMAL",
		Args:  cobra.ExactArgs(1),
		RunE:  resetRisk,
	}

	rootCmd.AddCommand(runCmd, resetCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	// Missing .env is fine, credentials may come from the environment.
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logs.Init(cfg.Logs, LogFilePath(cfg)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Close()

	env := config.LoadEnvConfig()
	if !cfg.UseSimulation && (env.ApiKey == "" || env.ApiSecret == "") {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY are required outside simulation mode")
	}

	orch, err := NewOrchestrator(cfg, env)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logs.Infof("[Main] shutdown signal received")
	orch.Stop()
	return nil
}

// resetRisk is the operator action that clears HALTED or WARNING flags. The
// engine never relaxes them on its own.
func resetRisk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logs.Init(cfg.Logs, LogFilePath(cfg)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Close()

	store, err := state.NewFileStore(cfg.Normal.StateDirectory)
	if err != nil {
		return err
	}
	auditLog, err := audit.NewFileLog(cfg.Normal.AuditDirectory, "audit.jsonl")
	if err != nil {
		return err
	}
	defer auditLog.Close()

	flags := risk.NewFlagSet()
	monitor := risk.NewMonitor(cfg.Risk, flags, store, auditLog)
	if err := monitor.RestoreFlags(); err != nil {
		return err
	}
	accountID := args[0]
	before := flags.For(accountID).Snapshot()
	monitor.ResetAccount(accountID)
	fmt.Printf("account %s: %s -> NORMAL\n", accountID, before.Level)
	return nil
}
