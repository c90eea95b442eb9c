/*
Socket Policy Gateway - Flash socket policy server fronting a TCP backend.

Usage:

	spgd [flags]
	spgd version
	spgd config dump [flags]
	spgd config validate [flags]
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nishidake/spg/internal/config"
	"github.com/nishidake/spg/internal/gateway"
	"github.com/nishidake/spg/internal/logbuf"
	"github.com/nishidake/spg/internal/logging"
	"github.com/nishidake/spg/internal/manage"
	"github.com/nishidake/spg/internal/policy"
	"github.com/nishidake/spg/internal/probe"
	"github.com/nishidake/spg/internal/stats"
	"github.com/nishidake/spg/internal/version"
)

var (
	// CLI flags that override config file values when explicitly set.
	flagAddr       string
	flagBackend    string
	flagPolicyFile string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "spgd",
	Short: "Socket Policy Gateway - Flash socket policy server fronting a TCP backend",
	RunE:  runGateway,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: spgd.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for stats.db")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVarP(&flagBackend, "backend", "b", "", "backend address (host:port)")
	rootCmd.Flags().StringVarP(&flagPolicyFile, "policy-file", "p", "", "path to the policy document served to matched clients")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if cmd.Flags().Changed("backend") {
		overrides.Backend = &flagBackend
	}
	if cmd.Flags().Changed("policy-file") {
		overrides.PolicyFile = &flagPolicyFile
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logBuffer := logbuf.New(1000)
	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
		Buffer:  logBuffer,
	})
	defer cleanup()

	// The policy document is loaded once; a missing or empty file is a
	// startup failure, never a silent fallback.
	payload, err := policy.LoadPayload(cfg.PolicyFile)
	if err != nil {
		return err
	}

	logger.Info("policy document loaded",
		"path", cfg.PolicyFile,
		"bytes", payload.Len(),
	)

	// Stats collector is always active for in-memory counters.
	collector := stats.NewCollector()

	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		statsDBPath := filepath.Join(cfg.DataDir, "stats.db")
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	gw := gateway.New(&gateway.Config{
		ListenAddr:     cfg.Listen,
		BackendAddr:    cfg.Backend,
		Payload:        payload,
		Logger:         logger,
		Verbose:        cfg.Verbose,
		ConnectTimeout: cfg.Timeouts.Connect.Duration,
		OnPolicyServed: collector.RecordPolicyServed,
		OnPassthrough:  collector.RecordPassthrough,
		OnTunnelClose:  collector.RecordBytes,
		OnSniffError:   collector.RecordSniffError,
	})

	// Management server is optional; an empty listen address disables it.
	var mgmt *manage.Server
	if cfg.Management.Listen != "" {
		var statsHandler http.HandlerFunc
		if cfg.Stats.Enabled {
			statsHandler = probe.StatsHandler(&probe.StatsProvider{
				Info:      gw,
				Collector: collector,
				DB:        statsDB,
				RDNS:      probe.NewReverseDNS(10 * time.Minute),
			})
		} else {
			statsHandler = probe.StatsDisabledHandler()
		}

		mgmt = manage.New(&manage.Config{
			Listen:     cfg.Management.Listen,
			PathPrefix: cfg.Management.PathPrefix,
			Heartbeat:  probe.HeartbeatHandler(gw, payload.Len(), cfg.Backend),
			Stats:      statsHandler,
			LogBuffer:  logBuffer,
			Logger:     logger,
		})

		go func() {
			if err := mgmt.ListenAndServe(); err != nil {
				logger.Error("management server error", "error", err)
			}
		}()
	}

	if statsDB != nil {
		statsDB.Start()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("gateway starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"backend", cfg.Backend,
			"policy_file", cfg.PolicyFile,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"stats_enabled", cfg.Stats.Enabled,
			"management", cfg.Management.Listen,
		)
		if err := gw.ListenAndServe(); err != nil {
			logger.Error("gateway error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if mgmt != nil {
		if err := mgmt.Shutdown(shutdownCtx); err != nil {
			logger.Error("management shutdown error", "error", err)
		}
	}

	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Stats DB close (with final flush) happens via defer above.

	logger.Info("gateway stopped")
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
