// dppd is a demonstration daemon for the distributed process platform: it
// starts a node hosting a key-value managed server, a prioritised worker,
// and the durable dead-letter journal, then serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"github.com/wewela/distributed-process-platform/deadletter"
	"github.com/wewela/distributed-process-platform/internal/build"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

// log is the daemon's own subsystem logger, wired in run.
var log = btclog.Disabled

// Config holds the daemon settings, loaded from the environment and
// overridable through flags.
type Config struct {
	// LogDir is where rotating log files are written when file logging
	// is enabled.
	LogDir string `env:"DPPD_LOG_DIR" envDefault:"dppd-data/logs"`

	// FileLogging enables the rotating log file alongside the console.
	FileLogging bool `env:"DPPD_FILE_LOGGING" envDefault:"false"`

	// MaxLogFiles bounds how many rotated files are kept.
	MaxLogFiles int `env:"DPPD_MAX_LOG_FILES" envDefault:"10"`

	// MaxLogFileSize is the rotation threshold in MB.
	MaxLogFileSize int `env:"DPPD_MAX_LOG_FILE_SIZE" envDefault:"20"`

	// LogLevel is the verbosity spec, e.g. "info" or
	// "info,NODE=trace".
	LogLevel string `env:"DPPD_LOG_LEVEL" envDefault:"info"`

	// MailboxCapacity is the per-process mailbox buffer size.
	MailboxCapacity int `env:"DPPD_MAILBOX_CAP" envDefault:"256"`

	// JournalPath is the SQLite file backing the dead-letter journal.
	JournalPath string `env:"DPPD_JOURNAL_PATH" envDefault:"dppd-data/journal.db"`

	// ShutdownTimeout bounds how long shutdown waits for processes to
	// exit.
	ShutdownTimeout time.Duration `env:"DPPD_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "dppd",
		Short: "Distributed process platform demo daemon",
		Long: "dppd starts a local node hosting a key-value server, " +
			"a prioritised worker, and a durable dead-letter " +
			"journal backed by SQLite.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.LogDir, "logdir", cfg.LogDir,
		"directory for rotating log files")
	flags.BoolVar(&cfg.FileLogging, "filelog", cfg.FileLogging,
		"also log to a rotating file")
	flags.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel,
		"log verbosity, e.g. \"info\" or \"info,NODE=trace\"")
	flags.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath,
		"path of the dead-letter journal database")
	flags.IntVar(&cfg.MailboxCapacity, "mailbox-cap",
		cfg.MailboxCapacity, "per-process mailbox capacity")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	// Wire logging: console always, a rotating file when enabled, and
	// per-subsystem levels from the verbosity spec.
	logCfg := &build.LogConfig{
		Console:          true,
		MaxLogFiles:      cfg.MaxLogFiles,
		MaxLogFileSizeMB: cfg.MaxLogFileSize,
		Levels:           cfg.LogLevel,
	}
	if cfg.FileLogging {
		logCfg.FileDir = cfg.LogDir
	}

	logging, err := build.NewLogging(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Close()

	log = logging.Logger(build.DaemonSubsystem)

	// Start the node and its resident servers.
	n := node.NewNode(node.WithMailboxCapacity(cfg.MailboxCapacity))

	store, err := deadletter.OpenStore(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	journal, err := deadletter.Spawn(n, store)
	if err != nil {
		return fmt.Errorf("spawn journal: %w", err)
	}

	kv := managed.Spawn(n, kvDef(journal.Self()), nil)
	if err := n.Register("kv", kv.Self()); err != nil {
		return fmt.Errorf("register kv: %w", err)
	}

	worker, err := managed.SpawnPrioritised(n, workerDef(), nil)
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	if err := n.Register("worker", worker.Self()); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	log.InfoS(ctx, "Daemon running",
		"kv", kv.Self(),
		"worker", worker.Self(),
		"journal", journal.Self())

	// Serve until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.InfoS(ctx, "Signal received, shutting down",
			"signal", sig.String())

	case <-ctx.Done():
	}

	// Stop the servers through the orderly path first so shutdown
	// handlers (including the journal's store close) run, then tear the
	// node down.
	managed.StopServer(n, kv.Self(), managed.ExitShutdown())
	managed.StopServer(n, worker.Self(), managed.ExitShutdown())
	managed.StopServer(n, journal.Self(), managed.ExitShutdown())

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), cfg.ShutdownTimeout,
	)
	defer cancel()

	return n.Shutdown(shutdownCtx)
}
