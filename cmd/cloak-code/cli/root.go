// Package cli implements the cloak-code command-line interface using
// Cobra: a single long-running proxy process plus a handful of
// diagnostic subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewgibson-cic/cloak-code/internal/config"
	"github.com/andrewgibson-cic/cloak-code/internal/dispatcher"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
	"github.com/andrewgibson-cic/cloak-code/internal/proxy"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	verbose      bool
	jsonOut      bool
	bindAddr     string
	port         int
	caDir        string
	logDir       string
	logRetention int
)

var rootCmd = &cobra.Command{
	Use:   "cloak-code",
	Short: "A credential-injection proxy for AI agent traffic",
	Long: `cloak-code sits between an agent and the internet as an HTTP/HTTPS
proxy. It substitutes real secrets for the dummy placeholders an agent
is handed, only on the wire, and only to hosts explicitly authorized
for that secret. The agent process never holds a real credential.

Run with no subcommand to start the proxy in the foreground.`,
	SilenceUsage: true,
	RunE:         runProxy,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "127.0.0.1", "address to bind the proxy listener to")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (0 = OS-assigned)")
	rootCmd.Flags().StringVar(&caDir, "ca-dir", "", "directory holding (or to generate) the interception CA; empty disables TLS interception and tunnels CONNECT requests opaquely")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for rotating debug log files; empty disables file logging")
	rootCmd.Flags().IntVar(&logRetention, "log-retention-days", 7, "days to retain rotated debug log files")
}

func runProxy(cmd *cobra.Command, args []string) error {
	if err := log.Init(log.Options{
		Verbose:       verbose,
		JSONFormat:    jsonOut,
		DebugDir:      logDir,
		RetentionDays: logRetention,
	}); err != nil {
		cmd.PrintErrf("warning: failed to initialize debug logging: %v\n", err)
	}
	defer log.Close()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	stats := &dispatcher.Stats{}
	d := dispatcher.New(cfg, stats)
	p := proxy.NewProxy(d)

	if caDir != "" {
		ca, err := proxy.NewCA(caDir)
		if err != nil {
			return fmt.Errorf("initializing interception CA: %w", err)
		}
		p.SetCA(ca)
		log.Info("TLS interception enabled", "subsystem", "cli", "ca_dir", caDir)
	} else {
		log.Info("TLS interception disabled, CONNECT requests tunneled opaquely", "subsystem", "cli")
	}

	server := proxy.NewServer(p)
	server.SetBindAddr(bindAddr)
	server.SetPort(port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting proxy listener: %w", err)
	}

	log.Info("cloak-code listening",
		"subsystem", "cli",
		"addr", server.Addr(),
		"config_mode", string(cfg.Mode),
		"strategies_loaded", len(cfg.Strategies),
		"rules_loaded", len(cfg.Rules))
	fmt.Printf("cloak-code listening on %s\n", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Error("error shutting down proxy listener", "subsystem", "cli", "error", err)
	}

	stats.LogSummary(cfg.Mode, len(cfg.Strategies), len(cfg.Rules))
	return nil
}
