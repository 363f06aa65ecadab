package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-snapnode/internal/capture"
	"github.com/e7canasta/orion-snapnode/internal/capture/gstcam"
	"github.com/e7canasta/orion-snapnode/internal/config"
	"github.com/e7canasta/orion-snapnode/internal/delivery"
	"github.com/e7canasta/orion-snapnode/internal/network"
	"github.com/e7canasta/orion-snapnode/internal/node"
)

const defaultConfigPath = "/etc/snapnode/snapnode.yaml"

func main() {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:           "snapnoded",
		Short:         "Remotely triggered camera node",
		Long:          "snapnoded captures a still frame on remote command, flag or timer and uploads it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(debug)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the capture-and-deliver loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print it with defaults filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})

	var (
		pubkeyGenerate bool
		pubkeyPrivate  string
	)
	cmdPubkey := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the tunnel public key (or generate a new key pair)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pubkey(cmd, configPath, pubkeyPrivate, pubkeyGenerate)
		},
	}
	cmdPubkey.Flags().BoolVarP(&pubkeyGenerate, "generate", "g", false, "generate a new private key")
	cmdPubkey.Flags().StringVarP(&pubkeyPrivate, "key", "k", "", "private key (base64); defaults to tunnel.private_key from the config")
	root.AddCommand(cmdPubkey)

	var journalLimit int
	cmdJournal := &cobra.Command{
		Use:   "journal",
		Short: "Print the most recent delivery records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJournal(cmd, configPath, journalLimit)
		},
	}
	cmdJournal.Flags().IntVarP(&journalLimit, "limit", "n", 20, "number of records")
	root.AddCommand(cmdJournal)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func openGStreamer(cfg config.CaptureConfig) (capture.Device, error) {
	dev, err := gstcam.New(gstcam.Config{
		Source:      gstcam.SourceKind(cfg.Source),
		Device:      cfg.Device,
		URL:         cfg.URL,
		Pipeline:    cfg.Pipeline,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Quality:     cfg.Quality,
		GrabTimeout: cfg.GrabTimeout,
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func run(configPath string, debug bool) error {
	slog.Info("starting snapnode service",
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	n, err := node.New(cfg, node.WithDeviceFactory(openGStreamer))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := n.Start(ctx); err != nil {
		n.Close()
		return err
	}

	// systemd watchdog is fed from the orchestrator loop
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		var mu sync.Mutex
		var last time.Time
		n.Orchestrator.OnTick(func() {
			mu.Lock()
			defer mu.Unlock()
			if time.Since(last) < interval/2 {
				return
			}
			last = time.Now()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		})
		slog.Info("systemd watchdog enabled", "interval", interval)
	}

	go func() {
		if err := config.Watch(ctx, configPath, func(c *config.Config) {
			n.ApplyConfig(c)
		}); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- n.Run(ctx)
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
		cancel()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := n.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}

	slog.Info("snapnode service stopped successfully")
	return runErr
}

func pubkey(cmd *cobra.Command, configPath, private string, generate bool) error {
	out := cmd.OutOrStdout()

	if generate {
		key, err := network.GeneratePrivateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "private_key: %s\npublic_key: %s\n", key.String(), key.PublicKey().String())
		return nil
	}

	if private == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		private = cfg.Tunnel.PrivateKey
	}
	pub, err := network.PublicKeyFromPrivate(private)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, pub)
	return nil
}

func showJournal(cmd *cobra.Command, configPath string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is not set; the journal is in memory only")
	}

	j, err := delivery.OpenJournal(delivery.JournalOptions{
		Dir:          cfg.Journal.Dir,
		Mode:         delivery.PathMode(cfg.Journal.PathMode),
		Prefix:       cfg.Journal.Prefix,
		Ext:          cfg.Journal.Ext,
		StartCounter: cfg.Journal.StartCounter,
		MaxRecords:   cfg.Journal.MaxRecords,
	})
	if err != nil {
		return err
	}
	defer j.Close()

	recs, err := j.Recent(limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "next path: %s\n", j.NextPath())
	for _, r := range recs {
		status := "ok"
		if !r.Success {
			status = "FAILED " + r.Error
		}
		fmt.Fprintf(out, "%6d  %s  %-16s %-22s %8d  %s\n",
			r.Seq,
			time.UnixMilli(r.StartedMs).Format(time.RFC3339),
			r.Trigger,
			r.Path,
			r.Size,
			status,
		)
	}
	return nil
}
