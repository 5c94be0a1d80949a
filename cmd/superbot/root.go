package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/superbot/pkg/client"
	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/database"
	"github.com/aeolun/superbot/pkg/handlers"
	"github.com/aeolun/superbot/pkg/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "superbot",
		Short:        "Multi-clone chat bot",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newRunCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Superbot %s\n", Version)
			if !check {
				return nil
			}
			release, newer, err := updater.NewChecker().Check(cmd.Context(), Version)
			if err != nil {
				return err
			}
			if newer {
				fmt.Fprintf(out, "New version available: %s (%s)\n", release.TagName, release.HTMLURL)
			} else {
				fmt.Fprintln(out, "You're already on the latest version!")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check GitHub for a newer release")
	return cmd
}

// checkForUpdate logs when a newer release has been published
func checkForUpdate(ctx context.Context) {
	release, newer, err := updater.NewChecker().Check(ctx, Version)
	if err != nil {
		log.Printf("Update check failed: %v", err)
		return
	}
	if newer {
		log.Printf("New version available: %s (%s)", release.TagName, release.HTMLURL)
	}
}

type runOptions struct {
	configPath  string
	debug       bool
	metricsAddr string
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every configured clone and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "~/.superbot/config.toml", "Path to config file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	return cmd
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Printf("Config: %s", cfg.Path())

	if opts.debug {
		client.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if path := cfg.StateDB(); path != "" {
		path, err := config.ExpandPath(path)
		if err != nil {
			return err
		}
		db, err := database.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		defer db.Close()
		if err := cfg.SetPersister(db); err != nil {
			return err
		}
		log.Printf("Database: %s", path)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	manager := client.NewManager(cfg, handlers.Catalog(), reg)

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("Serving metrics on http://%s/metrics", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
		defer srv.Close()
	}

	if Version != "dev" {
		go checkForUpdate(ctx)
	}

	log.Printf("Superbot %s starting with clones %v", Version, cfg.Clones())
	err = manager.Run(ctx)
	log.Println("Superbot stopped")
	return err
}
