// Command controlplane is the process entry point for the multi-agent
// control plane (spec.md §1): it assembles an appctx.AppContext and
// serves the ingress HTTP surface of spec.md §6. Grounded on the pack's
// cobra-based CLI pattern (DimaJoyti-go-coffee/internal/cli/root.go:
// PersistentPreRunE timing, versioned root command), adapted down to this
// control plane's two subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/controlplane/fleet/internal/appctx"
	"github.com/controlplane/fleet/internal/config"
	"github.com/spf13/cobra"
)

// version/commit/date are set at build time via -ldflags, matching the
// pack's build-info injection convention; zero values are fine for a
// locally built binary.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "controlplane",
		Short:         "Multi-agent control plane: registry, governance pipeline, orchestrator",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("controlplane %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's HTTP surface and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []config.Option{}
			if port != 0 {
				opts = append(opts, config.WithPort(port))
			}
			cfg, err := config.Load(opts...)
			if err != nil {
				return fmt.Errorf("controlplane: load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override the listen port (defaults to $PORT or 8080)")
	return cmd
}

func runServe(parentCtx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := appctx.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("controlplane: build app context: %w", err)
	}
	app.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: app.HTTPServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("controlplane listening", map[string]interface{}{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		app.Logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		return fmt.Errorf("controlplane: serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	return app.Shutdown(shutdownCtx)
}
