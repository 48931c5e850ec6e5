package cli

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thruflo/foreman/internal/server"
	"github.com/thruflo/foreman/web"
)

var (
	serveAddr             string
	serveNoRecovery       bool
	serveRecoverDiscovery bool
	serveNoDashboard      bool
	serveWebDir           string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and its HTTP API",
	Long: `Loads persisted sessions, resumes those left stuck by a previous process,
and serves the HTTP API and websocket event stream until interrupted.

Sessions interrupted in discovery are not resumed automatically unless
--recover-discovery is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveNoRecovery, "no-recovery", false, "do not resume stuck sessions")
	serveCmd.Flags().BoolVar(&serveRecoverDiscovery, "recover-discovery", false, "also resume sessions stuck in discovery")
	serveCmd.Flags().BoolVar(&serveNoDashboard, "no-dashboard", false, "do not serve the dashboard at /")
	serveCmd.Flags().StringVar(&serveWebDir, "web-dir", "", "serve dashboard files from this directory instead of the embedded copy")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{includeDiscovery: serveRecoverDiscovery})
	if err != nil {
		return err
	}
	defer rt.Close()

	var assets fs.FS
	if !serveNoDashboard {
		assets = web.Assets(serveWebDir)
	}
	srv, err := server.New(server.Options{
		Config:   cfg.Server,
		Registry: rt.registry,
		Answerer: rt.controller,
		Launcher: rt.supervisor,
		Events:   rt.hub,
		Gatherer: rt.prometheus,
		Assets:   assets,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if cfg.Server.TokenHash == "" {
		logger.Warn("server.token_hash is empty; the API is unauthenticated")
	}

	if _, err := rt.scanner.ResumeIdle(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if !serveNoRecovery {
		g.Go(func() error {
			err := rt.scanner.Run(gctx, cfg.Limits.RecoveryScanInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	logger.Info("foreman started", "addr", cfg.Server.Addr, "sessions", len(rt.registry.List()))
	err = g.Wait()
	logger.Info("foreman stopping")
	return err
}
