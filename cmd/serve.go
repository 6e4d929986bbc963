package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/engine/dsl"
	"github.com/BDNK1/chatflow/runtime/store"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve loads every bot manifest of bots_dir, opens the SQLite database
and serves the chat API.

Example:
  chatflow serve --config chatflow.yaml
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, newLogger(cfg.Engine.Debug))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	l := telemetry.Logger

	st, err := store.OpenSQLiteStore(cfg.Database, l)
	if err != nil {
		return fmt.Errorf("error opening database %s: %w", cfg.Database, err)
	}

	app := runtime.NewApp(l, cfg, dsl.NewBotLoader(nil), st)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			l.Error("Shutdown failed", "error", err)
		}
	}()

	if err := registerPlugins(app); err != nil {
		return err
	}
	if err := app.LoadBots(cfg.BotsDir); err != nil {
		return err
	}
	if err := app.Start(ctx, dsl.NewStepExecutor(l, cfg.Engine, app.Container)); err != nil {
		return err
	}

	if !cfg.Engine.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.New()
	g.Use(gin.Recovery())
	runtime.NewHttpHandler(app, g)

	server := &http.Server{Addr: cfg.Addr, Handler: g}
	errCh := make(chan error, 1)
	go func() {
		l.Info(fmt.Sprintf("Listening on %s with bots %v", cfg.Addr, app.BotIDs()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		l.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
