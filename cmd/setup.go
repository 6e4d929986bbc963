package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BDNK1/chatflow/plugins/api"
	"github.com/BDNK1/chatflow/plugins/postgres"
	"github.com/BDNK1/chatflow/runtime"
)

// loadConfig reads the configuration file, or returns the defaults when no
// file was given.
func loadConfig() (*runtime.AppConfig, error) {
	if configPath == "" {
		cfg := &runtime.AppConfig{}
		if err := runtime.InitializeConfig(cfg, nil); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return runtime.LoadAppConfig(configPath)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// registerPlugins registers the api plugin, and the postgres plugin when
// it is configured.
func registerPlugins(app *runtime.App) error {
	if err := app.RegisterPlugin("api", &api.APIPlugin{}); err != nil {
		return fmt.Errorf("api plugin: %w", err)
	}
	if _, ok := app.Config.Plugins["postgres"]; ok {
		if err := app.RegisterPlugin("postgres", &postgres.PostgresPlugin{}); err != nil {
			return fmt.Errorf("postgres plugin: %w", err)
		}
	}
	return nil
}
