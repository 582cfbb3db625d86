package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/presenter"
	"github.com/jingkaihe/agentry/pkg/server"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Host  string
	Port  int
	Watch bool
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Host:  "localhost",
		Port:  8741,
		Watch: true,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent registry API server",
	Long: `Start a local HTTP server exposing the registry queries and the lifecycle
operations as a JSON API. When modification tracking is enabled the tier
directories are watched for as long as the server runs.

The server will be available at http://localhost:8741 by default.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := getServeConfigFromFlags(cmd)
		runServeCommand(ctx, config)
	},
}

func init() {
	defaults := NewServeConfig()
	serveCmd.Flags().String("host", defaults.Host, "Host to bind the API server to")
	serveCmd.Flags().Int("port", defaults.Port, "Port to bind the API server to")
	serveCmd.Flags().Bool("watch", defaults.Watch, "Watch tier directories while serving (needs tracker.enabled)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

// getServeConfigFromFlags reads the listen address from viper so the config
// file and environment apply, and the rest from flags.
func getServeConfigFromFlags(cmd *cobra.Command) *ServeConfig {
	config := NewServeConfig()
	if host := viper.GetString("server.host"); host != "" {
		config.Host = host
	}
	if port := viper.GetInt("server.port"); port != 0 {
		config.Port = port
	}
	if watch, err := cmd.Flags().GetBool("watch"); err == nil {
		config.Watch = watch
	}
	return config
}

// validateServeConfig validates the serve configuration
func validateServeConfig(config *ServeConfig) error {
	if config.Host == "" {
		return errors.New("host cannot be empty")
	}
	if config.Host != "localhost" && config.Host != "0.0.0.0" {
		if ip := net.ParseIP(config.Host); ip == nil {
			if strings.Contains(config.Host, " ") || strings.Contains(config.Host, ":") {
				return errors.Errorf("invalid host: %s", config.Host)
			}
		}
	}
	if config.Port < 1 || config.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}
	if config.Port < 1024 {
		logger.G(context.Background()).WithField("port", config.Port).Warn("using privileged port (< 1024) may require elevated permissions")
	}
	return nil
}

// runServeCommand starts the API server and, when enabled, the tracker
func runServeCommand(ctx context.Context, config *ServeConfig) {
	if err := validateServeConfig(config); err != nil {
		fail(err, "invalid server configuration")
	}
	ctx = logger.WithComponent(ctx, "server")

	a := mustApp(ctx)
	defer a.Close()

	var history server.History
	if a.tracker != nil {
		history = a.tracker
		if config.Watch {
			tierList, err := a.registry.Tiers(ctx)
			if err != nil {
				fail(err, "failed to resolve tiers")
			}
			if err := a.tracker.Start(ctx, tierList); err != nil {
				fail(err, "failed to start the modification tracker")
			}
		}
	}

	srv, err := server.New(&server.Config{Host: config.Host, Port: config.Port}, a.registry, a.lifecycle, history)
	if err != nil {
		fail(err, "failed to create API server")
	}

	logger.G(ctx).WithFields(map[string]interface{}{
		"host":     config.Host,
		"port":     config.Port,
		"tracking": a.tracker != nil,
	}).Info("Starting API server")

	presenter.Success(fmt.Sprintf("API server starting on http://%s:%d/api", config.Host, config.Port))
	presenter.Info("Press Ctrl+C to stop the server")

	if err := srv.Start(ctx); err != nil {
		logger.G(ctx).WithError(err).Error("API server error")
		fail(err, "API server failed")
	}

	presenter.Info("API server stopped")
}
