package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/agentry/pkg/config"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/presenter"
)

func init() {
	// Environment variables
	viper.SetEnvPrefix("AGENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.agentry")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()

	config.SetDefaults(viper.GetViper())
}

// shutdownTracing flushes spans; replaced once tracing is initialized.
var shutdownTracing = func(context.Context) error { return nil }

// logFile is the --log-file destination, closed on exit.
var logFile *os.File

func setupOutput(cfg config.LogConfig) error {
	presenter.SetQuiet(viper.GetBool("quiet"))
	if cfg.File == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open log file '%s'", cfg.File)
	}
	logger.SetLogOutput(f)
	logFile = f
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "agentry",
	Short: "Discover, classify and manage agent definitions",
	Long: `Agentry discovers agent definitions across the project, ancestor, user and
system tiers, classifies them, and keeps every change backed up and recorded.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromViper()
		if err != nil {
			return err
		}
		if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}
		if err := setupOutput(cfg.Log); err != nil {
			return err
		}
		shutdown, err := initTracing(cmd.Context())
		if err != nil {
			return err
		}
		shutdownTracing = shutdown
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(1)
	},
	SilenceUsage: true,
}

func main() {
	// Add global flags
	rootCmd.PersistentFlags().String("dir", "", "Directory to resolve project and ancestor tiers from (default is the working directory)")
	rootCmd.PersistentFlags().String("profile", "", "Named configuration profile to apply")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress informational output")
	rootCmd.PersistentFlags().String("user-dir", "", "User tier directory (overrides config)")
	rootCmd.PersistentFlags().String("system-dir", "", "System tier directory replacing the built-in agents")

	// Bind flags to viper
	viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("tiers.user_dir", rootCmd.PersistentFlags().Lookup("user-dir"))
	viper.BindPFlag("tiers.system_dir", rootCmd.PersistentFlags().Lookup("system-dir"))

	// Add subcommands
	rootCmd.AddCommand(withTracing(listCmd))
	rootCmd.AddCommand(withTracing(showCmd))
	rootCmd.AddCommand(withTracing(tiersCmd))
	rootCmd.AddCommand(withTracing(searchCmd))
	rootCmd.AddCommand(withTracing(statsCmd))
	rootCmd.AddCommand(withTracing(createCmd))
	rootCmd.AddCommand(withTracing(updateCmd))
	rootCmd.AddCommand(withTracing(deleteCmd))
	rootCmd.AddCommand(withTracing(restoreCmd))
	rootCmd.AddCommand(withTracing(resolveCmd))
	rootCmd.AddCommand(withTracing(historyCmd))
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if flushErr := shutdownTracing(context.Background()); flushErr != nil {
		logger.G(ctx).WithError(flushErr).Warn("failed to flush traces")
	}
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		presenter.Error(err, "")
		stop()
		os.Exit(1)
	}
}
