package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"huddle/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "huddle"

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

// newLogger builds the process logger. Debug logging is auto-enabled for dev
// builds and can be forced with --debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		_ = level.UnmarshalText([]byte(cfg.Log.Level))
	}
	debug := globalFlags.debug || strings.Contains(Version, "dev") || (cfg != nil && cfg.Debug)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: globalFlags.debug}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg != nil && cfg.Log.Format == config.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func commonRun(cfg *config.Config) *slog.Logger {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	logger.Info("version: "+Version, "component", programName)
	return logger
}

// loadConfig applies explicitly set flags on top of the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("db") {
		cfg.Database.Path, _ = flags.GetString("db")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("admin-token") {
		cfg.Auth.AdminToken, _ = flags.GetString("admin-token")
	}
	if flags.Changed("chat-backend") {
		cfg.Chat.Backend, _ = flags.GetString("chat-backend")
	}
	if flags.Changed("auth-mode") {
		cfg.Auth.Mode, _ = flags.GetString("auth-mode")
	}
	if flags.Changed("tls-self-signed") {
		cfg.TLS.SelfSigned, _ = flags.GetBool("tls-self-signed")
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Room signaling relay and peer mesh tooling",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	addServeFlags(rootCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["config"] == "skip" {
			return nil
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Annotations["config"] != "lenient" {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(botCommand())
	rootCmd.AddCommand(bansCommand())
	rootCmd.AddCommand(tokenCommand())
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
