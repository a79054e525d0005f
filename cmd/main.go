package main

import (
	"fmt"
	"os"

	"sleepwake/internal/config"
	"sleepwake/internal/timeofday"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what every subcommand needs once the environment is loaded
type app struct {
	envFile      string
	settingsFile string

	env    *config.Env
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "sleepwake",
		Short:         "Schedules a nightly fade-out and a morning wake-up ramp on a music player",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&a.settingsFile, "settings", "", "settings file (overrides SETTINGS_FILE)")

	cmd.AddCommand(
		newServeCmd(a),
		newNextCmd(a),
		newValidateCmd(a),
	)
	return cmd
}

// load reads the dotenv file, the environment and builds the logger
func (a *app) load() error {
	dotenvErr := godotenv.Load(a.envFile)

	env, err := config.LoadEnv(os.Getenv)
	if err != nil {
		return err
	}
	if a.settingsFile != "" {
		env.SettingsFile = a.settingsFile
	}
	a.env = env

	logger, err := newLogger(env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger

	if dotenvErr != nil {
		logger.Debug("No .env file found, using environment variables", zap.String("path", a.envFile))
	}
	return nil
}

func (a *app) resolver() *timeofday.Resolver {
	return &timeofday.Resolver{Location: a.env.Location}
}

// newLogger builds a zap logger from the environment. LOG_FILE is added to
// the output paths next to stderr.
func newLogger(env *config.Env) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env.DevLogging {
		cfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(env.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", env.LogLevel, err)
	}
	cfg.Level = level

	if env.LogFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, env.LogFile)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, env.LogFile)
	}
	return cfg.Build()
}
