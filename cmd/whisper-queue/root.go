package main

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snarg/whisper-queue/internal/config"
)

// commandContext loads configuration once per invocation. Commands that talk
// to a remote server (client) never touch it.
type commandContext struct {
	overrides config.Overrides

	once   sync.Once
	config *config.Config
	err    error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		c.config, c.err = config.Load(c.overrides)
	})
	return c.config, c.err
}

// logger builds the process logger at the configured level.
func (c *commandContext) logger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "whisper-queue",
		Short:         "Speech-to-text job queue and API server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flags.StringVar(&ctx.overrides.LogLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	flags.StringVar(&ctx.overrides.DatabaseURL, "database-url", "", "Database URL (overrides DATABASE_URL)")
	flags.StringVar(&ctx.overrides.UploadDir, "upload-dir", "", "Audio upload directory (overrides UPLOAD_DIR)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newKeysCommand(ctx))
	rootCmd.AddCommand(newClientCommand())

	return rootCmd
}
