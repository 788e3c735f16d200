package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

func newWorkerCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the queue worker against the shared database",
		Long: "Run only the queue worker. Jobs are claimed from the database, so any number of\n" +
			"API servers can feed it. A file lock keeps one worker per host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := cctx.logger(cfg)

			lock := flock.New(cfg.Worker.LockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire worker lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another worker is already running (lock %s)", cfg.Worker.LockFile)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					log.Warn().Err(err).Msg("failed to release worker lock")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := openServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			log.Info().Str("version", version).Str("lock", cfg.Worker.LockFile).Msg("standalone worker starting")
			return svc.newWorker(nil).Run(ctx)
		},
	}
}
