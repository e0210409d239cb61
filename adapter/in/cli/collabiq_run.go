package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	opshttp "collabiq/adapter/in/http"
	"collabiq/config"
	"collabiq/internal/bootstrap"
	"collabiq/pkg/logger"
)

const opsShutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var (
		daemonMode bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the inbox once, or continuously with --daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.CycleInterval = interval
			}

			deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			// 캐시 예열 실패는 치명적이지 않다. 첫 접근에서 다시 채운다.
			if err := deps.Reader.Warm(cmd.Context()); err != nil {
				deps.Log.Warn().
					Str("component", "cli").
					Str("operation", "warm").
					Err(err).
					Msg("cache warm failed, reads will populate lazily")
			}

			if cfg.HTTPAddr != "" {
				ops := opshttp.NewServer(opshttp.Options{
					State:    deps.StateStore,
					DLQ:      deps.DLQStore,
					Tracker:  deps.Tracker,
					Breakers: deps.Breakers,
					Probe:    deps.HealthCheck,
				}, logger.Component(deps.Log, "ops_server"))
				go func() {
					if err := ops.Listen(cfg.HTTPAddr); err != nil {
						deps.Log.Error().
							Str("component", "ops_server").
							Str("operation", "listen").
							Err(err).
							Msg("ops server stopped")
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
					defer cancel()
					_ = ops.Shutdown(ctx)
				}()
			}

			if daemonMode {
				return deps.Controller.Run(cmd.Context())
			}
			return deps.Controller.RunOnce(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&daemonMode, "daemon", false, "run continuously on the cycle interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override the cycle interval (e.g. 5m)")
	return cmd
}
