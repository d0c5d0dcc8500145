package cli

import (
	"github.com/dmitrijs2005/lifemanager/internal/daemon"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/spf13/cobra"
)

func newDaemonCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync engine",
		Long: `Run the sync engine in the foreground until interrupted.

The daemon syncs every configured provider on the configured schedule,
after local edits and when asked to by "lm sync". Logs go to the data
directory and to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			logger, closer, err := logging.New(logging.Options{
				File:    cfg.LogPath(),
				Level:   cfg.LogLevel,
				Console: true,
				Stderr:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			app, err := daemon.NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
