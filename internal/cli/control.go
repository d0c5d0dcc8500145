package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/control"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/spf13/cobra"
)

const controlTimeout = 10 * time.Second

// overridden in tests
var authPollInterval = time.Second

func withControl(cmd *cobra.Command, opts *Options, fn func(ctx context.Context, c controlClient) error) error {
	c, err := dialControl(opts.cfg)
	if err != nil {
		return explain(err)
	}
	defer c.Close()
	return explain(fn(cmd.Context(), c))
}

func explain(err error) error {
	if errors.Is(err, control.ErrUnavailable) {
		return fmt.Errorf("%w, start it with \"lm daemon\"", err)
	}
	return err
}

func call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, controlTimeout)
}

func newSyncCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Ask the daemon to sync now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c controlClient) error {
				ctx, cancel := call(ctx)
				defer cancel()
				started, err := c.ForceSync(ctx)
				if err != nil {
					return err
				}
				if started {
					fmt.Fprintln(cmd.OutOrStdout(), "Sync started.")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "A sync is already running.")
				}
				return nil
			})
		},
	}
}

func newStatusCommand(opts *Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status per provider",
		Long: `Display the sync state of the daemon and of every provider.

Examples:
  # Show status in human-readable format
  lm status

  # Show status as JSON
  lm status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c controlClient) error {
				ctx, cancel := call(ctx)
				defer cancel()
				report, err := c.Status(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					if err := enc.Encode(report); err != nil {
						return fmt.Errorf("failed to encode status: %w", err)
					}
					return nil
				}
				v := statusView{now: opts.now(), color: opts.color(w)}
				return v.render(w, report)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output status as JSON")
	return cmd
}

func newAuthCommand(opts *Options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "auth <provider>",
		Short: "Authorize access to a provider",
		Long: `Start the browser authorization of an OAuth2 provider.

The daemon listens for the redirect, exchanges the code and stores the
credential. With --wait the command returns once the daemon has it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			return withControl(cmd, opts, func(ctx context.Context, c controlClient) error {
				cctx, cancel := call(ctx)
				url, err := c.BeginAuth(cctx, provider)
				cancel()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Open this URL in your browser to authorize %s:\n\n  %s\n\n", provider, url)
				if !wait {
					return nil
				}
				fmt.Fprintln(out, "Waiting for authorization...")
				if err := waitAuthorized(ctx, c, provider, opts.cfg.Auth.FlowTimeout.D()); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s is authorized.\n", provider)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the authorization completes")
	return cmd
}

// waitAuthorized polls the daemon until provider no longer needs
// authorization.
func waitAuthorized(ctx context.Context, c controlClient, provider string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(authPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", provider, auth.ErrTimeout)
		case <-ticker.C:
		}
		report, err := c.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		for _, p := range report.Providers {
			if p.Name == provider && !p.NeedsAuth {
				return nil
			}
		}
	}
}

func newLogoutCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Forget the stored credential of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			if _, ok := opts.cfg.Provider(provider); !ok {
				return fmt.Errorf("%w: %s", common.ErrUnknownProvider, provider)
			}
			st, err := openStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			m := auth.NewManager(st.Credentials, logging.Nop())
			if err := m.Logout(cmd.Context(), provider); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s.\n", provider)
			return nil
		},
	}
}

func newResyncCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <provider>",
		Short: "Discard sync checkpoints and pull everything again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c controlClient) error {
				ctx, cancel := call(ctx)
				defer cancel()
				if err := c.Resync(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Full resync of %s requested.\n", args[0])
				return nil
			})
		},
	}
}

func newRetryCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <provider>",
		Short: "Retry records the provider rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c controlClient) error {
				ctx, cancel := call(ctx)
				defer cancel()
				n, err := c.RetryFailed(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d record(s) of %s queued for retry.\n", n, args[0])
				return nil
			})
		},
	}
}
