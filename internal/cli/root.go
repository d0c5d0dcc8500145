// Package cli implements the lm command: the daemon entry point, the control
// commands that talk to a running daemon and the local record commands that
// write straight to the store.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/config"
	"github.com/dmitrijs2005/lifemanager/internal/control"
	"github.com/dmitrijs2005/lifemanager/internal/cryptox"
	"github.com/dmitrijs2005/lifemanager/internal/store"
	"github.com/spf13/cobra"
)

// Options holds global flags and what they resolve to.
type Options struct {
	Flags config.Flags

	cfg *config.Config
	loc *time.Location
	now func() time.Time
	// color reports whether w is a terminal that gets styled output
	color func(w io.Writer) bool
}

// controlClient is the part of control.Client the commands use.
type controlClient interface {
	ForceSync(ctx context.Context) (bool, error)
	Status(ctx context.Context) (*control.Report, error)
	BeginAuth(ctx context.Context, provider string) (string, error)
	Resync(ctx context.Context, provider string) error
	RetryFailed(ctx context.Context, provider string) (int64, error)
	Close() error
}

// dialControl is a test seam for connecting to the daemon.
var dialControl = func(cfg *config.Config) (controlClient, error) {
	secret, err := control.ReadSecret(cfg.ControlSecretPath())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", control.ErrUnavailable, err)
	}
	c, err := control.NewClient(cfg.ControlAddr, secret)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	key, err := cryptox.LoadKey(cfg.SealKeyPath(), cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	sealer, err := cryptox.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DatabasePath(), sealer)
}

// NewRootCommand creates the lm command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&Options{loc: time.Local, now: time.Now, color: isTerminal})
}

func newRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lm",
		Short:         "Personal calendar and task manager with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.Flags)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	opts.Flags.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newDaemonCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newAuthCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newResyncCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newEditCommand(opts))
	cmd.AddCommand(newDoneCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}
