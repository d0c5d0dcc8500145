package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
	"github.com/dmitrijs2005/lifemanager/internal/config"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/store"
	"github.com/dmitrijs2005/lifemanager/internal/store/records"
	"github.com/spf13/cobra"
)

var (
	ErrNoProvider  = errors.New("no provider configured")
	ErrAmbiguousID = errors.New("id prefix matches more than one record")
	ErrBadTime     = errors.New("unrecognized time")
)

// Accepted time layouts. A date alone marks an all-day event.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

const dateLayout = "2006-01-02"

func parseTime(s string, loc *time.Location) (t time.Time, dateOnly bool, err error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w %q, use YYYY-MM-DD or YYYY-MM-DD HH:MM", ErrBadTime, s)
}

// target picks the provider and collection of a new record: the given ones,
// or the first provider and its default collection for kind k.
func target(cfg *config.Config, k models.Kind, provider, collection string) (string, string, error) {
	var p config.Provider
	if provider != "" {
		var ok bool
		if p, ok = cfg.Provider(provider); !ok {
			return "", "", fmt.Errorf("%w: %s", common.ErrUnknownProvider, provider)
		}
	} else {
		if len(cfg.Providers) == 0 {
			return "", "", ErrNoProvider
		}
		p = cfg.Providers[0]
	}

	if collection == "" {
		switch {
		case k == models.KindEvent && len(p.CalendarIDs) > 0:
			collection = p.CalendarIDs[0]
		case k == models.KindTask && len(p.TaskListIDs) > 0:
			collection = p.TaskListIDs[0]
		}
	}
	ids := p.CalendarIDs
	if k == models.KindTask {
		ids = p.TaskListIDs
	}
	if !slices.Contains(ids, collection) {
		return "", "", fmt.Errorf("provider %s does not sync %q for %ss", p.Name, collection, k)
	}
	return p.Name, collection, nil
}

func withStore(cmd *cobra.Command, opts *Options, fn func(ctx context.Context, st *store.Store) error) error {
	st, err := openStore(cmd.Context(), opts.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

// resolve finds a live record by full id or unique id prefix.
func resolve(ctx context.Context, st *store.Store, id string) (*models.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", common.ErrNotFound)
	}
	rec, err := st.Records.Get(ctx, id)
	if err == nil {
		if rec.Deleted {
			return nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
		}
		return rec, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	all, err := st.Records.List(ctx, records.Filter{})
	if err != nil {
		return nil, err
	}
	var match *models.Record
	for _, r := range all {
		if !strings.HasPrefix(r.LocalID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
		}
		match = r
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, id)
	}
	return match, nil
}

type recordFlags struct {
	title, description string
	start, end, due    string
	allDay             bool
	provider           string
	collection         string
}

func (f *recordFlags) register(cmd *cobra.Command, kind models.Kind) {
	fs := cmd.Flags()
	fs.StringVarP(&f.title, "title", "t", "", "title")
	fs.StringVarP(&f.description, "description", "d", "", "description or notes")
	if kind == models.KindEvent {
		fs.StringVar(&f.start, "start", "", "start, YYYY-MM-DD for an all-day event or YYYY-MM-DD HH:MM")
		fs.StringVar(&f.end, "end", "", "end, defaults to one hour (or one day) after start")
		fs.BoolVar(&f.allDay, "all-day", false, "all-day event")
	} else {
		fs.StringVar(&f.due, "due", "", "due date")
	}
}

// apply copies the flags the user set onto p.
func (f *recordFlags) apply(cmd *cobra.Command, p *models.Payload, loc *time.Location) error {
	fs := cmd.Flags()
	if fs.Changed("title") {
		p.Title = f.title
	}
	if fs.Changed("description") {
		p.Description = f.description
	}
	if fs.Changed("start") {
		t, dateOnly, err := parseTime(f.start, loc)
		if err != nil {
			return err
		}
		p.Start = t
		if dateOnly && !fs.Changed("all-day") {
			p.AllDay = true
		}
	}
	if fs.Changed("end") {
		t, _, err := parseTime(f.end, loc)
		if err != nil {
			return err
		}
		p.End = t
	}
	if fs.Changed("all-day") {
		p.AllDay = f.allDay
	}
	if fs.Changed("due") {
		t, _, err := parseTime(f.due, loc)
		if err != nil {
			return err
		}
		p.Due = t
	}
	return nil
}

func newAddCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an event or a task",
	}
	cmd.AddCommand(newAddKindCommand(opts, models.KindEvent))
	cmd.AddCommand(newAddKindCommand(opts, models.KindTask))
	return cmd
}

func newAddKindCommand(opts *Options, kind models.Kind) *cobra.Command {
	f := &recordFlags{}
	cmd := &cobra.Command{
		Use:   string(kind) + " [title]",
		Short: "Create a " + string(kind),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p models.Payload
			if err := f.apply(cmd, &p, opts.loc); err != nil {
				return err
			}
			if len(args) == 1 {
				p.Title = args[0]
			}
			provider, collection, err := target(opts.cfg, kind, f.provider, f.collection)
			if err != nil {
				return err
			}
			rec := models.NewRecord(kind, provider, collection, p)

			return withStore(cmd, opts, func(ctx context.Context, st *store.Store) error {
				if err := st.SaveLocal(ctx, rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s.\n", kind, shortID(rec.LocalID))
				return nil
			})
		},
	}
	f.register(cmd, kind)
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "provider to sync with")
	cmd.Flags().StringVar(&f.collection, "collection", "", "calendar or task list")
	return cmd
}

func newEditCommand(opts *Options) *cobra.Command {
	f := &recordFlags{}
	var completed bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of an event or a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *store.Store) error {
				rec, err := resolve(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := f.apply(cmd, &rec.Payload, opts.loc); err != nil {
					return err
				}
				if cmd.Flags().Changed("completed") {
					rec.Completed = completed
				}
				if err := st.SaveLocal(ctx, rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s %s.\n", rec.Kind, shortID(rec.LocalID))
				return nil
			})
		},
	}
	// Edit accepts the union of event and task fields.
	f.register(cmd, models.KindEvent)
	cmd.Flags().StringVar(&f.due, "due", "", "due date")
	cmd.Flags().BoolVar(&completed, "completed", false, "mark a task completed or not")
	return cmd
}

func newDoneCommand(opts *Options) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *store.Store) error {
				rec, err := resolve(ctx, st, args[0])
				if err != nil {
					return err
				}
				if rec.Kind != models.KindTask {
					return fmt.Errorf("%s is an %s, not a task", shortID(rec.LocalID), rec.Kind)
				}
				if rec.Completed != !undo {
					rec.Completed = !undo
					if err := st.SaveLocal(ctx, rec); err != nil {
						return err
					}
				}
				state := "completed"
				if undo {
					state = "open"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s.\n", shortID(rec.LocalID), state)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the task as not completed")
	return cmd
}

func newRemoveCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete an event or a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st *store.Store) error {
				rec, err := resolve(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := st.DeleteLocal(ctx, rec.LocalID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s.\n", rec.Kind, shortID(rec.LocalID))
				return nil
			})
		},
	}
}

func newListCommand(opts *Options) *cobra.Command {
	var (
		kind   string
		filter records.Filter
	)
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List events and tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kind != "" {
				k, err := models.ParseKind(kind)
				if err != nil {
					return err
				}
				filter.Kind = k
			}
			return withStore(cmd, opts, func(ctx context.Context, st *store.Store) error {
				list, err := st.Records.List(ctx, filter)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), list, opts.loc)
			})
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "event or task")
	cmd.Flags().StringVarP(&filter.Provider, "provider", "p", "", "only records of this provider")
	cmd.Flags().BoolVar(&filter.OnlyFailed, "failed", false, "only records the provider rejected")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "all", false, "include deletions not yet synced")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func when(r *models.Record, loc *time.Location) string {
	switch {
	case r.Kind == models.KindTask && r.Due.IsZero():
		return "-"
	case r.Kind == models.KindTask:
		return "due " + r.Due.UTC().Format(dateLayout)
	case r.AllDay:
		return r.Start.Format(dateLayout)
	}
	return r.Start.In(loc).Format("2006-01-02 15:04")
}

func syncState(r *models.Record) string {
	switch {
	case r.SyncFailed:
		return "failed"
	case r.Deleted:
		return "deleting"
	case r.Dirty:
		return "pending"
	}
	return "synced"
}

func printRecords(w io.Writer, list []*models.Record, loc *time.Location) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "Nothing here.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tWHEN\tTITLE\tPROVIDER\tSYNC")
	for _, r := range list {
		title := r.DisplayTitle()
		if r.Kind == models.KindTask && r.Completed {
			title = "[x] " + title
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.LocalID), r.Kind, when(r, loc), title, r.Provider, syncState(r))
	}
	return tw.Flush()
}
