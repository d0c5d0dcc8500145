// Package google syncs events with Google Calendar and tasks with Google
// Tasks.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// LocalIDProperty is the private extended property holding the local id.
const LocalIDProperty = "lifemanagerLocalId"

const (
	dateLayout = "2006-01-02"
	pageSize   = 250
)

type Adapter struct {
	name      string
	tokens    auth.TokenSource
	calendars []string
	taskLists []string
	endpoint  string
	client    *http.Client
	logger    logging.Logger
}

type Option func(*Adapter)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option {
	return func(a *Adapter) { a.endpoint = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New returns an adapter syncing events in calendars and tasks in taskLists.
func New(name string, tokens auth.TokenSource, calendars, taskLists []string, logger logging.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		name:      name,
		tokens:    tokens,
		calendars: calendars,
		taskLists: taskLists,
		logger:    logger.With("module", "google", "provider", name),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Collections() []string {
	return append(slices.Clone(a.calendars), a.taskLists...)
}

func (a *Adapter) isTaskList(collection string) bool {
	return slices.Contains(a.taskLists, collection)
}

func (a *Adapter) service(ctx context.Context) (*calendar.Service, error) {
	client, err := remote.HTTPClient(ctx, a.tokens, a.name, a.client)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, remote.NewError("create calendar service", remote.Permanent, err)
	}
	return svc, nil
}

// EventID derives the event id used for a record's first insert. Google
// accepts lowercase base32hex ids, which hex digits of a UUID satisfy.
func EventID(localID string) string {
	return strings.ToLower(strings.ReplaceAll(localID, "-", ""))
}

func (a *Adapter) Push(ctx context.Context, rec *models.Record) (remote.Ack, error) {
	want := models.KindEvent
	if a.isTaskList(rec.Collection) {
		want = models.KindTask
	}
	if rec.Kind != want {
		return remote.Ack{}, remote.NewError("push", remote.Permanent,
			fmt.Errorf("collection %s holds %ss, not %ss", rec.Collection, want, rec.Kind))
	}
	if want == models.KindTask {
		return a.pushTask(ctx, rec)
	}

	svc, err := a.service(ctx)
	if err != nil {
		return remote.Ack{}, err
	}

	ev := toEvent(rec)
	var got *calendar.Event
	if rec.RemoteID == "" {
		ev.Id = EventID(rec.LocalID)
		got, err = svc.Events.Insert(rec.Collection, ev).Context(ctx).Do()
		if statusOf(err) == http.StatusConflict {
			// an earlier insert went through but its response was lost
			a.logger.Debug(ctx, "event already exists, updating", "id", ev.Id)
			got, err = svc.Events.Update(rec.Collection, ev.Id, ev).Context(ctx).Do()
		}
	} else {
		got, err = svc.Events.Update(rec.Collection, rec.RemoteID, ev).Context(ctx).Do()
		if code := statusOf(err); code == http.StatusNotFound || code == http.StatusGone {
			ev.Id = rec.RemoteID
			got, err = svc.Events.Insert(rec.Collection, ev).Context(ctx).Do()
		}
	}
	if err != nil {
		return remote.Ack{}, classify("push", err)
	}
	return remote.Ack{RemoteID: got.Id, RevisionTag: got.Etag}, nil
}

func (a *Adapter) PushDelete(ctx context.Context, collection, remoteID string) error {
	if a.isTaskList(collection) {
		return a.deleteTask(ctx, collection, remoteID)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(collection, remoteID).Context(ctx).Do()
	if code := statusOf(err); code == http.StatusNotFound || code == http.StatusGone {
		return nil
	}
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (a *Adapter) PullChanges(ctx context.Context, collection, checkpoint string) (remote.PullResult, error) {
	if a.isTaskList(collection) {
		return a.pullTasks(ctx, collection, checkpoint)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return remote.PullResult{}, err
	}

	res := remote.PullResult{Full: checkpoint == ""}
	call := svc.Events.List(collection).ShowDeleted(true).MaxResults(pageSize)
	if checkpoint != "" {
		call = call.SyncToken(checkpoint)
	}

	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			ch, err := fromEvent(ev)
			if err != nil {
				a.logger.Warn(ctx, "skipping unreadable event", "id", ev.Id, "error", err)
				continue
			}
			res.Changes = append(res.Changes, ch)
		}
		if page.NextSyncToken != "" {
			res.Checkpoint = page.NextSyncToken
		}
		return nil
	})
	if statusOf(err) == http.StatusGone {
		return remote.PullResult{}, remote.NewError("pull", remote.CheckpointExpired, err)
	}
	if err != nil {
		return remote.PullResult{}, classify("pull", err)
	}
	return res, nil
}

func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return remote.Wrap(op, err)
	}
	e := remote.StatusError(op, gerr.Code, gerr.Header, err)
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				e.Kind = remote.RateLimited
			}
		}
	}
	return e
}

func toEvent(rec *models.Record) *calendar.Event {
	p := rec.Payload.Normalize()
	ev := &calendar.Event{
		Summary:     p.Title,
		Description: p.Description,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{LocalIDProperty: rec.LocalID},
		},
	}
	end := rec.EffectiveEnd()
	if p.AllDay {
		ev.Start = &calendar.EventDateTime{Date: p.Start.Format(dateLayout)}
		ev.End = &calendar.EventDateTime{Date: end.UTC().Format(dateLayout)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: p.Start.Format(time.RFC3339), TimeZone: "UTC"}
		ev.End = &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	return ev
}

func fromEvent(ev *calendar.Event) (remote.Change, error) {
	ch := remote.Change{
		RemoteID:    ev.Id,
		RevisionTag: ev.Etag,
		Kind:        models.KindEvent,
	}
	if ev.ExtendedProperties != nil {
		ch.LocalID = ev.ExtendedProperties.Private[LocalIDProperty]
	}
	if ev.Status == "cancelled" {
		ch.Deleted = true
		return ch, nil
	}

	p := models.Payload{
		Title:       ev.Summary,
		Description: ev.Description,
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = models.UntitledTitle
	}

	var err error
	if ev.Start == nil {
		return ch, errors.New("event has no start")
	}
	if ev.Start.Date != "" {
		p.AllDay = true
		if p.Start, err = time.Parse(dateLayout, ev.Start.Date); err != nil {
			return ch, fmt.Errorf("bad start date: %w", err)
		}
		if ev.End != nil && ev.End.Date != "" {
			if p.End, err = time.Parse(dateLayout, ev.End.Date); err != nil {
				return ch, fmt.Errorf("bad end date: %w", err)
			}
		}
	} else {
		if p.Start, err = time.Parse(time.RFC3339, ev.Start.DateTime); err != nil {
			return ch, fmt.Errorf("bad start time: %w", err)
		}
		if ev.End != nil && ev.End.DateTime != "" {
			if p.End, err = time.Parse(time.RFC3339, ev.End.DateTime); err != nil {
				return ch, fmt.Errorf("bad end time: %w", err)
			}
		}
	}
	ch.Payload = p.Normalize()
	return ch, nil
}
