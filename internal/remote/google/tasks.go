package google

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"google.golang.org/api/option"
	gtasks "google.golang.org/api/tasks/v1"
)

// LocalIDMarker prefixes the notes line holding a task's local id. Google
// Tasks has no private properties and assigns task ids itself.
const LocalIDMarker = "lifemanager-id: "

const (
	statusCompleted   = "completed"
	statusNeedsAction = "needsAction"
	taskPageSize      = 100
)

func (a *Adapter) tasksService(ctx context.Context) (*gtasks.Service, error) {
	client, err := remote.HTTPClient(ctx, a.tokens, a.name, a.client)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gtasks.NewService(ctx, opts...)
	if err != nil {
		return nil, remote.NewError("create tasks service", remote.Permanent, err)
	}
	return svc, nil
}

func (a *Adapter) pushTask(ctx context.Context, rec *models.Record) (remote.Ack, error) {
	svc, err := a.tasksService(ctx)
	if err != nil {
		return remote.Ack{}, err
	}

	t := toTask(rec)
	id := rec.RemoteID
	if id == "" {
		// an earlier insert may have gone through with its response lost
		if id, err = a.findTask(ctx, svc, rec.Collection, rec.LocalID); err != nil {
			return remote.Ack{}, classify("push", err)
		}
		if id != "" {
			a.logger.Debug(ctx, "task already exists, updating", "id", id)
		}
	}

	var got *gtasks.Task
	if id != "" {
		t.Id = id
		got, err = svc.Tasks.Update(rec.Collection, id, t).Context(ctx).Do()
		if code := statusOf(err); code == http.StatusNotFound || code == http.StatusGone {
			t.Id = ""
			got, err = svc.Tasks.Insert(rec.Collection, t).Context(ctx).Do()
		}
	} else {
		got, err = svc.Tasks.Insert(rec.Collection, t).Context(ctx).Do()
	}
	if err != nil {
		return remote.Ack{}, classify("push", err)
	}
	return remote.Ack{RemoteID: got.Id, RevisionTag: got.Etag}, nil
}

// findTask returns the id of the task carrying localID in list, or "".
func (a *Adapter) findTask(ctx context.Context, svc *gtasks.Service, list, localID string) (string, error) {
	var found string
	err := svc.Tasks.List(list).ShowCompleted(true).ShowHidden(true).MaxResults(taskPageSize).
		Pages(ctx, func(page *gtasks.Tasks) error {
			for _, t := range page.Items {
				if _, id := splitNotes(t.Notes); id == localID {
					found = t.Id
				}
			}
			return nil
		})
	return found, err
}

func (a *Adapter) deleteTask(ctx context.Context, list, remoteID string) error {
	svc, err := a.tasksService(ctx)
	if err != nil {
		return err
	}
	err = svc.Tasks.Delete(list, remoteID).Context(ctx).Do()
	if code := statusOf(err); code == http.StatusNotFound || code == http.StatusGone {
		return nil
	}
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

// pullTasks lists tasks updated since the checkpoint, which is the latest
// update time seen so far.
func (a *Adapter) pullTasks(ctx context.Context, list, checkpoint string) (remote.PullResult, error) {
	var since time.Time
	if checkpoint != "" {
		var err error
		if since, err = time.Parse(time.RFC3339Nano, checkpoint); err != nil {
			return remote.PullResult{}, remote.NewError("pull", remote.CheckpointExpired, err)
		}
	}

	svc, err := a.tasksService(ctx)
	if err != nil {
		return remote.PullResult{}, err
	}

	started := time.Now().UTC()
	res := remote.PullResult{Full: checkpoint == ""}
	call := svc.Tasks.List(list).ShowCompleted(true).ShowHidden(true).MaxResults(taskPageSize)
	if !since.IsZero() {
		call = call.ShowDeleted(true).UpdatedMin(since.Format(time.RFC3339Nano))
	}

	latest := since
	err = call.Pages(ctx, func(page *gtasks.Tasks) error {
		for _, t := range page.Items {
			if u, err := time.Parse(time.RFC3339Nano, t.Updated); err == nil && u.After(latest) {
				latest = u
			}
			ch, err := fromTask(t)
			if err != nil {
				a.logger.Warn(ctx, "skipping unreadable task", "id", t.Id, "error", err)
				continue
			}
			res.Changes = append(res.Changes, ch)
		}
		return nil
	})
	if err != nil {
		return remote.PullResult{}, classify("pull", err)
	}

	if latest.IsZero() {
		latest = started
	}
	res.Checkpoint = latest.UTC().Format(time.RFC3339Nano)
	return res, nil
}

func toTask(rec *models.Record) *gtasks.Task {
	p := rec.Payload.Normalize()
	t := &gtasks.Task{
		Title:  p.Title,
		Notes:  joinNotes(p.Description, rec.LocalID),
		Status: statusNeedsAction,
	}
	if p.Completed {
		t.Status = statusCompleted
	}
	if !p.Due.IsZero() {
		// the API keeps only the date part of due
		t.Due = p.Due.Format(dateLayout) + "T00:00:00.000Z"
	}
	return t
}

func fromTask(t *gtasks.Task) (remote.Change, error) {
	desc, localID := splitNotes(t.Notes)
	ch := remote.Change{
		RemoteID:    t.Id,
		RevisionTag: t.Etag,
		LocalID:     localID,
		Kind:        models.KindTask,
	}
	if t.Deleted {
		ch.Deleted = true
		return ch, nil
	}

	p := models.Payload{
		Title:       t.Title,
		Description: desc,
		Completed:   t.Status == statusCompleted,
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = models.UntitledTitle
	}
	if t.Due != "" {
		due, err := time.Parse(time.RFC3339Nano, t.Due)
		if err != nil {
			return ch, fmt.Errorf("bad due: %w", err)
		}
		p.Due = due
	}
	ch.Payload = p.Normalize()
	return ch, nil
}

func joinNotes(desc, localID string) string {
	if desc == "" {
		return LocalIDMarker + localID
	}
	return desc + "\n\n" + LocalIDMarker + localID
}

// splitNotes separates the user's notes from the local id line.
func splitNotes(notes string) (desc, localID string) {
	var lines []string
	for _, line := range strings.Split(notes, "\n") {
		if id, ok := strings.CutPrefix(line, LocalIDMarker); ok {
			localID = strings.TrimSpace(id)
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n"), localID
}
