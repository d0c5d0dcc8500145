package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
)

type staticTokens struct {
	err error
}

func (s staticTokens) GetValidToken(context.Context, string) (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "tok", TokenType: "Bearer"}, nil
}

type storedEvent struct {
	ev      *calendar.Event
	version int
}

// fakeCalendar is a minimal Events endpoint: one item per page, sync tokens
// are "v<seq>".
type fakeCalendar struct {
	mu       sync.Mutex
	seq      int
	events   map[string]*storedEvent
	inserts  int
	failWith int
	header   http.Header
	reason   string
}

func newFakeCalendar(t *testing.T) (*fakeCalendar, *httptest.Server) {
	f := &fakeCalendar{events: map[string]*storedEvent{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendars/{cal}/events", f.insert)
	mux.HandleFunc("PUT /calendars/{cal}/events/{id}", f.update)
	mux.HandleFunc("DELETE /calendars/{cal}/events/{id}", f.delete)
	mux.HandleFunc("GET /calendars/{cal}/events", f.list)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			apiError(w, http.StatusUnauthorized, "authError")
			return
		}
		f.mu.Lock()
		code, reason, header := f.failWith, f.reason, f.header
		f.mu.Unlock()
		if code != 0 {
			for k, v := range header {
				w.Header()[k] = v
			}
			apiError(w, code, reason)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCalendar) fail(code int, reason string, header http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith, f.reason, f.header = code, reason, header
}

func (f *fakeCalendar) event(id string) *calendar.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if se, ok := f.events[id]; ok {
		return se.ev
	}
	return nil
}

func (f *fakeCalendar) counts() (inserts, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts, len(f.events)
}

func apiError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s","errors":[{"reason":"%s"}]}}`, code, reason, reason)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeCalendar) put(ev *calendar.Event) *calendar.Event {
	f.seq++
	ev.Etag = fmt.Sprintf(`"%d"`, f.seq)
	f.events[ev.Id] = &storedEvent{ev: ev, version: f.seq}
	return ev
}

func (f *fakeCalendar) insert(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		apiError(w, http.StatusBadRequest, "invalid")
		return
	}
	if _, ok := f.events[ev.Id]; ok {
		apiError(w, http.StatusConflict, "duplicate")
		return
	}
	if ev.Id == "" {
		ev.Id = fmt.Sprintf("srv%d", f.seq+1)
	}
	f.inserts++
	writeJSON(w, f.put(&ev))
}

func (f *fakeCalendar) update(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.events[id]; !ok {
		apiError(w, http.StatusNotFound, "notFound")
		return
	}
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		apiError(w, http.StatusBadRequest, "invalid")
		return
	}
	ev.Id = id
	writeJSON(w, f.put(&ev))
}

func (f *fakeCalendar) delete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	se, ok := f.events[id]
	if !ok {
		apiError(w, http.StatusNotFound, "notFound")
		return
	}
	if se.ev.Status == "cancelled" {
		apiError(w, http.StatusGone, "deleted")
		return
	}
	ev := *se.ev
	ev.Status = "cancelled"
	f.put(&ev)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCalendar) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()

	since := 0
	if tok := q.Get("syncToken"); tok != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "v"))
		if err != nil {
			apiError(w, http.StatusGone, "fullSyncRequired")
			return
		}
		since = n
	}

	var items []*calendar.Event
	for _, se := range f.events {
		if se.version > since {
			items = append(items, se.ev)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Id < items[j].Id })

	page, _ := strconv.Atoi(q.Get("pageToken"))
	out := &calendar.Events{}
	if page < len(items) {
		out.Items = items[page : page+1]
	}
	if page+1 < len(items) {
		out.NextPageToken = strconv.Itoa(page + 1)
	} else {
		out.NextSyncToken = fmt.Sprintf("v%d", f.seq)
	}
	writeJSON(w, out)
}

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newAdapter(srv *httptest.Server, tokens auth.TokenSource) *Adapter {
	return New("google", tokens, []string{"primary"}, []string{"@default"}, logging.Nop(),
		WithEndpoint(srv.URL+"/"), WithHTTPClient(srv.Client()))
}

func newEvent(title string) *models.Record {
	return models.NewRecord(models.KindEvent, "google", "primary", models.Payload{
		Title: title,
		Start: t0,
		End:   t0.Add(30 * time.Minute),
	})
}

func TestPush_InsertUsesDerivedID(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	rec := newEvent("standup")

	ack, err := a.Push(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, EventID(rec.LocalID), ack.RemoteID)
	assert.Len(t, ack.RemoteID, 32)
	assert.NotEmpty(t, ack.RevisionTag)

	stored := f.event(ack.RemoteID)
	assert.Equal(t, "standup", stored.Summary)
	assert.Equal(t, "2025-06-02T09:00:00Z", stored.Start.DateTime)
	assert.Equal(t, rec.LocalID, stored.ExtendedProperties.Private[LocalIDProperty])
}

func TestPush_RepeatAfterLostAckUpdatesSameEvent(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	rec := newEvent("v1")
	ctx := context.Background()

	first, err := a.Push(ctx, rec)
	require.NoError(t, err)

	// the ack never reached the store, so the record still has no remote id
	rec.Title = "v2"
	second, err := a.Push(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.NotEqual(t, first.RevisionTag, second.RevisionTag)
	inserts, total := f.counts()
	assert.Equal(t, 1, inserts)
	assert.Equal(t, 1, total)
	assert.Equal(t, "v2", f.event(first.RemoteID).Summary)
}

func TestPush_UpdateOfMissingEventReinserts(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	rec := newEvent("x")
	rec.RemoteID = "abc123"

	ack, err := a.Push(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "abc123", ack.RemoteID)
	assert.NotNil(t, f.event("abc123"))
}

func TestPush_AllDay(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	rec := models.NewRecord(models.KindEvent, "google", "primary", models.Payload{Title: "holiday", Start: t0, AllDay: true})

	ack, err := a.Push(context.Background(), rec)
	require.NoError(t, err)

	ev := f.event(ack.RemoteID)
	assert.Equal(t, "2025-06-02", ev.Start.Date)
	assert.Equal(t, "2025-06-03", ev.End.Date)
	assert.Empty(t, ev.Start.DateTime)
}

func TestPush_KindMustMatchCollection(t *testing.T) {
	_, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	ctx := context.Background()

	task := models.NewRecord(models.KindTask, "google", "primary", models.Payload{Title: "t"})
	_, err := a.Push(ctx, task)
	assert.True(t, remote.Is(err, remote.Permanent), "task in a calendar")

	ev := models.NewRecord(models.KindEvent, "google", "@default", models.Payload{Title: "e", Start: t0})
	_, err = a.Push(ctx, ev)
	assert.True(t, remote.Is(err, remote.Permanent), "event in a task list")

	assert.Equal(t, []string{"primary", "@default"}, a.Collections())
}

func TestPushDelete_MissingIsSuccess(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	ctx := context.Background()

	ack, err := a.Push(ctx, newEvent("bye"))
	require.NoError(t, err)

	require.NoError(t, a.PushDelete(ctx, "primary", ack.RemoteID))
	assert.Equal(t, "cancelled", f.event(ack.RemoteID).Status)

	require.NoError(t, a.PushDelete(ctx, "primary", ack.RemoteID), "410 gone")
	require.NoError(t, a.PushDelete(ctx, "primary", "never-existed"), "404")
}

func TestPullChanges_FullThenIncremental(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	ctx := context.Background()

	f.put(&calendar.Event{Id: "a1", Summary: "remote one",
		Start: &calendar.EventDateTime{DateTime: "2025-06-02T11:00:00+02:00"},
		End:   &calendar.EventDateTime{DateTime: "2025-06-02T12:00:00+02:00"}})
	f.put(&calendar.Event{Id: "a2",
		Start: &calendar.EventDateTime{Date: "2025-06-05"},
		End:   &calendar.EventDateTime{Date: "2025-06-06"}})

	full, err := a.PullChanges(ctx, "primary", "")
	require.NoError(t, err)
	assert.True(t, full.Full)
	require.Len(t, full.Changes, 2, "both pages are read")
	assert.Equal(t, "v2", full.Checkpoint)

	one := full.Changes[0]
	assert.Equal(t, "a1", one.RemoteID)
	assert.Equal(t, models.KindEvent, one.Kind)
	assert.True(t, one.Payload.Start.Equal(t0))
	assert.Equal(t, time.UTC, one.Payload.Start.Location())

	two := full.Changes[1]
	assert.Equal(t, models.UntitledTitle, two.Payload.Title)
	assert.True(t, two.Payload.AllDay)
	assert.Equal(t, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), two.Payload.Start)

	rec := newEvent("mine")
	ack, err := a.Push(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, a.PushDelete(ctx, "primary", "a1"))

	inc, err := a.PullChanges(ctx, "primary", full.Checkpoint)
	require.NoError(t, err)
	assert.False(t, inc.Full)
	require.Len(t, inc.Changes, 2)

	byID := map[string]remote.Change{}
	for _, c := range inc.Changes {
		byID[c.RemoteID] = c
	}
	assert.True(t, byID["a1"].Deleted)
	assert.Equal(t, rec.LocalID, byID[ack.RemoteID].LocalID)
	assert.Equal(t, "mine", byID[ack.RemoteID].Payload.Title)
}

func TestPullChanges_StaleTokenExpiresCheckpoint(t *testing.T) {
	_, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})

	_, err := a.PullChanges(context.Background(), "primary", "garbage")
	assert.True(t, remote.Is(err, remote.CheckpointExpired))
}

func TestErrors_Classified(t *testing.T) {
	f, srv := newFakeCalendar(t)
	a := newAdapter(srv, staticTokens{})
	ctx := context.Background()

	f.fail(http.StatusForbidden, "userRateLimitExceeded", http.Header{"Retry-After": {"12"}})
	_, err := a.Push(ctx, newEvent("x"))
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.RateLimited, re.Kind)
	assert.Equal(t, 12*time.Second, re.RetryAfter)

	f.fail(http.StatusForbidden, "forbiddenForNonOrganizer", nil)
	_, err = a.Push(ctx, newEvent("x"))
	assert.True(t, remote.Is(err, remote.Permanent))

	f.fail(http.StatusServiceUnavailable, "backendError", nil)
	_, err = a.PullChanges(ctx, "primary", "")
	assert.True(t, remote.Is(err, remote.Transient))

	f.fail(0, "", nil)
	bad := newAdapter(srv, staticTokens{err: &auth.Error{Provider: "google", Kind: auth.ErrNotAuthenticated}})
	_, err = bad.Push(ctx, newEvent("x"))
	assert.True(t, remote.Is(err, remote.Unauthorized))
}

func TestEventID(t *testing.T) {
	assert.Equal(t, "0f8fad5bd9cb469fa16570867728950e", EventID("0F8FAD5B-D9CB-469F-A165-70867728950E"))
}
