// Package caldav syncs events and tasks with a CalDAV server using
// sync-collection reports.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/auth"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
	"github.com/google/uuid"
)

const (
	methodReport   = "REPORT"
	contentTypeICS = "text/calendar; charset=utf-8"
	contentTypeXML = "application/xml; charset=utf-8"
	defaultMaxBody = 16 << 20
	maxSyncPages   = 50
)

// ErrTooLarge reports a response body over the adapter's size limit.
var ErrTooLarge = errors.New("response body too large")

type Adapter struct {
	name        string
	tokens      auth.TokenSource
	base        *url.URL
	collections []string
	client      *http.Client
	logger      logging.Logger
	now         func() time.Time
	maxBody     int64
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New returns an adapter for the collections under baseURL. Collections are
// paths relative to baseURL or absolute paths on the same host.
func New(name, baseURL string, tokens auth.TokenSource, collections []string, logger logging.Logger, opts ...Option) (*Adapter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid caldav url %q", baseURL)
	}
	a := &Adapter{
		name:        name,
		tokens:      tokens,
		base:        base,
		collections: collections,
		logger:      logger.With("module", "caldav", "provider", name),
		now:         time.Now,
		maxBody:     defaultMaxBody,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Collections() []string { return a.collections }

func (a *Adapter) collectionURL(collection string) *url.URL {
	u := a.base.ResolveReference(&url.URL{Path: collection})
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u
}

func (a *Adapter) resourceURL(collection, localID string) *url.URL {
	u := a.collectionURL(collection)
	u.Path += localID + ".ics"
	return u
}

func (a *Adapter) hrefURL(href string) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, err
	}
	return a.base.ResolveReference(ref), nil
}

func (a *Adapter) Push(ctx context.Context, rec *models.Record) (remote.Ack, error) {
	client, err := remote.HTTPClient(ctx, a.tokens, a.name, a.client)
	if err != nil {
		return remote.Ack{}, err
	}
	body := encode(rec, a.now())

	var target *url.URL
	if rec.RemoteID == "" {
		target = a.resourceURL(rec.Collection, rec.LocalID)
	} else if target, err = a.hrefURL(rec.RemoteID); err != nil {
		return remote.Ack{}, remote.NewError("push", remote.Permanent, err)
	}

	header := http.Header{"Content-Type": {contentTypeICS}}
	if rec.RemoteID == "" {
		header.Set("If-None-Match", "*")
	}
	resp, err := a.do(ctx, client, "push", http.MethodPut, target.String(), header, body)
	if err != nil {
		return remote.Ack{}, err
	}
	if resp.StatusCode == http.StatusPreconditionFailed && rec.RemoteID == "" {
		// created by an earlier attempt whose response was lost
		a.logger.Debug(ctx, "resource already exists, overwriting", "href", target.Path)
		header.Del("If-None-Match")
		if resp, err = a.do(ctx, client, "push", http.MethodPut, target.String(), header, body); err != nil {
			return remote.Ack{}, err
		}
	}
	if !success(resp.StatusCode) {
		return remote.Ack{}, statusError("push", http.MethodPut, target, resp)
	}
	return remote.Ack{RemoteID: target.Path, RevisionTag: resp.Header.Get("ETag")}, nil
}

func (a *Adapter) PushDelete(ctx context.Context, _ string, remoteID string) error {
	client, err := remote.HTTPClient(ctx, a.tokens, a.name, a.client)
	if err != nil {
		return err
	}
	target, err := a.hrefURL(remoteID)
	if err != nil {
		return remote.NewError("delete", remote.Permanent, err)
	}
	resp, err := a.do(ctx, client, "delete", http.MethodDelete, target.String(), nil, "")
	if err != nil {
		return err
	}
	switch {
	case success(resp.StatusCode), resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil
	}
	return statusError("delete", http.MethodDelete, target, resp)
}

// PullChanges runs sync-collection reports from checkpoint. A server that
// truncates its answer (a 507 on the collection) is asked again from the token
// it returned until the listing is complete.
func (a *Adapter) PullChanges(ctx context.Context, collection, checkpoint string) (remote.PullResult, error) {
	client, err := remote.HTTPClient(ctx, a.tokens, a.name, a.client)
	if err != nil {
		return remote.PullResult{}, err
	}
	target := a.collectionURL(collection)

	res := remote.PullResult{Checkpoint: checkpoint, Full: checkpoint == ""}
	token := checkpoint
	for page := 1; ; page++ {
		ms, err := a.report(ctx, client, target, token)
		if err != nil {
			return remote.PullResult{}, err
		}
		if ms.SyncToken != "" {
			res.Checkpoint = ms.SyncToken
		}
		truncated, err := a.collect(ctx, client, target, ms, &res)
		if err != nil {
			return remote.PullResult{}, err
		}
		if !truncated {
			return res, nil
		}
		if ms.SyncToken == "" || ms.SyncToken == token || page >= maxSyncPages {
			// an incomplete listing must not prune local records
			a.logger.Warn(ctx, "server truncated sync results, continuing next cycle",
				"collection", collection, "pages", page)
			res.Full = false
			return res, nil
		}
		a.logger.Info(ctx, "server truncated sync results, asking for more",
			"collection", collection, "page", page)
		token = ms.SyncToken
	}
}

func (a *Adapter) report(ctx context.Context, client *http.Client, target *url.URL, token string) (*multistatus, error) {
	header := http.Header{"Content-Type": {contentTypeXML}, "Depth": {"0"}}
	resp, err := a.do(ctx, client, "pull", methodReport, target.String(), header, syncRequest(token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus {
		if token != "" && invalidSyncToken(resp) {
			return nil, remote.NewError("pull", remote.CheckpointExpired,
				fmt.Errorf("sync token rejected by %s", target.Path))
		}
		return nil, statusError("pull", methodReport, target, resp)
	}

	var ms multistatus
	if err := xml.Unmarshal(resp.body, &ms); err != nil {
		return nil, remote.NewError("pull", remote.Transient, fmt.Errorf("failed to decode multistatus: %w", err))
	}
	return &ms, nil
}

// collect appends the changes listed in ms to res and reports whether the
// server truncated the listing.
func (a *Adapter) collect(ctx context.Context, client *http.Client, target *url.URL, ms *multistatus, res *remote.PullResult) (bool, error) {
	truncated := false
	for _, r := range ms.Responses {
		href, err := a.hrefURL(r.Href)
		if err != nil {
			continue
		}
		if href.Path == target.Path {
			if statusCode(r.Status) == http.StatusInsufficientStorage {
				truncated = true
			}
			continue
		}
		if statusCode(r.Status) == http.StatusNotFound {
			res.Changes = append(res.Changes, remote.Change{RemoteID: href.Path, Deleted: true})
			continue
		}
		ps, ok := r.ok()
		if !ok {
			continue
		}
		data := ps.Prop.CalendarData
		if strings.TrimSpace(data) == "" {
			data, err = a.fetch(ctx, client, href)
			if errors.Is(err, ErrTooLarge) {
				a.logger.Warn(ctx, "skipping oversized resource", "href", href.Path, "error", err)
				continue
			}
			if err != nil {
				return false, err
			}
		}
		d, err := decode(data)
		if err != nil {
			a.logger.Warn(ctx, "skipping unreadable resource", "href", href.Path, "error", err)
			continue
		}
		ch := remote.Change{
			RemoteID:    href.Path,
			RevisionTag: ps.Prop.ETag,
			Kind:        d.kind,
			Payload:     d.payload,
		}
		if _, err := uuid.Parse(d.uid); err == nil {
			ch.LocalID = d.uid
		}
		res.Changes = append(res.Changes, ch)
	}
	return truncated, nil
}

func (a *Adapter) fetch(ctx context.Context, client *http.Client, href *url.URL) (string, error) {
	resp, err := a.do(ctx, client, "pull", http.MethodGet, href.String(), nil, "")
	if err != nil {
		return "", err
	}
	if !success(resp.StatusCode) {
		return "", statusError("pull", http.MethodGet, href, resp)
	}
	return string(resp.body), nil
}

type response struct {
	StatusCode int
	Header     http.Header
	body       []byte
}

func (a *Adapter) do(ctx context.Context, client *http.Client, op, method, target string, header http.Header, body string) (*response, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, remote.NewError(op, remote.Permanent, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, remote.Wrap(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if err != nil {
		return nil, remote.Wrap(op, err)
	}
	if int64(len(data)) > a.maxBody {
		return nil, remote.NewError(op, remote.Permanent,
			fmt.Errorf("%w: %s %s is over %d bytes", ErrTooLarge, method, req.URL.Path, a.maxBody))
	}
	return &response{StatusCode: resp.StatusCode, Header: resp.Header, body: data}, nil
}

func success(code int) bool {
	return code >= 200 && code < 300
}

func statusError(op, method string, target *url.URL, resp *response) error {
	return remote.StatusError(op, resp.StatusCode, resp.Header,
		fmt.Errorf("%s %s: %s", method, target.Path, http.StatusText(resp.StatusCode)))
}

func invalidSyncToken(resp *response) bool {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed:
		return bytes.Contains(resp.body, []byte("valid-sync-token"))
	}
	return false
}
