// Package bucket mirrors records as JSON objects in an S3-compatible bucket.
// The pull checkpoint is a manifest of object keys and ETags.
package bucket

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/lifemanager/internal/logging"
	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
)

const (
	objectSuffix = ".json"
	contentType  = "application/json"
)

// object is the stored form of a record.
type object struct {
	LocalID   string         `json:"local_id"`
	Kind      models.Kind    `json:"kind"`
	Payload   models.Payload `json:"payload"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Adapter struct {
	name        string
	client      ObjectClient
	bucket      string
	prefix      string
	collections []string
	logger      logging.Logger
	now         func() time.Time
}

func New(name string, client ObjectClient, bucket, prefix string, collections []string, logger logging.Logger) *Adapter {
	return &Adapter{
		name:        name,
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		collections: collections,
		logger:      logger.With("module", "bucket", "provider", name),
		now:         time.Now,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Collections() []string { return a.collections }

func (a *Adapter) collectionPrefix(collection string) string {
	return path.Join(a.prefix, collection) + "/"
}

// Key returns the object key of a record in collection.
func (a *Adapter) Key(collection, localID string) string {
	return a.collectionPrefix(collection) + localID + objectSuffix
}

func (a *Adapter) Push(ctx context.Context, rec *models.Record) (remote.Ack, error) {
	key := rec.RemoteID
	if key == "" {
		key = a.Key(rec.Collection, rec.LocalID)
	}
	body, err := json.Marshal(object{
		LocalID:   rec.LocalID,
		Kind:      rec.Kind,
		Payload:   rec.Payload.Normalize(),
		UpdatedAt: a.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return remote.Ack{}, remote.NewError("push", remote.Permanent, err)
	}

	out, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return remote.Ack{}, classify("push", err)
	}
	return remote.Ack{RemoteID: key, RevisionTag: aws.ToString(out.ETag)}, nil
}

func (a *Adapter) PushDelete(ctx context.Context, _ string, remoteID string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil && !notFound(err) {
		return classify("delete", err)
	}
	return nil
}

func (a *Adapter) PullChanges(ctx context.Context, collection, checkpoint string) (remote.PullResult, error) {
	var known map[string]string
	if checkpoint != "" {
		m, err := decodeManifest(checkpoint)
		if err != nil {
			return remote.PullResult{}, remote.NewError("pull", remote.CheckpointExpired, err)
		}
		known = m
	}

	current, err := a.list(ctx, collection)
	if err != nil {
		return remote.PullResult{}, err
	}

	res := remote.PullResult{Full: checkpoint == ""}
	for _, key := range slices.Sorted(maps.Keys(current)) {
		etag := current[key]
		if prev, ok := known[key]; ok && prev == etag {
			continue
		}
		ch, err := a.fetch(ctx, key)
		if errors.Is(err, errGone) {
			// deleted between list and get; the next pull reports it
			delete(current, key)
			continue
		}
		if errors.Is(err, errUnreadable) {
			// kept in the manifest so it is fetched again only when it changes
			a.logger.Warn(ctx, "skipping object that is not a record", "key", key, "error", err)
			continue
		}
		if err != nil {
			return remote.PullResult{}, err
		}
		ch.RevisionTag = etag
		res.Changes = append(res.Changes, ch)
	}
	for _, key := range slices.Sorted(maps.Keys(known)) {
		if _, ok := current[key]; !ok {
			res.Changes = append(res.Changes, remote.Change{RemoteID: key, Deleted: true})
		}
	}

	if res.Checkpoint, err = encodeManifest(current); err != nil {
		return remote.PullResult{}, remote.NewError("pull", remote.Permanent, err)
	}
	return res, nil
}

func (a *Adapter) list(ctx context.Context, collection string) (map[string]string, error) {
	objects := make(map[string]string)
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.collectionPrefix(collection)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, objectSuffix) {
				continue
			}
			objects[key] = aws.ToString(obj.ETag)
		}
	}
	return objects, nil
}

var (
	errGone       = errors.New("object disappeared")
	errUnreadable = errors.New("object is not a record")
)

func (a *Adapter) fetch(ctx context.Context, key string) (remote.Change, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if notFound(err) {
		return remote.Change{}, errGone
	}
	if err != nil {
		return remote.Change{}, classify("get", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return remote.Change{}, remote.Wrap("get", err)
	}
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		return remote.Change{}, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	kind := obj.Kind
	if kind == "" {
		kind = models.KindEvent
	}
	p := obj.Payload
	if strings.TrimSpace(p.Title) == "" {
		p.Title = models.UntitledTitle
	}
	return remote.Change{
		RemoteID: key,
		LocalID:  obj.LocalID,
		Kind:     kind,
		Payload:  p.Normalize(),
	}, nil
}

func notFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func classify(op string, err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return remote.Wrap(op, err)
	}
	code := re.HTTPStatusCode()
	if code == http.StatusForbidden {
		return remote.NewError(op, remote.Unauthorized, err)
	}
	var header http.Header
	if re.Response != nil && re.Response.Response != nil {
		header = re.Response.Header
	}
	return remote.StatusError(op, code, header, err)
}

func encodeManifest(m map[string]string) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeManifest(s string) (map[string]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad manifest encoding: %w", err)
	}
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bad manifest: %w", err)
	}
	return m, nil
}
