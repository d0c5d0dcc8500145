package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dmitrijs2005/lifemanager/internal/models"
	"github.com/dmitrijs2005/lifemanager/internal/remote"
)

type remoteObject struct {
	localID string
	kind    models.Kind
	payload models.Payload
	tag     string
	seq     int
	deleted bool
}

// fakeAdapter is an in-memory provider with change tokens "<seq>". Push
// derives remote ids from local ids so repeats update the same object.
type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	collections []string
	seq         int
	objects     map[string]*remoteObject

	pushErr    func(rec *models.Record) error
	loseAck    map[string]bool
	onPush     func(rec *models.Record)
	pullErr    error
	expireNext bool

	pushes, deletes int
	tokens          []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:        "fake",
		collections: []string{"main"},
		objects:     map[string]*remoteObject{},
		loseAck:     map[string]bool{},
	}
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) Collections() []string { return f.collections }

func (f *fakeAdapter) bump(o *remoteObject) {
	f.seq++
	o.seq = f.seq
	o.tag = "t" + strconv.Itoa(f.seq)
}

func (f *fakeAdapter) Push(_ context.Context, rec *models.Record) (remote.Ack, error) {
	if f.onPush != nil {
		f.onPush(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		if err := f.pushErr(rec); err != nil {
			return remote.Ack{}, err
		}
	}
	f.pushes++

	id := rec.RemoteID
	if id == "" {
		id = "r-" + rec.LocalID
	}
	o, ok := f.objects[id]
	if !ok {
		o = &remoteObject{localID: rec.LocalID}
		f.objects[id] = o
	}
	o.kind, o.payload, o.deleted = rec.Kind, rec.Payload, false
	f.bump(o)

	if f.loseAck[rec.LocalID] {
		delete(f.loseAck, rec.LocalID)
		return remote.Ack{}, remote.NewError("push", remote.Transient, fmt.Errorf("connection reset"))
	}
	return remote.Ack{RemoteID: id, RevisionTag: o.tag}, nil
}

func (f *fakeAdapter) PushDelete(_ context.Context, _ string, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if o, ok := f.objects[remoteID]; ok && !o.deleted {
		o.deleted = true
		f.bump(o)
	}
	return nil
}

func (f *fakeAdapter) PullChanges(_ context.Context, _ string, checkpoint string) (remote.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, checkpoint)
	if f.pullErr != nil {
		return remote.PullResult{}, f.pullErr
	}
	if f.expireNext && checkpoint != "" {
		f.expireNext = false
		return remote.PullResult{}, remote.NewError("pull", remote.CheckpointExpired, fmt.Errorf("410"))
	}

	since := 0
	if checkpoint != "" {
		since, _ = strconv.Atoi(checkpoint)
	}
	res := remote.PullResult{Checkpoint: strconv.Itoa(f.seq), Full: checkpoint == ""}
	for id, o := range f.objects {
		if o.seq <= since || (res.Full && o.deleted) {
			continue
		}
		res.Changes = append(res.Changes, remote.Change{
			RemoteID:    id,
			RevisionTag: o.tag,
			Deleted:     o.deleted,
			LocalID:     o.localID,
			Kind:        o.kind,
			Payload:     o.payload,
		})
	}
	return res, nil
}

// remoteEdit changes an object as another client would.
func (f *fakeAdapter) remoteEdit(id string, edit func(*remoteObject)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		o = &remoteObject{kind: models.KindEvent}
		f.objects[id] = o
	}
	edit(o)
	f.bump(o)
}

func (f *fakeAdapter) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.objects {
		if !o.deleted {
			n++
		}
	}
	return n
}
