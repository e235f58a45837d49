package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownJob        = errors.New("bridge: unknown job")
	ErrUnknownJobCommand = errors.New("bridge: unknown job command")
)

type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is the admin view of one backend job started through the bridge.
type JobStatus struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	State       JobState        `json:"state"`
	VersionGUID string          `json:"version_guid,omitempty"`
	Error       string          `json:"error,omitempty"`
	Status      json.RawMessage `json:"status,omitempty"`
	Started     time.Time       `json:"started"`
	Finished    *time.Time      `json:"finished,omitempty"`
}

type jobTable struct {
	mu   sync.RWMutex
	byID map[string]*JobStatus
}

func newJobTable() *jobTable {
	return &jobTable{byID: make(map[string]*JobStatus)}
}

// track registers a running job and returns the Done that settles it.
func (t *jobTable) track(bridge, command string) (string, backend.Done) {
	id := ulid.Make().String()
	t.mu.Lock()
	t.byID[id] = &JobStatus{ID: id, Command: command, State: JobRunning, Started: time.Now()}
	t.mu.Unlock()

	return id, func(res backend.Result, err error) {
		t.mu.Lock()
		job, ok := t.byID[id]
		if !ok {
			t.mu.Unlock()
			return
		}
		now := time.Now()
		job.Finished = &now
		if err != nil {
			job.State = JobFailed
			job.Error = err.Error()
		} else {
			job.State = JobDone
			job.VersionGUID = res.VersionGUID
			job.Status = json.RawMessage(res.Raw)
		}
		state := job.State
		t.mu.Unlock()
		log.Info().Str("bridge", bridge).Str("job", id).Str("command", command).Str("state", string(state)).Msg("bridge.jobTable settled")
	}
}

// drop forgets a job whose command could not be sent.
func (t *jobTable) drop(id string) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

func (t *jobTable) get(id string) (JobStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.byID[id]
	if !ok {
		return JobStatus{}, false
	}
	return *job, true
}

func (t *jobTable) list() []JobStatus {
	t.mu.RLock()
	out := make([]JobStatus, 0, len(t.byID))
	for _, job := range t.byID {
		out = append(out, *job)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartJob runs one of the backend job commands detached from ctx's cancellation
// and returns its tracking id. params is ignored by saveRender, is a []string of
// tags for saveScene and a *backend.RenderParams for startBackgroundRender.
func (b *Bridge) StartJob(ctx context.Context, command string, params any) (string, error) {
	if _, err := b.backendJobs(); err != nil {
		return "", err
	}
	ctx = context.WithoutCancel(ctx)
	id, done := b.jobStatus.track(b.id, command)

	var err error
	switch command {
	case backend.CommandSaveRender:
		err = b.SaveRender(ctx, done)
	case backend.CommandSaveScene:
		tags, _ := params.([]string)
		err = b.SaveScene(ctx, tags, done)
	case backend.CommandStartBackgroundRender:
		rp, _ := params.(*backend.RenderParams)
		err = b.StartBackgroundRender(ctx, rp, done)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownJobCommand, command)
	}
	if err != nil {
		b.jobStatus.drop(id)
		return "", err
	}
	return id, nil
}

func (b *Bridge) Job(id string) (JobStatus, bool) { return b.jobStatus.get(id) }

func (b *Bridge) Jobs() []JobStatus { return b.jobStatus.list() }
