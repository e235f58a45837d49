package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/danmuck/embedbridge/internal/testutil/testlog"
)

type captureCommander struct {
	name   string
	params any
	fn     rpc.ReplyFunc
}

func (c *captureCommander) BackendCommand(_ context.Context, name string, params any, fn rpc.ReplyFunc) error {
	c.name, c.params, c.fn = name, params, fn
	return nil
}

type outcome struct {
	res Result
	err error
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}
	var zero T
	return zero
}

func statusServer(t *testing.T, pending int) (*httptest.Server, <-chan string) {
	t.Helper()
	hits := make(chan string, 8)
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if int(n.Add(1)) <= pending {
			_, _ = w.Write([]byte(`{"errors":["not ready"]}`))
		} else {
			_, _ = w.Write([]byte(`{"state":"done","asset":{"name":"render.png"}}`))
		}
		hits <- r.URL.Path
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestJobPollsUntilErrorFree(t *testing.T) {
	testlog.Start(t)
	srv, hits := statusServer(t, 2)
	clock := poll.NewManualClock(time.Unix(0, 0))
	cmd := &captureCommander{}
	jobs, err := New(cmd, Config{BaseURL: srv.URL + "/", Clock: clock})
	if err != nil {
		t.Fatalf("new jobs: %v", err)
	}

	results := make(chan outcome, 1)
	if err := jobs.SaveScene(context.Background(), []string{"a", "b"}, func(r Result, err error) {
		results <- outcome{r, err}
	}); err != nil {
		t.Fatalf("save scene: %v", err)
	}
	if cmd.name != CommandSaveScene {
		t.Fatalf("unexpected command %q", cmd.name)
	}
	if tags, ok := cmd.params.([]string); !ok || len(tags) != 2 {
		t.Fatalf("tags not forwarded: %#v", cmd.params)
	}
	cmd.fn(protocol.Reply{Data: json.RawMessage(`{"version_guid":"v-1"}`)})

	clock.BlockUntil(1)
	for range 3 {
		clock.Advance(DefaultInterval)
		if path := waitFor(t, hits); path != "/versions/v-1.json" {
			t.Fatalf("unexpected status path %q", path)
		}
	}
	got := waitFor(t, results)
	if got.err != nil {
		t.Fatalf("job: %v", got.err)
	}
	if got.res.VersionGUID != "v-1" || got.res.Status.Get("asset.name").String() != "render.png" {
		t.Fatalf("unexpected result: %+v", got.res)
	}
}

func TestBackgroundRenderPollsPerDuration(t *testing.T) {
	testlog.Start(t)
	srv, hits := statusServer(t, 0)
	clock := poll.NewManualClock(time.Unix(0, 0))
	cmd := &captureCommander{}
	jobs, _ := New(cmd, Config{BaseURL: srv.URL, Clock: clock})

	results := make(chan outcome, 1)
	_ = jobs.StartBackgroundRender(context.Background(), &RenderParams{Name: "bg", Duration: 2}, func(r Result, err error) {
		results <- outcome{r, err}
	})
	if p, ok := cmd.params.(RenderParams); !ok || p.Name != "bg" {
		t.Fatalf("params not forwarded: %#v", cmd.params)
	}
	cmd.fn(protocol.Reply{Data: json.RawMessage(`{"version_guid":"bg-1"}`)})
	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)
	waitFor(t, hits)
	if got := waitFor(t, results); got.err != nil || got.res.VersionGUID != "bg-1" {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}

func TestJobReplyFailures(t *testing.T) {
	testlog.Start(t)
	cmd := &captureCommander{}
	jobs, _ := New(cmd, Config{BaseURL: "http://backend.invalid"})

	var got error
	_ = jobs.SaveRender(context.Background(), func(_ Result, err error) { got = err })
	cmd.fn(protocol.Reply{Data: json.RawMessage(`{"status":"queued"}`)})
	if !errors.Is(got, ErrNoVersion) {
		t.Fatalf("expected ErrNoVersion, got %v", got)
	}
	cmd.fn(protocol.Reply{Error: protocol.ErrorExec})
	if !errors.Is(got, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", got)
	}

	_ = jobs.SaveRender(context.Background(), nil)
	if cmd.fn != nil {
		t.Fatalf("no reply callback without done")
	}
}

func TestNewValidates(t *testing.T) {
	testlog.Start(t)
	if _, err := New(nil, Config{BaseURL: "http://x"}); !errors.Is(err, ErrCommanderRequired) {
		t.Fatalf("expected ErrCommanderRequired, got %v", err)
	}
	if _, err := New(&captureCommander{}, Config{}); !errors.Is(err, ErrBaseURLRequired) {
		t.Fatalf("expected ErrBaseURLRequired, got %v", err)
	}
	jobs, _ := New(&captureCommander{}, Config{BaseURL: "https://lagoa.example/api/"})
	if got := jobs.StatusURL("a b"); got != "https://lagoa.example/api/versions/a%20b.json" {
		t.Fatalf("unexpected status url %q", got)
	}
}
