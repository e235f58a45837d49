// Package backend runs embed commands that finish as asynchronous backend jobs.
//
// A job command replies with data.version_guid; completion is observed by polling
// GET <base>/versions/<guid>.json on a fixed interval until a reply without an
// "errors" member arrives.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const (
	DefaultInterval = 20 * time.Second
	// DefaultRenderMinutes is the poll interval, in minutes, of a background render
	// without a duration.
	DefaultRenderMinutes = 1

	CommandSaveRender            = "saveRender"
	CommandSaveScene             = "saveScene"
	CommandStartBackgroundRender = "startBackgroundRender"

	maxStatusBytes = 1 << 20
)

var (
	ErrCommanderRequired = errors.New("backend: commander required")
	ErrBaseURLRequired   = errors.New("backend: base url required")
	ErrNoVersion         = errors.New("backend: reply has no version_guid")
	ErrJobFailed         = errors.New("backend: job command failed")
)

// Commander sends one named job command to the embed.
type Commander interface {
	BackendCommand(ctx context.Context, name string, params any, fn rpc.ReplyFunc) error
}

type Config struct {
	BaseURL  string
	Interval time.Duration
	Lifetime time.Duration
	Client   *http.Client
	Clock    poll.Clock
}

// Result is the first error-free status document of a job.
type Result struct {
	VersionGUID string
	Status      gjson.Result
	Raw         []byte
}

// Done receives the outcome of one job exactly once.
type Done func(Result, error)

type Jobs struct {
	cmd  Commander
	cfg  Config
	base *url.URL
}

func New(cmd Commander, cfg Config) (*Jobs, error) {
	if cmd == nil {
		return nil, ErrCommanderRequired
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrBaseURLRequired
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: base url: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = poll.SystemClock
	}
	return &Jobs{cmd: cmd, cfg: cfg, base: base}, nil
}

// StatusURL is the polled status document of guid.
func (j *Jobs) StatusURL(guid string) string {
	return j.base.JoinPath("versions", guid+".json").String()
}

func (j *Jobs) SaveRender(ctx context.Context, done Done) error {
	return j.Run(ctx, CommandSaveRender, nil, 0, done)
}

// SaveScene stores the current scene as a new version tagged with tags.
func (j *Jobs) SaveScene(ctx context.Context, tags []string, done Done) error {
	var params any
	if len(tags) > 0 {
		params = tags
	}
	return j.Run(ctx, CommandSaveScene, params, 0, done)
}

// RenderParams configures a background render. Zero fields use embed defaults.
type RenderParams struct {
	Name     string `json:"name,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// StartBackgroundRender polls once per render duration (in minutes).
func (j *Jobs) StartBackgroundRender(ctx context.Context, params *RenderParams, done Done) error {
	minutes := DefaultRenderMinutes
	var p any
	if params != nil {
		p = *params
		if params.Duration > 0 {
			minutes = params.Duration
		}
	}
	return j.Run(ctx, CommandStartBackgroundRender, p, time.Duration(minutes)*time.Minute, done)
}

// Run sends command and, when done is set, polls its status every interval
// (the configured interval when zero) until the backend reports no errors.
func (j *Jobs) Run(ctx context.Context, command string, params any, interval time.Duration, done Done) error {
	if interval <= 0 {
		interval = j.cfg.Interval
	}
	var fn rpc.ReplyFunc
	if done != nil {
		fn = func(r protocol.Reply) {
			if r.Failed() {
				done(Result{}, fmt.Errorf("%w: %s: %s", ErrJobFailed, command, r.Error))
				return
			}
			guid := gjson.GetBytes(r.Data, "version_guid").String()
			if guid == "" {
				done(Result{}, fmt.Errorf("%w: %s", ErrNoVersion, command))
				return
			}
			log.Info().Str("command", command).Str("version_guid", guid).Dur("interval", interval).Msg("backend.Jobs polling")
			go j.await(ctx, guid, interval, done)
		}
	}
	return j.cmd.BackendCommand(ctx, command, params, fn)
}

func (j *Jobs) await(ctx context.Context, guid string, interval time.Duration, done Done) {
	var result Result
	task := poll.Task{
		Name:     "backend:" + guid,
		Interval: interval,
		Lifetime: j.cfg.Lifetime,
		Clock:    j.cfg.Clock,
	}
	err := task.Run(ctx, func(ctx context.Context, stop func()) {
		raw, err := j.fetch(ctx, guid)
		if err != nil {
			log.Debug().Str("version_guid", guid).Err(err).Msg("backend.Jobs status unavailable")
			return
		}
		if !gjson.ValidBytes(raw) {
			log.Debug().Str("version_guid", guid).Msg("backend.Jobs status not json")
			return
		}
		status := gjson.ParseBytes(raw)
		if status.Get("errors").Exists() {
			return
		}
		result = Result{VersionGUID: guid, Status: status, Raw: raw}
		stop()
	})
	if err != nil {
		done(Result{}, fmt.Errorf("backend: job %s: %w", guid, err))
		return
	}
	log.Info().Str("version_guid", guid).Msg("backend.Jobs complete")
	done(result, nil)
}

func (j *Jobs) fetch(ctx context.Context, guid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.StatusURL(guid), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := j.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("backend: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return nil, err
	}
	return raw, nil
}
