package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/observability"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/remote"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/rs/zerolog/log"
)

const (
	propResolution = "Resolution"
	paramWidth     = "width"
	paramHeight    = "height"
)

// ApplyMaterialToObjectByGuid assigns the material matGUID to the object objGUID.
func (b *Bridge) ApplyMaterialToObjectByGuid(ctx context.Context, matGUID, objGUID string) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	obj, ok := scene.GetObjectByGuid(objGUID)
	if !ok {
		return fmt.Errorf("%w: %s", mirror.ErrUnknownObject, objGUID)
	}
	mat, ok := scene.GetObjectByGuid(matGUID)
	if !ok {
		return fmt.Errorf("%w: %s", mirror.ErrUnknownObject, matGUID)
	}
	return obj.ApplyMaterial(ctx, mat)
}

// ApplyMaterialToMeshByName assigns the first material named matName to the first
// object named meshName.
func (b *Bridge) ApplyMaterialToMeshByName(ctx context.Context, matName, meshName string) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	meshes := scene.GetObjectByName(meshName)
	if len(meshes) == 0 {
		return fmt.Errorf("%w: name %q", mirror.ErrUnknownObject, meshName)
	}
	mats := scene.GetObjectByName(matName)
	if len(mats) == 0 {
		return fmt.Errorf("%w: name %q", mirror.ErrUnknownObject, matName)
	}
	return meshes[0].ApplyMaterial(ctx, mats[0])
}

// Resolution sets the active camera output size. A nil field keeps the mirrored value.
type Resolution struct {
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`
}

// SetCameraResolution writes width and height in one setObjectParameter call.
func (b *Bridge) SetCameraResolution(ctx context.Context, res Resolution) error {
	cam, ok := b.ActiveCamera()
	if !ok {
		return ErrNoCamera
	}
	values := map[string]any{}
	prop, hasProp := cam.GetProperty(propResolution)
	for key, override := range map[string]*int{paramWidth: res.Width, paramHeight: res.Height} {
		if override != nil {
			values[key] = *override
			continue
		}
		if !hasProp {
			continue
		}
		if param, ok := prop.GetParameter(key); ok {
			values[key] = param.Value()
		}
	}
	return b.facade.SetObjectParameter(ctx, cam.GUID(), propResolution, values, nil)
}

func (b *Bridge) StartRender(ctx context.Context) error {
	if err := b.facade.StartRender(ctx); err != nil {
		return err
	}
	b.setRendering(true)
	return nil
}

func (b *Bridge) StopRender(ctx context.Context) error {
	if err := b.facade.StopRender(ctx); err != nil {
		return err
	}
	b.setRendering(false)
	return nil
}

func (b *Bridge) setRendering(on bool) {
	b.mu.Lock()
	b.rendering = on
	b.mu.Unlock()
	log.Debug().Str("bridge", b.id).Bool("rendering", on).Msg("bridge.Bridge.setRendering")
}

func (b *Bridge) DeselectAll(ctx context.Context) error {
	return b.facade.DeselectAll(ctx)
}

func (b *Bridge) SetActiveTool(ctx context.Context, tool remote.Tool) error {
	return b.facade.SetActiveTool(ctx, tool)
}

func (b *Bridge) ShowToolbar(ctx context.Context, show bool) error {
	return b.facade.ShowToolbar(ctx, show)
}

// FetchScene delivers the compressed scene payload.
func (b *Bridge) FetchScene(ctx context.Context, fn func(json.RawMessage, error)) error {
	return b.facade.CompressScene(ctx, func(r protocol.Reply) {
		if fn == nil {
			return
		}
		if r.Failed() {
			fn(nil, fmt.Errorf("%w: %s", mirror.ErrRemote, r.Error))
			return
		}
		fn(r.Data, nil)
	})
}

// LoadAssets asks the embed to load assets; fn receives the raw reply data.
func (b *Bridge) LoadAssets(ctx context.Context, assets []remote.Asset, fn func(json.RawMessage, error)) error {
	var onReply func(protocol.Reply)
	if fn != nil {
		onReply = func(r protocol.Reply) {
			if r.Failed() {
				fn(nil, fmt.Errorf("%w: %s", mirror.ErrRemote, r.Error))
				return
			}
			fn(r.Data, nil)
		}
	}
	return b.facade.LoadAssets(ctx, assets, onReply)
}

// DuplicateObject duplicates guid in the active scene.
func (b *Bridge) DuplicateObject(ctx context.Context, guid string, onAdded func(*mirror.Object)) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	obj, ok := scene.GetObjectByGuid(guid)
	if !ok {
		return fmt.Errorf("%w: %s", mirror.ErrUnknownObject, guid)
	}
	return scene.DuplicateObject(ctx, obj, onAdded)
}

// SetParameter propagates value to parameter id under property of object guid.
// An empty property addresses the root of the tree.
func (b *Bridge) SetParameter(ctx context.Context, guid, property, id string, value any) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	obj, ok := scene.GetObjectByGuid(guid)
	if !ok {
		return fmt.Errorf("%w: %s", mirror.ErrUnknownObject, guid)
	}
	var param *mirror.Parameter
	if property == "" {
		param, ok = obj.GetParameter(id)
	} else if prop, found := obj.GetProperty(property); found {
		param, ok = prop.GetParameter(id)
	} else {
		ok = false
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s on %s", mirror.ErrUnknownPath, property, id, guid)
	}
	return param.Set(ctx, value)
}

func (b *Bridge) backendJobs() (*backend.Jobs, error) {
	if b.jobs == nil {
		return nil, ErrBackendDisabled
	}
	return b.jobs, nil
}

// recordJob counts the job outcome before handing it on.
func (b *Bridge) recordJob(command string, done backend.Done) backend.Done {
	if done == nil {
		return nil
	}
	return func(res backend.Result, err error) {
		observability.RecordBackendJob(b.id, command, err == nil)
		done(res, err)
	}
}

func (b *Bridge) SaveRender(ctx context.Context, done backend.Done) error {
	jobs, err := b.backendJobs()
	if err != nil {
		return err
	}
	return jobs.SaveRender(ctx, b.recordJob(backend.CommandSaveRender, done))
}

func (b *Bridge) SaveScene(ctx context.Context, tags []string, done backend.Done) error {
	jobs, err := b.backendJobs()
	if err != nil {
		return err
	}
	return jobs.SaveScene(ctx, tags, b.recordJob(backend.CommandSaveScene, done))
}

func (b *Bridge) StartBackgroundRender(ctx context.Context, params *backend.RenderParams, done backend.Done) error {
	jobs, err := b.backendJobs()
	if err != nil {
		return err
	}
	return jobs.StartBackgroundRender(ctx, params, b.recordJob(backend.CommandStartBackgroundRender, done))
}

// readyObject returns the mirrored object guid once it is hydrated.
func (b *Bridge) readyObject(guid string) (*mirror.Object, error) {
	scene, err := b.loadedScene()
	if err != nil {
		return nil, err
	}
	obj, ok := scene.GetObjectByGuid(guid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mirror.ErrUnknownObject, guid)
	}
	if obj.State() != mirror.StateReady {
		return nil, fmt.Errorf("%w: %s", mirror.ErrNotReady, guid)
	}
	return obj, nil
}

// BindProperty keeps path of object guid in sync with the embed. listener may be nil.
func (b *Bridge) BindProperty(ctx context.Context, guid, path string, listener rpc.Listener) (rpc.ListenerID, error) {
	obj, err := b.readyObject(guid)
	if err != nil {
		return 0, err
	}
	return obj.BindProperty(ctx, path, listener)
}

func (b *Bridge) UnbindProperty(ctx context.Context, guid, path string) error {
	obj, err := b.readyObject(guid)
	if err != nil {
		return err
	}
	return obj.UnbindProperty(ctx, path)
}

// UnbindPropertyListener reports whether the listener was registered.
func (b *Bridge) UnbindPropertyListener(guid, path string, id rpc.ListenerID) (bool, error) {
	obj, err := b.readyObject(guid)
	if err != nil {
		return false, err
	}
	return obj.UnbindPropertyListener(path, id), nil
}

func (b *Bridge) AddNewMaterial(ctx context.Context, minorType string, onAdded func(*mirror.Object)) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	return scene.AddNewMaterial(ctx, minorType, onAdded)
}

func (b *Bridge) AddNewLight(ctx context.Context, minorType string, onAdded func(*mirror.Object)) error {
	scene, err := b.loadedScene()
	if err != nil {
		return err
	}
	return scene.AddNewLight(ctx, minorType, onAdded)
}

// awaitData blocks until the reply started by send arrives or ctx ends. A reply
// after ctx ends is discarded.
func awaitData(ctx context.Context, send func(fn func(json.RawMessage, error)) error) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	out := make(chan result, 1)
	if err := send(func(data json.RawMessage, err error) { out <- result{data, err} }); err != nil {
		return nil, err
	}
	select {
	case res := <-out:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
