package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/rpc"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotReady       = errors.New("mirror: object not ready")
	ErrUnknownPath    = errors.New("mirror: unknown property path")
	ErrNoBoundingBox  = errors.New("mirror: object has no bounding box")
	ErrNoMaterialSlot = errors.New("mirror: object has no material slot")
	ErrRemote         = errors.New("mirror: remote execution failed")
)

const (
	paramGUID     = "guid"
	paramName     = "name"
	paramTUID     = "tuid"
	propMaterials = "Materials"
	paramMaterial = "tmaterial"
	propBBoxMin   = "BoundingBoxMin"
)

type State int32

const (
	StateUninitialized State = iota
	StateHydrating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHydrating:
		return "hydrating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Object is the local shadow of one embed entity.
type Object struct {
	guid     string
	category string
	link     Link
	scene    *Scene

	mu    sync.RWMutex
	state State
	props *Property

	copies atomic.Int64
}

func newObject(scene *Scene, link Link, category, guid string) *Object {
	return &Object{guid: guid, category: category, link: link, scene: scene}
}

func (o *Object) GUID() string { return o.guid }

// Category is the label the object was filed under in its scene.
func (o *Object) Category() string { return o.category }

func (o *Object) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Properties returns the root of the entity tree, or nil before the object is ready.
func (o *Object) Properties() *Property {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.props
}

func (o *Object) GetProperty(name string) (*Property, bool) {
	root := o.Properties()
	if root == nil {
		return nil, false
	}
	return root.GetProperty(name)
}

// GetParameter looks up a root-level parameter by id.
func (o *Object) GetParameter(id string) (*Parameter, bool) {
	root := o.Properties()
	if root == nil {
		return nil, false
	}
	return root.GetParameter(id)
}

func (o *Object) stringParam(id string) string {
	param, ok := o.GetParameter(id)
	if !ok {
		return ""
	}
	s, _ := param.Value().(string)
	return s
}

// Name is the value of the root "name" parameter.
func (o *Object) Name() string { return o.stringParam(paramName) }

// TypeTag is the root "tuid" parameter, falling back to the category label.
func (o *Object) TypeTag() string {
	if tuid := o.stringParam(paramTUID); tuid != "" {
		return tuid
	}
	return o.category
}

func (o *Object) nextCopy() int64 {
	return o.copies.Add(1) - 1
}

func (o *Object) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Object) install(n Node) {
	tree := BuildTree(o, n)
	o.mu.Lock()
	o.props = tree
	o.state = StateReady
	o.mu.Unlock()
}

// hydrate builds the tree from pset when it decodes, otherwise fetches it. settle
// runs exactly once; synchronously on the fast path.
func (o *Object) hydrate(ctx context.Context, pset json.RawMessage, settle func(*Object, error)) {
	if settle == nil {
		settle = func(*Object, error) {}
	}
	if trimmed := bytes.TrimSpace(pset); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		n, err := DecodeNode(trimmed)
		if err == nil {
			o.install(n)
			settle(o, nil)
			return
		}
		log.Warn().Str("guid", o.guid).Err(err).Msg("mirror.Object pset rejected, fetching")
	}

	o.setState(StateHydrating)
	log.Debug().Str("guid", o.guid).Msg("mirror.Object hydrate")
	err := o.link.FlattenPropertySet(ctx, o.guid, func(r protocol.Reply) {
		if r.Failed() {
			o.setState(StateFailed)
			log.Warn().Str("guid", o.guid).Str("error", r.Error).Msg("mirror.Object hydrate failed")
			settle(o, replyErr(r))
			return
		}
		n, err := DecodeNode(r.Data)
		if err != nil {
			o.setState(StateFailed)
			log.Warn().Str("guid", o.guid).Err(err).Msg("mirror.Object hydrate decode failed")
			settle(o, err)
			return
		}
		o.install(n)
		settle(o, nil)
	})
	if err != nil {
		o.setState(StateFailed)
		settle(o, err)
	}
}

func replyErr(r protocol.Reply) error {
	return fmt.Errorf("%w: %s", ErrRemote, r.Error)
}

// EventPath is the subscription path for one property of this object.
func (o *Object) EventPath(path string) string {
	return o.guid + ":" + path
}

// BindProperty subscribes to remote changes of path, a root property or a root
// parameter. The first bind installs an applier that copies every event into the
// tree without writing back; later binds only add listener.
func (o *Object) BindProperty(ctx context.Context, path string, listener rpc.Listener) (rpc.ListenerID, error) {
	key := o.EventPath(path)
	var resolve func() rpc.Listener
	if !o.link.Subscribed(key) {
		apply, err := o.applier(path)
		if err != nil {
			return 0, err
		}
		resolve = func() rpc.Listener { return apply }
	}
	return o.link.Subscribe(ctx, key, resolve, listener)
}

func (o *Object) UnbindProperty(ctx context.Context, path string) error {
	return o.link.Unsubscribe(ctx, o.EventPath(path))
}

// UnbindPropertyListener drops one listener; the binding and tree updates continue.
func (o *Object) UnbindPropertyListener(path string, id rpc.ListenerID) bool {
	return o.link.UnsubscribeListener(o.EventPath(path), id)
}

func (o *Object) applier(path string) (rpc.Listener, error) {
	root := o.Properties()
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, o.guid)
	}
	if _, ok := root.GetProperty(path); !ok {
		if _, ok := root.GetParameter(path); !ok {
			return nil, fmt.Errorf("%w: %q on %s", ErrUnknownPath, path, o.guid)
		}
	}
	return func(data json.RawMessage) {
		o.current().applyEvent(path, data)
	}, nil
}

// current is the object mirrored under o's guid now. A re-announced guid replaces
// the object, and events keep landing in the live tree.
func (o *Object) current() *Object {
	if o.scene != nil {
		if cur, ok := o.scene.GetObjectByGuid(o.guid); ok {
			return cur
		}
	}
	return o
}

func (o *Object) applyEvent(path string, data json.RawMessage) {
	root := o.Properties()
	if root == nil {
		log.Debug().Str("guid", o.guid).Str("path", path).Msg("mirror.Object event before hydration")
		return
	}
	if prop, ok := root.GetProperty(path); ok {
		var values map[string]map[string]any
		if err := json.Unmarshal(data, &values); err != nil {
			log.Debug().Str("guid", o.guid).Str("path", path).Err(err).Msg("mirror.Object event ignored")
			return
		}
		for id, fields := range values {
			v, ok := fields["value"]
			if !ok {
				continue
			}
			if param, ok := prop.GetParameter(id); ok {
				param.setMuted(v)
			}
		}
		return
	}
	if param, ok := root.GetParameter(path); ok {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			log.Debug().Str("guid", o.guid).Str("path", path).Err(err).Msg("mirror.Object event ignored")
			return
		}
		if v, ok := fields["value"]; ok {
			param.setMuted(v)
		}
		return
	}
	log.Debug().Str("guid", o.guid).Str("path", path).Msg("mirror.Object event path gone")
}

// GetMaterial resolves the material assigned to this object in its scene.
func (o *Object) GetMaterial() (*Object, bool) {
	param, ok := o.materialSlot()
	if !ok || o.scene == nil {
		return nil, false
	}
	guid, _ := param.Value().(string)
	return o.scene.GetObjectByGuid(guid)
}

// ApplyMaterial assigns mat by writing its guid into the material slot.
func (o *Object) ApplyMaterial(ctx context.Context, mat *Object) error {
	if mat == nil {
		return ErrUnknownObject
	}
	param, ok := o.materialSlot()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMaterialSlot, o.guid)
	}
	return param.Set(ctx, mat.guid)
}

func (o *Object) materialSlot() (*Parameter, bool) {
	mats, ok := o.GetProperty(propMaterials)
	if !ok {
		return nil, false
	}
	return mats.GetParameter(paramMaterial)
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AABB is an axis-aligned bounding box in world space.
type AABB struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func (o *Object) ComputeTransformedAABB(ctx context.Context, fn func(AABB, error)) error {
	if _, ok := o.GetProperty(propBBoxMin); !ok {
		log.Warn().Str("guid", o.guid).Msg("mirror.Object has no bounding box")
		return fmt.Errorf("%w: %s", ErrNoBoundingBox, o.guid)
	}
	return o.link.ComputeTransformedAABB(ctx, o.guid, func(r protocol.Reply) {
		if fn == nil {
			return
		}
		if r.Failed() {
			fn(AABB{}, replyErr(r))
			return
		}
		var box AABB
		err := r.DecodeData(&box)
		fn(box, err)
	})
}

// FetchChildren replies with the guids of the direct children.
func (o *Object) FetchChildren(ctx context.Context, fn func([]string, error)) error {
	return o.link.FetchChildren(ctx, o.guid, func(r protocol.Reply) {
		if fn == nil {
			return
		}
		if r.Failed() {
			fn(nil, replyErr(r))
			return
		}
		var guids []string
		err := r.DecodeData(&guids)
		fn(guids, err)
	})
}

func (o *Object) Translate(ctx context.Context, axis string, distance float64) error {
	return o.link.Translate(ctx, o.guid, axis, distance)
}

// ObjectSnapshot is a read-only view for diagnostics.
type ObjectSnapshot struct {
	GUID       string `json:"guid"`
	Category   string `json:"category"`
	Name       string `json:"name,omitempty"`
	State      string `json:"state"`
	Properties *Node  `json:"properties,omitempty"`
}

func (o *Object) Snapshot() ObjectSnapshot {
	snap := ObjectSnapshot{
		GUID:     o.guid,
		Category: o.category,
		Name:     o.Name(),
		State:    o.State().String(),
	}
	if root := o.Properties(); root != nil {
		n := Flatten(root)
		snap.Properties = &n
	}
	return snap
}
