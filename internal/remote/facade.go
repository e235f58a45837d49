// Package remote builds every instruction the host sends to the embed.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	p "github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/rpc"
)

var (
	ErrRequesterRequired = errors.New("remote: requester required")
	ErrInvalidGUID       = errors.New("remote: invalid guid")
	ErrInvalidAxis       = errors.New("remote: invalid axis")
	ErrUnknownTool       = errors.New("remote: unknown tool")
)

// Requester is the correlation engine's request entry point.
type Requester interface {
	Request(ctx context.Context, cmd p.Command, onReply rpc.ReplyFunc) (string, error)
}

type Tool string

const (
	ToolMove  Tool = "MoveTool"
	ToolScale Tool = "ScaleTool"
	ToolOrbit Tool = "OrbitTool"
	ToolPan   Tool = "PanTool"
)

func (t Tool) Valid() bool {
	switch t {
	case ToolMove, ToolScale, ToolOrbit, ToolPan:
		return true
	default:
		return false
	}
}

// Asset describes one asset for loadAssets.
type Asset struct {
	Name        string `json:"name"`
	DataType    int    `json:"datatype"`
	VersionGUID string `json:"version_guid"`
}

const (
	flattenValueID   = "Application.CONSTANTS.FLATTEN_PARAMETER_TYPE.VALUE_ID"
	flattenValueOnly = "Application.CONSTANTS.FLATTEN_PARAMETER_TYPE.VALUE_ONLY"
)

// Facade is the only producer of remote instructions. It does not interpret replies.
type Facade struct {
	rpc Requester
}

func New(r Requester) (*Facade, error) {
	if r == nil {
		return nil, ErrRequesterRequired
	}
	return &Facade{rpc: r}, nil
}

// Exec sends a caller-built command.
func (f *Facade) Exec(ctx context.Context, cmd p.Command, fn rpc.ReplyFunc) error {
	_, err := f.rpc.Request(ctx, cmd, fn)
	return err
}

func (f *Facade) script(ctx context.Context, s *p.Script, params any, fn rpc.ReplyFunc) error {
	cmd, err := s.Build(params)
	if err != nil {
		return fmt.Errorf("remote: build: %w", err)
	}
	return f.Exec(ctx, cmd, fn)
}

func (f *Facade) expr(ctx context.Context, e p.Expr, fn rpc.ReplyFunc) error {
	return f.script(ctx, p.NewScript().Do(e), nil, fn)
}

func (f *Facade) named(ctx context.Context, name string, params any, fn rpc.ReplyFunc) error {
	cmd, err := p.Named(name, params)
	if err != nil {
		return fmt.Errorf("remote: build: %w", err)
	}
	return f.Exec(ctx, cmd, fn)
}

func checkGUID(guid string) error {
	if strings.TrimSpace(guid) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidGUID)
	}
	return nil
}

func byGUID(guid string) p.Expr {
	return p.Call("ACTIVEAPP.GetScene").Method("GetByGUID", p.String(guid))
}

// SceneLoaded asks whether the embed finished loading its scene.
func (f *Facade) SceneLoaded(ctx context.Context, fn rpc.ReplyFunc) error {
	return f.expr(ctx, p.Call("ACTIVEAPP.getSceneLoaded"), fn)
}

// ClassedItems enumerates guids per category label.
func (f *Facade) ClassedItems(ctx context.Context, fn rpc.ReplyFunc) error {
	s := p.NewScript().
		Let("classedItems", p.Call("ACTIVEAPP.GetClassedItems")).
		Let("sceneKeys", p.Raw("{}")).
		Do(p.Raw("for (var i in classedItems) { sceneKeys[i] = Object.keys(classedItems[i]); }")).
		Do(p.Ref("sceneKeys"))
	return f.script(ctx, s, nil, fn)
}

// FlattenPropertySet fetches the flattened property tree of one object.
func (f *Facade) FlattenPropertySet(ctx context.Context, guid string, fn rpc.ReplyFunc) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	e := byGUID(guid).Field("PropertySet").Method("flatten",
		p.Object([]string{"flattenType"}, p.Ref(flattenValueID)))
	return f.expr(ctx, e, fn)
}

// SetObjectParameter writes values under property of the object guid.
func (f *Facade) SetObjectParameter(ctx context.Context, guid, property string, values map[string]any, fn rpc.ReplyFunc) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	e := p.Call("ACTIVEAPP.setObjectParameter",
		p.String(guid),
		p.Object([]string{"property", "value"}, p.String(property), p.Value(values)),
	)
	return f.expr(ctx, e, fn)
}

// RunCommand runs a named embed command without arguments.
func (f *Facade) RunCommand(ctx context.Context, name string) error {
	return f.expr(ctx, p.Call("ACTIVEAPP.runCommand", p.String(name)), nil)
}

// DeselectAll clears the embed selection. The command name is the embed's own spelling.
func (f *Facade) DeselectAll(ctx context.Context) error {
	return f.RunCommand(ctx, "DesselectAll")
}

func (f *Facade) StartRender(ctx context.Context) error {
	return f.expr(ctx, p.Call("ACTIVEAPP.StartRender"), nil)
}

func (f *Facade) StopRender(ctx context.Context) error {
	return f.expr(ctx, p.Call("ACTIVEAPP.StopRender"), nil)
}

func (f *Facade) SetActiveTool(ctx context.Context, tool Tool) error {
	if !tool.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return f.expr(ctx, p.Call("ACTIVEAPP.Tools.setActiveTool", p.String(string(tool))), nil)
}

func (f *Facade) ShowToolbar(ctx context.Context, show bool) error {
	if show {
		return f.expr(ctx, p.Call("ACTIVEAPP.toolbar.show"), nil)
	}
	return f.expr(ctx, p.Call("ACTIVEAPP.toolbar.hide"), nil)
}

// DuplicateObject clones guid under a new guid and name; the reply data is the new guid.
func (f *Facade) DuplicateObject(ctx context.Context, guid, name string, fn rpc.ReplyFunc) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	pset := p.Ref("pset")
	s := p.NewScript().
		Let("newGuid", p.Call("generateGUID")).
		Let("pset", byGUID(guid).Field("PropertySet").Method("flatten",
			p.Object([]string{"flattenType"}, p.Ref(flattenValueOnly)))).
		Assign(pset.Field("guid").Field("value"), p.Ref("newGuid")).
		Assign(pset.Field("name").Field("value"), p.String(name)).
		Let("obj", p.Array(p.Object([]string{"tuid", "pset"}, pset.Field("tuid").Field("value"), pset))).
		Do(p.Call("ACTIVEAPP.RunCommand", p.Object([]string{"command", "data"},
			p.String("InsertObjects"), p.Ref("obj")))).
		Do(p.Ref("newGuid"))
	return f.script(ctx, s, nil, fn)
}

// AddMaterial creates an engine material of minorType; the reply data is its guid.
func (f *Facade) AddMaterial(ctx context.Context, minorType string, fn rpc.ReplyFunc) error {
	s := p.NewScript().
		Let("mat", p.Call("ACTIVEAPP.AddEngineMaterial", p.Object([]string{"minortype"}, p.String(minorType)))).
		Do(p.Ref("mat.guid"))
	return f.script(ctx, s, nil, fn)
}

// AddLight creates a light of minorType; the reply data is its guid.
func (f *Facade) AddLight(ctx context.Context, minorType string, fn rpc.ReplyFunc) error {
	s := p.NewScript().
		Let("light", p.Call("ACTIVEAPP.AddLight", p.Object([]string{"minortype"}, p.String(minorType)))).
		Do(p.Ref("light.guid"))
	return f.script(ctx, s, nil, fn)
}

func (f *Facade) ComputeTransformedAABB(ctx context.Context, guid string, fn rpc.ReplyFunc) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	s := p.NewScript().
		Let("obj", byGUID(guid)).
		Let("bbox", p.Call("ACTIVEAPP.boundingBoxForEntity", p.Ref("obj"))).
		Do(p.Ref("bbox").Method("transformAndAxisAlign", p.Ref("obj.matrix")))
	return f.script(ctx, s, nil, fn)
}

// FetchChildren replies with the guids of the direct children of guid.
func (f *Facade) FetchChildren(ctx context.Context, guid string, fn rpc.ReplyFunc) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	s := p.NewScript().
		Let("obj", byGUID(guid)).
		Let("arr", p.Raw("[]")).
		Do(p.Raw("if (obj._children) { for (var i = 0; i < obj._children.length; ++i) { arr[i] = obj._children[i].guid; } }")).
		Do(p.Ref("arr"))
	return f.script(ctx, s, nil, fn)
}

// Translate moves guid along axis (x, y or z) and commits the new Position parameters.
func (f *Facade) Translate(ctx context.Context, guid, axis string, distance float64) error {
	if err := checkGUID(guid); err != nil {
		return err
	}
	axis = strings.ToUpper(strings.TrimSpace(axis))
	if axis != "X" && axis != "Y" && axis != "Z" {
		return fmt.Errorf("%w: %q", ErrInvalidAxis, axis)
	}
	mesh := p.Ref("mesh")
	prop := p.Ref("prop")
	newPos := p.Ref("newPos")
	entry := func(c string) p.Expr {
		return p.Object([]string{"parameter", "value"},
			prop.Method("getParameter", p.String(c)), newPos.Field(c))
	}
	s := p.NewScript().
		Let("mesh", byGUID(guid)).
		Do(mesh.Method("translate"+axis, p.Number(distance))).
		Let("prop", mesh.Field("PropertySet").Method("getProperty", p.String("Position"))).
		Let("newPos", p.Object([]string{"x", "y", "z"},
			p.Ref("mesh.position.x"), p.Ref("mesh.position.y"), p.Ref("mesh.position.z"))).
		Assign(p.Ref("mesh.position.x"), p.Number(0)).
		Assign(p.Ref("mesh.position.y"), p.Number(0)).
		Assign(p.Ref("mesh.position.z"), p.Number(0)).
		Do(p.Call("ACTIVEAPP.RunCommand", p.Object(
			[]string{"command", "data", "mutebackend", "forcedirty"},
			p.String("SetParameterValues"),
			p.Object([]string{"ctxt", "list"}, mesh, p.Array(entry("x"), entry("y"), entry("z"))),
			p.Ref("mesh.local"),
			p.Bool(true),
		)))
	return f.script(ctx, s, nil, nil)
}

func (f *Facade) LoadAssets(ctx context.Context, assets []Asset, fn rpc.ReplyFunc) error {
	return f.named(ctx, "loadAssets", assets, fn)
}

// CompressScene replies with a compressed scene suitable for upload.
func (f *Facade) CompressScene(ctx context.Context, fn rpc.ReplyFunc) error {
	return f.named(ctx, "compressScene", nil, fn)
}

// BackendCommand sends one of the backend job instructions (saveRender, saveScene,
// startBackgroundRender); the reply carries data.version_guid.
func (f *Facade) BackendCommand(ctx context.Context, name string, params any, fn rpc.ReplyFunc) error {
	return f.named(ctx, name, params, fn)
}
