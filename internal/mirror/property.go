package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrDetached = errors.New("mirror: parameter has no owning object or property")

// Property is one node of an entity tree. Its name and indexes are fixed at
// construction; structure changes only through AddParameter and AppendProperty.
type Property struct {
	name string

	mu       sync.RWMutex
	order    []string
	byID     map[string]*Parameter
	byName   map[string]*Parameter
	children []string
	byChild  map[string]*Property
}

func NewProperty(name string) *Property {
	return &Property{
		name:    name,
		byID:    make(map[string]*Parameter),
		byName:  make(map[string]*Parameter),
		byChild: make(map[string]*Property),
	}
}

func (p *Property) Name() string { return p.name }

// AddParameter indexes param by id and by name. An existing entry under either key
// is replaced and keeps its position.
func (p *Property) AddParameter(param *Parameter) {
	if param == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.byID[param.id]; ok {
		if p.byName[old.name] == old {
			delete(p.byName, old.name)
		}
		log.Debug().Str("property", p.name).Str("id", param.id).Msg("mirror.Property.AddParameter replace")
	} else {
		p.order = append(p.order, param.id)
	}
	p.byID[param.id] = param
	p.byName[param.name] = param
}

// AppendProperty adds child under its own name, replacing any existing child.
func (p *Property) AppendProperty(child *Property) {
	if child == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byChild[child.name]; !ok {
		p.children = append(p.children, child.name)
	}
	p.byChild[child.name] = child
}

func (p *Property) GetParameter(id string) (*Parameter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	param, ok := p.byID[id]
	return param, ok
}

func (p *Property) ParameterByName(name string) (*Parameter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	param, ok := p.byName[name]
	return param, ok
}

func (p *Property) GetProperty(name string) (*Property, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	child, ok := p.byChild[name]
	return child, ok
}

// Parameters lists parameters in insertion order.
func (p *Property) Parameters() []*Parameter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Parameter, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// Properties lists child properties in insertion order.
func (p *Property) Properties() []*Property {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Property, 0, len(p.children))
	for _, name := range p.children {
		out = append(out, p.byChild[name])
	}
	return out
}

// Parameter is one leaf value. Identity fields are read-only; the value changes
// through Set (propagating) or setMuted (inbound events only).
type Parameter struct {
	id     string
	name   string
	typ    string
	parent *Property
	owner  *Object

	mu    sync.RWMutex
	value any
}

// NewParameter builds a parameter with no owning object. Set on it returns ErrDetached.
func NewParameter(parent *Property, id, name, typ string, value any) *Parameter {
	return newParameter(nil, parent, id, name, typ, value)
}

func newParameter(owner *Object, parent *Property, id, name, typ string, value any) *Parameter {
	return &Parameter{id: id, name: name, typ: typ, parent: parent, owner: owner, value: value}
}

func (p *Parameter) ID() string        { return p.id }
func (p *Parameter) Name() string      { return p.name }
func (p *Parameter) Type() string      { return p.typ }
func (p *Parameter) Parent() *Property { return p.parent }
func (p *Parameter) Owner() *Object    { return p.owner }

func (p *Parameter) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Set stores v and writes exactly this parameter to the embed under the parent
// property's name. The previous value is restored when the write cannot be sent.
func (p *Parameter) Set(ctx context.Context, v any) error {
	if p.owner == nil || p.parent == nil {
		return ErrDetached
	}
	p.mu.Lock()
	prev := p.value
	p.value = v
	p.mu.Unlock()
	if err := p.owner.link.SetObjectParameter(ctx, p.owner.guid, p.parent.name, map[string]any{p.id: v}, nil); err != nil {
		p.setMuted(prev)
		return err
	}
	return nil
}

func (p *Parameter) setMuted(v any) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}
