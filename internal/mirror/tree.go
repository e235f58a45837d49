package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog/log"
)

// RootName names the synthetic root of every decoded property set.
const RootName = "PropertySet"

var ErrMalformedTree = errors.New("mirror: malformed property set")

type NodeKind uint8

const (
	KindProperty NodeKind = iota + 1
	KindParameter
)

func (k NodeKind) String() string {
	switch k {
	case KindProperty:
		return "property"
	case KindParameter:
		return "parameter"
	default:
		return "node(" + strconv.Itoa(int(k)) + ")"
	}
}

// Node is the wire form of one property-set entry, discriminated once at decode time.
// Parameters carry ID, Name, Type and Value; properties carry Children in source order.
type Node struct {
	Kind     NodeKind
	Key      string
	ID       string
	Name     string
	Type     string
	Value    any
	Children []Node
}

type wireParameter struct {
	ID    any `json:"id"`
	Name  any `json:"name"`
	Type  any `json:"type"`
	Value any `json:"value"`
}

type entry struct {
	key string
	raw json.RawMessage
}

// DecodeNode decodes a serialized property set into a tree rooted at RootName.
// An object carrying both a truthy id and a truthy type is a parameter; any other
// object is a property. Non-object members are skipped.
func DecodeNode(raw []byte) (Node, error) {
	root := Node{Kind: KindProperty, Key: RootName}
	children, err := decodeChildren(raw)
	if err != nil {
		return Node{}, err
	}
	root.Children = children
	return root, nil
}

func decodeChildren(raw []byte) ([]Node, error) {
	entries, err := objectEntries(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		if !isObject(e.raw) {
			log.Trace().Str("key", e.key).Msg("mirror.DecodeNode skip non-object member")
			continue
		}
		var wp wireParameter
		if err := json.Unmarshal(e.raw, &wp); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedTree, e.key, err)
		}
		if truthy(wp.ID) && truthy(wp.Type) {
			out = append(out, Node{
				Kind:  KindParameter,
				Key:   e.key,
				ID:    scalarString(wp.ID),
				Name:  scalarString(wp.Name),
				Type:  scalarString(wp.Type),
				Value: wp.Value,
			})
			continue
		}
		children, err := decodeChildren(e.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Node{Kind: KindProperty, Key: e.key, Children: children})
	}
	return out, nil
}

// objectEntries walks one JSON object keeping member order.
func objectEntries(raw []byte) ([]entry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrMalformedTree)
	}
	var out []entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key", ErrMalformedTree)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedTree, key, err)
		}
		out = append(out, entry{key: key, raw: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	return out, nil
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	default:
		return true
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// MarshalJSON writes the node back in the wire shape, members in order.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Kind == KindParameter {
		return json.Marshal(wireParameter{ID: n.ID, Name: n.Name, Type: n.Type, Value: n.Value})
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, child := range n.Children {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(child.Key)
		if err != nil {
			return nil, err
		}
		v, err := child.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BuildTree deep-copies n into a new entity tree whose parameters belong to owner.
// Parameters are keyed by id and name; child properties by their member key.
func BuildTree(owner *Object, n Node) *Property {
	root := NewProperty(RootName)
	fill(owner, root, n.Children)
	return root
}

func fill(owner *Object, into *Property, nodes []Node) {
	for _, n := range nodes {
		switch n.Kind {
		case KindParameter:
			into.AddParameter(newParameter(owner, into, n.ID, n.Name, n.Type, n.Value))
		case KindProperty:
			child := NewProperty(n.Key)
			into.AppendProperty(child)
			fill(owner, child, n.Children)
		}
	}
}

// Flatten snapshots p back into its wire form. Parameters come first keyed by id,
// then child properties keyed by name.
func Flatten(p *Property) Node {
	return flatten(p, p.Name())
}

func flatten(p *Property, key string) Node {
	n := Node{Kind: KindProperty, Key: key}
	for _, param := range p.Parameters() {
		n.Children = append(n.Children, Node{
			Kind:  KindParameter,
			Key:   param.ID(),
			ID:    param.ID(),
			Name:  param.Name(),
			Type:  param.Type(),
			Value: param.Value(),
		})
	}
	for _, child := range p.Properties() {
		n.Children = append(n.Children, flatten(child, child.Name()))
	}
	return n
}
