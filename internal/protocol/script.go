package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
	pathPattern  = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
)

// Command is one instruction plus the optional argument context forwarded verbatim.
type Command struct {
	Instruction string
	Params      any
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.Instruction) == "" {
		return fmt.Errorf("%w: empty instruction", ErrInvalidInstruction)
	}
	return nil
}

// Named is a bare named instruction such as "saveScene", executed with Params as context.
func Named(name string, params any) (Command, error) {
	if !identPattern.MatchString(name) {
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidInstruction, name)
	}
	return Command{Instruction: name, Params: params}, nil
}

// Expr is a rendered script expression. Dynamic values only enter through the literal
// constructors, which JSON-encode them.
type Expr struct {
	text string
	err  error
}

func (e Expr) String() string { return e.text }

func (e Expr) Err() error { return e.err }

// Ref references a dotted identifier path, e.g. "ACTIVEAPP.StartRender".
func Ref(path string) Expr {
	if !pathPattern.MatchString(path) {
		return Expr{err: fmt.Errorf("%w: %q", ErrInvalidCallee, path)}
	}
	return Expr{text: path}
}

// Raw embeds fixed script text. Never pass caller-supplied input.
func Raw(text string) Expr {
	if strings.TrimSpace(text) == "" {
		return Expr{err: fmt.Errorf("%w: empty raw fragment", ErrInvalidLiteral)}
	}
	return Expr{text: text}
}

func String(v string) Expr {
	return Value(v)
}

func Bool(v bool) Expr {
	return Expr{text: strconv.FormatBool(v)}
}

func Number(v float64) Expr {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Expr{err: fmt.Errorf("%w: non-finite number", ErrInvalidLiteral)}
	}
	return Expr{text: strconv.FormatFloat(v, 'g', -1, 64)}
}

// Value JSON-encodes v as a literal.
func Value(v any) Expr {
	b, err := json.Marshal(v)
	if err != nil {
		return Expr{err: fmt.Errorf("%w: %v", ErrInvalidLiteral, err)}
	}
	return Expr{text: string(b)}
}

// Call invokes callee with args.
func Call(callee string, args ...Expr) Expr {
	return Ref(callee).Call(args...)
}

// Call invokes e itself with args.
func (e Expr) Call(args ...Expr) Expr {
	if e.err != nil {
		return e
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg.err != nil {
			return Expr{err: arg.err}
		}
		parts = append(parts, arg.text)
	}
	return Expr{text: e.text + "(" + strings.Join(parts, ",") + ")"}
}

// Field selects a member of e.
func (e Expr) Field(name string) Expr {
	if e.err != nil {
		return e
	}
	if !identPattern.MatchString(name) {
		return Expr{err: fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)}
	}
	return Expr{text: e.text + "." + name}
}

// Method calls e.name(args...).
func (e Expr) Method(name string, args ...Expr) Expr {
	return e.Field(name).Call(args...)
}

// Object renders an object literal with keys in the given order.
func Object(keys []string, values ...Expr) Expr {
	if len(keys) != len(values) {
		return Expr{err: fmt.Errorf("%w: object arity mismatch", ErrInvalidLiteral)}
	}
	parts := make([]string, 0, len(keys))
	for i, key := range keys {
		if values[i].err != nil {
			return Expr{err: values[i].err}
		}
		k, _ := json.Marshal(key)
		parts = append(parts, string(k)+":"+values[i].text)
	}
	return Expr{text: "{" + strings.Join(parts, ",") + "}"}
}

// Array renders an array literal.
func Array(values ...Expr) Expr {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v.err != nil {
			return Expr{err: v.err}
		}
		parts = append(parts, v.text)
	}
	return Expr{text: "[" + strings.Join(parts, ",") + "]"}
}

// Script accumulates statements; the last expression statement is the reply value.
type Script struct {
	stmts []string
	errs  []error
}

func NewScript() *Script {
	return &Script{}
}

func (s *Script) Let(name string, e Expr) *Script {
	if !identPattern.MatchString(name) {
		s.errs = append(s.errs, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name))
		return s
	}
	return s.push("var "+name+" = ", e)
}

func (s *Script) Assign(target, e Expr) *Script {
	if target.err != nil {
		s.errs = append(s.errs, target.err)
		return s
	}
	return s.push(target.text+" = ", e)
}

func (s *Script) Do(e Expr) *Script {
	return s.push("", e)
}

func (s *Script) push(prefix string, e Expr) *Script {
	if e.err != nil {
		s.errs = append(s.errs, e.err)
		return s
	}
	s.stmts = append(s.stmts, prefix+e.text+";")
	return s
}

// Build validates and renders the script.
func (s *Script) Build(params any) (Command, error) {
	if err := errors.Join(s.errs...); err != nil {
		return Command{}, err
	}
	if len(s.stmts) == 0 {
		return Command{}, ErrEmptyScript
	}
	return Command{Instruction: strings.Join(s.stmts, ""), Params: params}, nil
}

// Expression builds a single-statement script from e.
func Expression(e Expr) (Command, error) {
	return NewScript().Do(e).Build(nil)
}
