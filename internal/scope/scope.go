// Package scope implements the nested variable environment used during
// interpretation. Values are go-cty values; each symbol keeps the type it was
// declared with and assignments are converted to it.
package scope

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Symbol is one named binding.
type Symbol struct {
	Name     string
	Type     cty.Type
	Value    cty.Value
	Constant bool
	// Function is the id of the declaring node when the symbol names a
	// function. Function values are stored by reference only.
	Function string
}

// IsFunction reports whether the symbol refers to a function declaration.
func (s *Symbol) IsFunction() bool { return s.Function != "" }

// Scope is an ordered name→Symbol mapping with a parent link.
type Scope struct {
	ID     string
	NodeID string

	parent  *Scope
	mu      sync.RWMutex
	symbols map[string]*Symbol
	names   []string
}

// IDs hands out scope ids. Each program run owns one, so ids are unique
// within the run and restored checkpoints keep theirs.
type IDs struct {
	n atomic.Uint64
}

// Next returns an id not handed out or reserved before.
func (ids *IDs) Next() string {
	return fmt.Sprintf("scope-%d", ids.n.Add(1))
}

// Reserve makes sure Next never hands out id again. Restored checkpoints
// call it for every scope they recreate.
func (ids *IDs) Reserve(id string) {
	rest, ok := strings.CutPrefix(id, "scope-")
	if !ok {
		return
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return
	}
	for {
		cur := ids.n.Load()
		if cur >= n || ids.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// New creates a scope nested in parent, opened by the node nodeID.
func (ids *IDs) New(parent *Scope, nodeID string) *Scope {
	return NewWithID(ids.Next(), parent, nodeID)
}

// NewWithID creates a scope with a caller-chosen id, used when restoring
// checkpoints.
func NewWithID(id string, parent *Scope, nodeID string) *Scope {
	return &Scope{
		ID:      id,
		NodeID:  nodeID,
		parent:  parent,
		symbols: make(map[string]*Symbol),
	}
}

// Parent returns the enclosing scope, or nil for the global scope.
func (s *Scope) Parent() *Scope { return s.parent }

// SetParent relinks the scope. Only checkpoint restore needs this.
func (s *Scope) SetParent(p *Scope) { s.parent = p }

// Add declares sym in this scope, replacing an existing local binding.
// A value of unknown type takes the value's own type.
func (s *Scope) Add(sym Symbol) error {
	if sym.Type == cty.NilType {
		sym.Type = sym.Value.Type()
	}
	if sym.Value.Type() == cty.NilType {
		sym.Value = cty.NullVal(sym.Type)
	}
	if sym.Type != cty.DynamicPseudoType && !sym.Value.Type().Equals(sym.Type) {
		v, err := convert.Convert(sym.Value, sym.Type)
		if err != nil {
			return fmt.Errorf("cannot assign %s to %q of type %s: %w", sym.Value.Type().FriendlyName(), sym.Name, sym.Type.FriendlyName(), err)
		}
		sym.Value = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.symbols[sym.Name]; ok && existing.Constant {
		return fmt.Errorf("cannot redeclare constant %q", sym.Name)
	}
	if _, ok := s.symbols[sym.Name]; !ok {
		s.names = append(s.names, sym.Name)
	}
	cp := sym
	s.symbols[sym.Name] = &cp
	return nil
}

// GetLocal looks name up in this scope only.
func (s *Scope) GetLocal(name string) (Symbol, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.symbols[name]
	if !ok {
		return Symbol{}, false
	}
	return *sym, true
}

// Get walks outward until name is found.
func (s *Scope) Get(name string) (Symbol, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if sym, ok := cur.GetLocal(name); ok {
			return sym, true
		}
	}
	return Symbol{}, false
}

// Lookup is Get that also returns the scope holding the binding.
func (s *Scope) Lookup(name string) (*Scope, Symbol, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if sym, ok := cur.GetLocal(name); ok {
			return cur, sym, true
		}
	}
	return nil, Symbol{}, false
}

// Set assigns to the nearest binding of name, converting value to the
// symbol's declared type.
func (s *Scope) Set(name string, value cty.Value) (cty.Value, error) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		sym, ok := cur.symbols[name]
		if !ok {
			cur.mu.Unlock()
			continue
		}
		defer cur.mu.Unlock()
		if sym.Constant {
			return cty.NilVal, fmt.Errorf("cannot assign to constant %q", name)
		}
		v := value
		if sym.Type != cty.DynamicPseudoType {
			var err error
			v, err = convert.Convert(value, sym.Type)
			if err != nil {
				return cty.NilVal, fmt.Errorf("cannot assign %s to %q of type %s: %w", value.Type().FriendlyName(), name, sym.Type.FriendlyName(), err)
			}
		}
		sym.Value = v
		return v, nil
	}
	return cty.NilVal, fmt.Errorf("undefined variable %q", name)
}

// Names returns local names in declaration order.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...)
}

// Symbols returns copies of the local symbols in declaration order.
func (s *Scope) Symbols() []Symbol {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Symbol, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, *s.symbols[n])
	}
	return out
}

// Chain returns this scope followed by every ancestor up to the global scope.
func (s *Scope) Chain() []*Scope {
	var out []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		out = append(out, cur)
	}
	return out
}

// Values flattens the visible bindings into a map, inner names shadowing
// outer ones. Reporting uses it as the final scope snapshot.
func (s *Scope) Values() map[string]cty.Value {
	out := make(map[string]cty.Value)
	chain := s.Chain()
	for i := len(chain) - 1; i >= 0; i-- {
		for _, sym := range chain[i].Symbols() {
			out[sym.Name] = sym.Value
		}
	}
	return out
}
