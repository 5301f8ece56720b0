package lang

import (
	"fmt"
	"reflect"

	"github.com/specialistvlad/bdsgo/internal/run"
)

// Meta carries the stable id every node is addressed by in checkpoints.
type Meta struct {
	ID string
}

// NodeID returns the node's id.
func (m *Meta) NodeID() string { return m.ID }

func (m *Meta) meta() *Meta { return m }

type node interface {
	run.Node
	meta() *Meta
	children() []run.Node
}

// Program is an indexed node tree.
type Program struct {
	root  *Block
	nodes map[string]run.Node
	order []string
}

// NewProgram walks root depth-first, gives every node without an id the id
// "n<k>" where k is its walk position, and indexes the tree. Duplicate ids
// are an error.
func NewProgram(root *Block) (*Program, error) {
	if root == nil {
		return nil, fmt.Errorf("program has no root block")
	}
	p := &Program{root: root, nodes: make(map[string]run.Node)}
	k := 0
	var walk func(n run.Node) error
	walk = func(n run.Node) error {
		nd, ok := n.(node)
		if !ok {
			return fmt.Errorf("unsupported node type %T", n)
		}
		m := nd.meta()
		if m.ID == "" {
			m.ID = fmt.Sprintf("n%d", k)
		}
		k++
		if _, dup := p.nodes[m.ID]; dup {
			return fmt.Errorf("duplicate node id %q", m.ID)
		}
		p.nodes[m.ID] = n
		p.order = append(p.order, m.ID)
		for _, c := range nd.children() {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return p, nil
}

// Root returns the top-level block.
func (p *Program) Root() run.Statement { return p.root }

// Node resolves an id.
func (p *Program) Node(id string) (run.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// IDs returns every node id in walk order.
func (p *Program) IDs() []string { return append([]string(nil), p.order...) }

// kids drops nil entries, including typed nil pointers.
func kids(ns ...run.Node) []run.Node {
	out := make([]run.Node, 0, len(ns))
	for _, n := range ns {
		if n == nil {
			continue
		}
		if v := reflect.ValueOf(n); v.Kind() == reflect.Pointer && v.IsNil() {
			continue
		}
		out = append(out, n)
	}
	return out
}

func stmts(ss []run.Statement) []run.Node {
	out := make([]run.Node, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return kids(out...)
}

func exprs(es []run.Expression) []run.Node {
	out := make([]run.Node, len(es))
	for i, e := range es {
		out[i] = e
	}
	return kids(out...)
}
