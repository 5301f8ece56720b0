package run

import "github.com/zclconf/go-cty/cty"

// Node is anything addressable by a stable id.
type Node interface {
	NodeID() string
}

// Statement is an executable node. A returned error becomes FATAL_ERROR.
type Statement interface {
	Node
	Execute(t *Thread) error
}

// Expression is an evaluable node.
type Expression interface {
	Node
	Eval(t *Thread) (cty.Value, error)
}

// Compound marks statements that hold child statements. They open a frame
// with Thread.Enter and run their children through Thread.Run, which records
// progress in that frame.
type Compound interface {
	Statement
	compound()
}

// CompoundNode is embedded by statements that are Compound.
type CompoundNode struct{}

func (CompoundNode) compound() {}

// Callable is a function call that can run on its own thread with arguments
// evaluated by the caller.
type Callable interface {
	Node
	Invoke(t *Thread, args []cty.Value) (cty.Value, error)
}

// Program is the node tree handed to the runtime.
type Program interface {
	Root() Statement
	Node(id string) (Node, bool)
}

// Native is a function implemented in Go.
type Native func(t *Thread, args []cty.Value) (cty.Value, error)
