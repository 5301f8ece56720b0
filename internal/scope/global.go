package scope

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// GlobalID is the fixed id of the global scope, so checkpoints written by one
// process resolve against the global scope built by another.
const GlobalID = "global"

// Binding is a named value destined for the global scope.
type Binding struct {
	Name     string
	Value    cty.Value
	Constant bool
}

// NewGlobal builds the root scope from the configured bindings.
func NewGlobal(bindings []Binding) (*Scope, error) {
	g := NewWithID(GlobalID, nil, "")
	for _, b := range bindings {
		if err := g.Add(Symbol{Name: b.Name, Value: b.Value, Constant: b.Constant}); err != nil {
			return nil, fmt.Errorf("global %q: %w", b.Name, err)
		}
	}
	return g, nil
}
