package lang

import (
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/executioners"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scheduler"
	"github.com/specialistvlad/bdsgo/internal/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

type env struct {
	rt     *run.Runtime
	stdout *testutil.SafeBuffer
	stderr *testutil.SafeBuffer
	dir    string
}

func newEnv(t *testing.T, ex executioner.Executioner, root *Block) *env {
	t.Helper()
	return newEnvWith(t, ex, root, nil)
}

func newEnvWith(t *testing.T, ex executioner.Executioner, root *Block, natives map[string]run.Native) *env {
	t.Helper()
	prog, err := NewProgram(root)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.TaskDir = dir
	reg := executioners.New(2 * time.Millisecond)
	reg.Use(ex)

	e := &env{stdout: &testutil.SafeBuffer{}, stderr: &testutil.SafeBuffer{}, dir: dir}
	e.rt, err = run.New(prog, run.Options{
		Config:    cfg,
		Scheduler: scheduler.New(reg),
		Backends:  reg,
		Natives:   natives,
		Stdout:    e.stdout,
		Stderr:    e.stderr,
	})
	require.NoError(t, err)
	return e
}

func block(ss ...run.Statement) *Block { return &Block{Stmts: ss} }

func str(s string) *Literal { return &Literal{Value: cty.StringVal(s)} }

func num(n int64) *Literal { return &Literal{Value: cty.NumberIntVal(n)} }

func ref(name string) *VarRef { return &VarRef{Name: name} }

func bin(op string, l, r run.Expression) *Binary { return &Binary{Op: op, L: l, R: r} }

func set(name string, x run.Expression) *ExprStatement {
	return &ExprStatement{X: &Assign{Name: name, X: x}}
}

func declare(name string, ty cty.Type, x run.Expression) *VarDeclaration {
	return &VarDeclaration{Name: name, Type: ty, Init: x}
}

func echo(x run.Expression) *Print { return &Print{X: x, Newline: true} }

func call(name string, args ...run.Expression) *FunctionCall {
	return &FunctionCall{Name: name, Args: args}
}

func list(ss ...string) *List {
	l := &List{}
	for _, s := range ss {
		l.Elems = append(l.Elems, str(s))
	}
	return l
}
