package platform

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	p, err := Parse("x86_64-pc-windows-gnu")
	require.NoError(t, err)
	assert.Equal(t, OpTarget, p.Expr().Op)
	assert.Equal(t, "x86_64-pc-windows-gnu", p.String())
	assert.Equal(t, "x86_64-pc-windows-gnu", p.Canonical())
}

func TestParseCfg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		canonical string
	}{
		{`cfg(unix)`, `cfg(unix)`},
		{`cfg(target_os="linux")`, `cfg(target_os = "linux")`},
		{`cfg(all(unix,target_arch = "x86"))`, `cfg(all(unix, target_arch = "x86"))`},
		{`cfg(not(windows))`, `cfg(not(windows))`},
		{
			`cfg(any(target_os = "macos", all(target_os = "linux", not(target_env = "musl")),))`,
			`cfg(any(target_os = "macos", all(target_os = "linux", not(target_env = "musl"))))`,
		},
		{`cfg(all())`, `cfg(all())`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Parse(tt.in)
			require.NoError(t, err)
			assert.NotEqual(t, OpTarget, p.Expr().Op)
			assert.Equal(t, tt.in, p.String(), "source text must be preserved")
			assert.Equal(t, tt.canonical, p.Canonical())
		})
	}
}

func TestParseTree(t *testing.T) {
	t.Parallel()

	p := MustParse(`cfg(all(unix, not(target_arch = "wasm32")))`)
	root := p.Expr()
	require.Equal(t, OpAll, root.Op)
	require.Len(t, root.Args, 2)
	assert.Equal(t, &Expr{Op: OpName, Key: "unix"}, root.Args[0])

	not := root.Args[1]
	require.Equal(t, OpNot, not.Op)
	require.Len(t, not.Args, 1)
	assert.Equal(t, &Expr{Op: OpKeyValue, Key: "target_arch", Value: "wasm32"}, not.Args[0])
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"   ",
		"cfg(",
		"cfg()",
		"cfg(unix",
		"cfg(unix))",
		`cfg(target_os = linux)`,
		`cfg(target_os = "linux)`,
		"cfg(maybe(unix))",
		"cfg(not(unix, windows))",
		"cfg(not())",
		"cfg(unix windows)",
		"x86_64 linux",
		"cfg(1abc)",
	}
	for _, in := range bad {
		_, err := Parse(in)
		if assert.Error(t, err, "input %q", in) {
			assert.True(t, errors.Is(err, ErrInvalidPredicate), "input %q: %v", in, err)
		}
	}
}

func TestPredicateJSON(t *testing.T) {
	t.Parallel()

	type edge struct {
		Target *Predicate `json:"target"`
	}

	in := []byte(`{"target":"cfg(all(unix,target_arch=\"x86\"))"}`)
	var e edge
	require.NoError(t, json.Unmarshal(in, &e))
	require.NotNil(t, e.Target)
	assert.Equal(t, OpAll, e.Target.Expr().Op)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))

	var empty edge
	out, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `{"target":null}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"target":"cfg(oops"}`), &e))
}
