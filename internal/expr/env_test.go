package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func responseActivation(status int, body any) map[string]any {
	return map[string]any{
		"endpoint": "vrti",
		"response": map[string]any{
			"status":      int64(status),
			"contentType": "application/sparql-results+json",
			"bytes":       int64(128),
			"body":        body,
		},
	}
}

func TestResponsePredicateOverBindings(t *testing.T) {
	env, err := NewResponseEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`size(response.body.results.bindings) > 0`)
	require.NoError(t, err)

	withRows := responseActivation(200, map[string]any{
		"results": map[string]any{"bindings": []any{map[string]any{"name": "x"}}},
	})
	matched, err := program.EvalBool(withRows)
	require.NoError(t, err)
	require.True(t, matched)

	empty := responseActivation(200, map[string]any{
		"results": map[string]any{"bindings": []any{}},
	})
	matched, err = program.EvalBool(empty)
	require.NoError(t, err)
	require.False(t, matched)
}

func TestLookupMapValue(t *testing.T) {
	env, err := NewResponseEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(response, "contentType") == "application/sparql-results+json"`)
	require.NoError(t, err)
	matched, err := program.EvalBool(responseActivation(200, nil))
	require.NoError(t, err)
	require.True(t, matched)

	missingProgram, err := env.Compile(`lookup(response, "etag") == "abc"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(responseActivation(200, nil))
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBoolPredicate(t *testing.T) {
	env, err := NewRangeEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`from + 1`)
	require.Error(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)
}

func TestCompileValue(t *testing.T) {
	env, err := NewRangeEnvironment()
	require.NoError(t, err)

	program, err := env.CompileValue(`to - from`)
	require.NoError(t, err)

	result, err := program.Eval(RangeActivation("vrti", 1800, 1810, 10))
	require.NoError(t, err)
	require.Equal(t, int64(10), result)

	_, err = program.EvalBool(RangeActivation("vrti", 1800, 1810, 10))
	require.Error(t, err, "expected EvalBool to fail for non-boolean program")
}

func TestProgramSource(t *testing.T) {
	env, err := NewResponseEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}
