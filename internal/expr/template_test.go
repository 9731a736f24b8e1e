package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateBareExpression(t *testing.T) {
	tpl, err := CompileTemplate("$inputs.pet")
	require.NoError(t, err)

	env := &Env{Inputs: map[string]any{"pet": map[string]any{"name": "rex"}}}
	v, err := tpl.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "rex"}, v)
}

func TestTemplateInterpolation(t *testing.T) {
	tpl, err := CompileTemplate("Bearer {$steps.login.outputs.token}")
	require.NoError(t, err)

	env := &Env{StepOutputs: map[string]map[string]any{"login": {"token": "abc"}}}
	v, err := tpl.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", v)
}

func TestTemplatePlainString(t *testing.T) {
	tpl, err := CompileTemplate("no expressions here")
	require.NoError(t, err)
	v, err := tpl.Eval(&Env{})
	require.NoError(t, err)
	assert.Equal(t, "no expressions here", v)
}

func TestTemplateUnterminated(t *testing.T) {
	_, err := CompileTemplate("Bearer {$steps.login.outputs.token")
	require.Error(t, err)
}

func TestTemplateStepRefs(t *testing.T) {
	tpl, err := CompileTemplate("{$steps.a.outputs.x}-{$steps.b.outputs.y}")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, tpl.StepRefs())
}

func TestExpandValue(t *testing.T) {
	env := &Env{
		Inputs:      map[string]any{"name": "rex", "tag": "dog"},
		StepOutputs: map[string]map[string]any{"login": {"token": "abc"}},
	}
	in := map[string]any{
		"name":   "$inputs.name",
		"label":  "tag:{$inputs.tag}",
		"tokens": []any{"$steps.login.outputs.token"},
		"count":  2.0,
	}
	out, err := ExpandValue(in, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":   "rex",
		"label":  "tag:dog",
		"tokens": []any{"abc"},
		"count":  2.0,
	}, out)
}

func TestExpandValueStrictFailure(t *testing.T) {
	_, err := ExpandValue(map[string]any{"v": "$inputs.missing"}, &Env{Inputs: map[string]any{}})
	require.Error(t, err)
}

func TestCollectStepRefs(t *testing.T) {
	refs := map[string]struct{}{}
	CollectStepRefs(map[string]any{
		"a": "$steps.first.outputs.id",
		"b": []any{"{$steps.second.response.body#/x}"},
		"c": "plain",
	}, refs)
	assert.Len(t, refs, 2)
	assert.Contains(t, refs, "first")
	assert.Contains(t, refs, "second")
}

func TestPointerResolve(t *testing.T) {
	p, err := ParseJSONPointer("/a~1b/items/1/~0meta")
	require.NoError(t, err)
	doc := map[string]any{
		"a/b": map[string]any{
			"items": []any{nil, map[string]any{"~meta": "found"}},
		},
	}
	v, err := p.Resolve(doc)
	require.NoError(t, err)
	assert.Equal(t, "found", v)
}

func TestPointerRejectsBadEscape(t *testing.T) {
	_, err := ParseJSONPointer("/bad~2escape")
	require.Error(t, err)

	_, err = ParseJSONPointer("missing/slash")
	require.Error(t, err)
}
