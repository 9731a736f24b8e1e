package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

func TestParse(t *testing.T) {
	ref, err := Parse("env://API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "env", ref.Provider)
	assert.Equal(t, "API_TOKEN", ref.ID)

	ref, err = Parse("file:///etc/creds.json#/token")
	require.NoError(t, err)
	assert.Equal(t, "file", ref.Provider)
	assert.Equal(t, "/etc/creds.json", ref.ID)
	assert.False(t, ref.Pointer.IsZero())

	_, err = Parse("vault://x")
	require.Error(t, err)
	assert.Equal(t, runerr.KindSecret, runerr.KindOf(err))

	_, err = Parse("env://")
	require.Error(t, err)
}

func TestRefStringIsRedacted(t *testing.T) {
	ref, err := Parse("env://API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "env://API_TOKEN", ref.String())
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("ARZ_TEST_TOKEN", "s3cret")
	r := NewResolver()
	v, err := r.Resolve(context.Background(), "env://ARZ_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
}

func TestResolveEnvFallbackPrefix(t *testing.T) {
	t.Setenv("ARAZZO_SECRET_DBPASS", "hunter2")
	r := NewResolver()
	v, err := r.Resolve(context.Background(), "env://DBPASS")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "env://ARZ_TEST_DOES_NOT_EXIST")
	require.Error(t, err)
	assert.Equal(t, runerr.KindSecret, runerr.KindOf(err))
}

func TestResolveFileWithPointer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"abc","nested":{"key":"xyz"}}`), 0o600))

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "file://"+path+"#/nested/key")
	require.NoError(t, err)
	assert.Equal(t, "xyz", v)
}

func TestResolveFileTrimsTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pass")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\n"), 0o600))

	r := NewResolver()
	v, err := r.Resolve(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)
}

func TestResolveMemoizes(t *testing.T) {
	calls := 0
	r := NewResolver()
	r.Register("env", ProviderFunc(func(_ context.Context, id string) (string, error) {
		calls++
		return "v-" + id, nil
	}))

	for range 3 {
		v, err := r.Resolve(context.Background(), "env://KEY")
		require.NoError(t, err)
		assert.Equal(t, "v-KEY", v)
	}
	assert.Equal(t, 1, calls)
}

func TestUnboundCloudProviders(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "aws-sm://arn:aws:secretsmanager:eu-west-1:1:secret:x")
	require.Error(t, err)
	assert.Equal(t, runerr.KindSecret, runerr.KindOf(err))

	r.Register("aws-sm", ProviderFunc(func(_ context.Context, id string) (string, error) {
		return "from-aws", nil
	}))
	v, err := r.Resolve(context.Background(), "aws-sm://arn:aws:secretsmanager:eu-west-1:1:secret:x")
	require.NoError(t, err)
	assert.Equal(t, "from-aws", v)
}

func TestExpandValue(t *testing.T) {
	t.Setenv("ARZ_EXPAND_TOKEN", "tok")
	r := NewResolver()
	in := map[string]any{
		"auth":  "env://ARZ_EXPAND_TOKEN",
		"plain": "not a secret",
		"list":  []any{"env://ARZ_EXPAND_TOKEN"},
	}
	out, used, err := r.ExpandValue(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "tok", out.(map[string]any)["auth"])
	assert.Equal(t, "not a secret", out.(map[string]any)["plain"])
	assert.Len(t, used, 2)
}
