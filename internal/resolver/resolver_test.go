package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-run/bifrost/internal/execution"
)

func TestRegistry_ResolveBuiltin(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	target, err := r.Resolve(execution.KindTool, "demo.echo")
	require.NoError(t, err)
	require.Equal(t, BehaviorEcho, target.Behavior)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	_, err := r.Resolve(execution.KindTool, "demo.nope")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRegistry_ResolveKindMismatch(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	// demo.echo is a tool, not a workflow.
	_, err := r.Resolve(execution.KindWorkflow, "demo.echo")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	require.NoError(t, r.Register(Target{
		ID:       "custom.tool",
		Kind:     execution.KindTool,
		Behavior: BehaviorEcho,
	}))

	target, err := r.Resolve(execution.KindTool, "custom.tool")
	require.NoError(t, err)
	require.Equal(t, "custom.tool", target.ID)

	require.Error(t, r.Register(Target{Kind: execution.KindTool}), "missing id must be rejected")
	require.Error(t, r.Register(Target{ID: "x", Kind: "bogus"}), "invalid kind must be rejected")
}

func TestSchema_Coerce(t *testing.T) {
	schema := Schema{Params: []ParamSpec{
		{Name: "message", Type: ParamString, Required: true},
		{Name: "count", Type: ParamInt, Required: false, Default: 1},
		{Name: "ratio", Type: ParamFloat, Required: false},
	}}

	out, err := schema.Coerce(map[string]any{
		"message": "hello",
		"count":   float64(3), // JSON numbers arrive as float64
		"ratio":   2,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", out["message"])
	require.Equal(t, int64(3), out["count"])
	require.Equal(t, float64(2), out["ratio"])
}

func TestSchema_Coerce_DefaultApplied(t *testing.T) {
	schema := Schema{Params: []ParamSpec{
		{Name: "count", Type: ParamInt, Required: false, Default: 5},
	}}
	out, err := schema.Coerce(nil)
	require.NoError(t, err)
	require.Equal(t, 5, out["count"])
}

func TestSchema_Coerce_MissingRequired(t *testing.T) {
	schema := Schema{Params: []ParamSpec{
		{Name: "message", Type: ParamString, Required: true},
	}}
	_, err := schema.Coerce(map[string]any{})
	require.ErrorIs(t, err, ErrInvalidParams)
	require.Contains(t, err.Error(), `missing required parameter "message"`)
}

func TestSchema_Coerce_UnknownParam(t *testing.T) {
	schema := Schema{}
	_, err := schema.Coerce(map[string]any{"surprise": true})
	require.ErrorIs(t, err, ErrInvalidParams)
	require.Contains(t, err.Error(), `unknown parameter "surprise"`)
}

func TestSchema_Coerce_TypeMismatch(t *testing.T) {
	schema := Schema{Params: []ParamSpec{
		{Name: "count", Type: ParamInt, Required: true},
	}}

	_, err := schema.Coerce(map[string]any{"count": "three"})
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = schema.Coerce(map[string]any{"count": 1.5})
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestRegistry_LoadManifest(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	path := filepath.Join(t.TempDir(), "targets.yaml")
	manifest := `targets:
  - id: billing.report
    kind: workflow
    behavior: echo
    schema:
      params:
        - name: month
          type: string
          required: true
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	require.NoError(t, r.LoadManifest(path))

	target, err := r.Resolve(execution.KindWorkflow, "billing.report")
	require.NoError(t, err)
	require.Equal(t, BehaviorEcho, target.Behavior)
	require.Len(t, target.Schema.Params, 1)
	require.True(t, target.Schema.Params[0].Required)
}

func TestRegistry_LoadManifest_Invalid(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - kind: tool\n    behavior: echo\n"), 0o600))
	require.ErrorContains(t, r.LoadManifest(path), "id is required")

	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - id: a\n    kind: nope\n    behavior: echo\n"), 0o600))
	require.ErrorContains(t, r.LoadManifest(path), "invalid kind")
}

func TestRegistry_ManifestInvalidation(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Invalidations(ctx)

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - id: a.b\n    kind: tool\n    behavior: echo\n"), 0o600))
	require.NoError(t, r.LoadManifest(path))

	select {
	case ev := <-events:
		require.Contains(t, ev.Payload, "a.b")
	case <-time.After(time.Second):
		t.Fatal("expected invalidation event")
	}

	// Removing the target also invalidates it.
	require.NoError(t, os.WriteFile(path, []byte("targets: []\n"), 0o600))
	require.NoError(t, r.LoadManifest(path))

	select {
	case ev := <-events:
		require.Contains(t, ev.Payload, "a.b")
	case <-time.After(time.Second):
		t.Fatal("expected invalidation event on removal")
	}
}

func TestManifestWatcher_ReloadsOnChange(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: []\n"), 0o600))
	require.NoError(t, r.LoadManifest(path))

	w, err := NewManifestWatcher(r, path, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - id: live.reload\n    kind: tool\n    behavior: echo\n"), 0o600))

	require.Eventually(t, func() bool {
		_, err := r.Resolve(execution.KindTool, "live.reload")
		return err == nil
	}, 3*time.Second, 25*time.Millisecond, "watcher should reload the manifest")
}
