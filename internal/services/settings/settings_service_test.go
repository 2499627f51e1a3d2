package settings

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/relay/internal/utils"
)

type fakeRepo struct {
	mu    sync.Mutex
	data  utils.RawMessage
	gets  int
	saves int
}

func (r *fakeRepo) Get(ctx context.Context) (utils.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	return r.data, nil
}

func (r *fakeRepo) Save(ctx context.Context, data utils.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.data = data
	return nil
}

func TestGetReturnsDefaultsOnEmptyStore(t *testing.T) {
	svc := NewSettingsService(&fakeRepo{})

	s, err := svc.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings(), s)
}

func TestGetOverlaysStoredValuesOnDefaults(t *testing.T) {
	repo := &fakeRepo{data: utils.RawMessage(`{"model":"gpt-4o-mini","toolsMaxLoops":2}`)}
	svc := NewSettingsService(repo)

	s, err := svc.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", s.Model)
	assert.Equal(t, 2, s.ToolsMaxLoops)

	// Fields missing from the document keep their defaults.
	assert.Equal(t, 40, s.MemoryMaxMessages)
	assert.True(t, s.Dedup.Enabled)
	assert.Equal(t, 20, s.Hub.HeartbeatSeconds)
}

func TestGetServesFromCacheUntilInvalidated(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewSettingsService(repo)

	_, err := svc.Get(context.Background())
	require.NoError(t, err)
	_, err = svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repo.gets)

	svc.Invalidate()

	_, err = svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, repo.gets)
}

func TestReplacePersistsAndRefreshes(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewSettingsService(repo)

	next := DefaultSettings()
	next.Model = "gpt-4.1"
	next.ToolToggles = map[string]bool{"get_weather": false}

	saved, err := svc.Replace(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", saved.Model)
	assert.Equal(t, map[string]bool{"get_weather": false}, saved.ToolToggles)
	assert.Equal(t, 1, repo.saves)

	// A later Get sees the written document.
	again, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", again.Model)
}

func TestMergeOverridesOnlyPresentKeys(t *testing.T) {
	svc := NewSettingsService(&fakeRepo{})

	merged, err := svc.Merge(context.Background(), map[string]any{
		"toolsMaxLoops": 6,
	})
	require.NoError(t, err)

	assert.Equal(t, 6, merged.ToolsMaxLoops)
	assert.Equal(t, "gpt-4o", merged.Model)
	assert.Equal(t, 40, merged.MemoryMaxMessages)
}

func TestMergeNestedObjectsFieldwise(t *testing.T) {
	svc := NewSettingsService(&fakeRepo{})

	merged, err := svc.Merge(context.Background(), map[string]any{
		"dedup": map[string]any{"defaultTtlSeconds": 900},
	})
	require.NoError(t, err)

	assert.Equal(t, 900, merged.Dedup.DefaultTTLSeconds)

	// Sibling fields of the nested object survive the patch.
	assert.True(t, merged.Dedup.Enabled)
	assert.Equal(t, 3600, merged.Dedup.MaxTTLSeconds)
}

func TestMergeReplacesToolTogglesWholesale(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewSettingsService(repo)

	_, err := svc.Merge(context.Background(), map[string]any{
		"toolToggles": map[string]any{"get_weather": false, "get_news": true},
	})
	require.NoError(t, err)

	merged, err := svc.Merge(context.Background(), map[string]any{
		"toolToggles": map[string]any{"get_news": false},
	})
	require.NoError(t, err)

	// Not merged: the earlier get_weather entry is gone.
	assert.Equal(t, map[string]bool{"get_news": false}, merged.ToolToggles)

	cleared, err := svc.Merge(context.Background(), map[string]any{
		"toolToggles": map[string]any{},
	})
	require.NoError(t, err)
	assert.Empty(t, cleared.ToolToggles)
}

func TestMergeRejectsInvalidShape(t *testing.T) {
	svc := NewSettingsService(&fakeRepo{})

	_, err := svc.Merge(context.Background(), map[string]any{
		"toolsMaxLoops": "not a number",
	})
	require.Error(t, err)
}

func TestMergeDocs(t *testing.T) {
	base := map[string]any{
		"a": 1,
		"nested": map[string]any{
			"keep":     true,
			"override": "old",
		},
		"toolToggles": map[string]any{"x": true},
	}
	patch := map[string]any{
		"nested":      map[string]any{"override": "new"},
		"toolToggles": map[string]any{"y": false},
	}

	out := mergeDocs(base, patch)

	assert.Equal(t, 1, out["a"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, true, nested["keep"])
	assert.Equal(t, "new", nested["override"])
	assert.Equal(t, map[string]any{"y": false}, out["toolToggles"])
}
