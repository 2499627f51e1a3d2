package settings

import (
	"context"
	"log/slog"
	"sync"

	json "github.com/bytedance/sonic"

	"github.com/curaious/relay/internal/perrors"
)

// SettingsService serves the runtime settings snapshot. Reads come from an
// in-process cache; Invalidate drops it when the settings_changes channel
// fires or after a local write.
type SettingsService struct {
	repo Repo

	mu     sync.RWMutex
	cached *Settings
}

func NewSettingsService(repo Repo) *SettingsService {
	return &SettingsService{repo: repo}
}

// Get returns the effective settings: stored values decoded over the
// defaults, so fields missing from the document keep their default.
func (s *SettingsService) Get(ctx context.Context) (*Settings, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	ctx, span := tracer.Start(ctx, "SettingsService.Get")
	defer span.End()

	data, err := s.repo.Get(ctx)
	if err != nil {
		return nil, err
	}

	effective := DefaultSettings()
	if len(data) > 0 {
		if err := json.Unmarshal(data, effective); err != nil {
			return nil, perrors.NewErrInternalServerError("failed to decode settings", err)
		}
	}

	s.mu.Lock()
	s.cached = effective
	s.mu.Unlock()

	return effective, nil
}

// Invalidate drops the cached snapshot. Wired to the settings_changes
// notification channel.
func (s *SettingsService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Replace overwrites the whole document.
func (s *SettingsService) Replace(ctx context.Context, next *Settings) (*Settings, error) {
	ctx, span := tracer.Start(ctx, "SettingsService.Replace")
	defer span.End()

	data, err := json.Marshal(next)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to encode settings", err)
	}

	if err := s.repo.Save(ctx, data); err != nil {
		return nil, err
	}
	s.Invalidate()

	slog.InfoContext(ctx, "settings replaced")
	return s.Get(ctx)
}

// Merge applies a partial update: keys present in the patch override the
// current document, nested objects merge field-wise, and toolToggles is
// replaced wholesale so an explicit empty map clears every toggle.
func (s *SettingsService) Merge(ctx context.Context, patch map[string]any) (*Settings, error) {
	ctx, span := tracer.Start(ctx, "SettingsService.Merge")
	defer span.End()

	current, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	base := map[string]any{}
	buf, err := json.Marshal(current)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to encode settings", err)
	}
	if err := json.Unmarshal(buf, &base); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to decode settings", err)
	}

	merged := mergeDocs(base, patch)

	// Round-trip through the typed struct to reject unknown shapes early.
	mergedBuf, err := json.Marshal(merged)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to encode merged settings", err)
	}
	next := DefaultSettings()
	if err := json.Unmarshal(mergedBuf, next); err != nil {
		return nil, perrors.NewErrInvalidRequest("invalid settings patch", err)
	}

	return s.Replace(ctx, next)
}

// mergeDocs merges patch onto base. Objects merge recursively except
// toolToggles, which is an atomic value.
func mergeDocs(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for key, value := range base {
		out[key] = value
	}

	for key, value := range patch {
		patchObj, patchIsObj := value.(map[string]any)
		baseObj, baseIsObj := out[key].(map[string]any)

		if patchIsObj && baseIsObj && key != "toolToggles" {
			out[key] = mergeDocs(baseObj, patchObj)
			continue
		}
		out[key] = value
	}

	return out
}
