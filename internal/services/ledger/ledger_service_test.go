package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/relay/internal/services/memory"
	"github.com/curaious/relay/pkg/tools"
)

// fakeRepo mirrors the Postgres ledger semantics: chained inserts, refresh on
// conflict, expiry-aware lookup.
type fakeRepo struct {
	mu     sync.Mutex
	rows   []*ToolExecution
	nextID int64
	now    func() time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{now: time.Now}
}

func conflictKey(row *ToolExecution) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", row.UserID, row.ConversationID, row.ToolName, row.ArgsHash, row.Status)
}

func (r *fakeRepo) UpsertChained(ctx context.Context, row *ToolExecution) (*ToolExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if conflictKey(existing) == conflictKey(row) {
			existing.ResultJSON = row.ResultJSON
			existing.ExpiresAt = row.ExpiresAt
			existing.UpdatedAt = r.now()
			saved := *existing
			return &saved, nil
		}
	}

	prev := ""
	for _, existing := range r.rows {
		if existing.UserID == row.UserID && existing.ConversationID == row.ConversationID {
			prev = existing.Hash
		}
	}

	r.nextID++
	stored := *row
	stored.ID = r.nextID
	stored.PrevHash = prev
	stored.Hash = memory.ChainHash(prev, []byte(row.Canonical))
	stored.CreatedAt = r.now()
	r.rows = append(r.rows, &stored)

	saved := stored
	return &saved, nil
}

func (r *fakeRepo) LookupSuccess(ctx context.Context, userID, conversationID, toolName, argsHash string) (*ToolExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.UserID != userID || row.ConversationID != conversationID ||
			row.ToolName != toolName || row.ArgsHash != argsHash || row.Status != tools.StatusSuccess {
			continue
		}
		if row.ExpiresAt != nil && !row.ExpiresAt.After(r.now()) {
			continue
		}
		found := *row
		return &found, nil
	}
	return nil, nil
}

func (r *fakeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.rows[:0]
	var count int64
	for _, row := range r.rows {
		if row.ExpiresAt != nil && row.ExpiresAt.Before(r.now()) {
			count++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return count, nil
}

func (r *fakeRepo) AuditTimeline(ctx context.Context, userID, conversationID string) ([]ToolExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []ToolExecution{}
	for _, row := range r.rows {
		if row.UserID == userID && row.ConversationID == conversationID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func newTestService(repo Repo) *LedgerService {
	svc := NewLedgerService(repo)
	svc.now = func() time.Time { return time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC) }
	return svc
}

func record(name, argsHash, status string, result string, ttl int) *tools.ExecutionRecord {
	return &tools.ExecutionRecord{
		UserID:         "u1",
		ConversationID: "c1",
		ToolName:       name,
		ArgsHash:       argsHash,
		Status:         status,
		ArgsJSON:       []byte(`{"city":"Berlin"}`),
		ResultJSON:     []byte(result),
		TTLSeconds:     ttl,
	}
}

func TestRecordThenLookupSuccess(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 0)))

	stored, ok, err := svc.LookupSuccess(context.Background(), "u1", "c1", "get_weather", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"temp":21}`, string(stored))

	_, ok, err = svc.LookupSuccess(context.Background(), "u1", "c1", "get_weather", "other-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorRowsAreNotReusable(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusError, `{"message":"boom"}`, 0)))

	_, ok, err := svc.LookupSuccess(context.Background(), "u1", "c1", "get_weather", "h1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuccessRowCarriesExpiry(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 300)))

	repo.mu.Lock()
	row := repo.rows[0]
	repo.mu.Unlock()

	require.NotNil(t, row.ExpiresAt)
	assert.Equal(t, time.Date(2026, 3, 6, 12, 5, 0, 0, time.UTC), row.ExpiresAt.UTC())
}

func TestExpiredRowIsInvisibleAndReaped(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 60)))

	// Move the repo clock past the reuse window.
	repo.now = func() time.Time { return time.Date(2026, 3, 6, 13, 0, 0, 0, time.UTC) }

	_, ok, err := svc.LookupSuccess(context.Background(), "u1", "c1", "get_weather", "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := svc.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExecutionsChainPerScope(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 0)))
	require.NoError(t, svc.RecordExecution(context.Background(), record("get_news", "h2", tools.StatusSuccess, `{"items":[]}`, 0)))

	timeline, err := repo.AuditTimeline(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Len(t, timeline, 2)

	assert.Empty(t, timeline[0].PrevHash)
	assert.Equal(t, timeline[0].Hash, timeline[1].PrevHash)
	assert.Equal(t, memory.ChainHash(timeline[1].PrevHash, []byte(timeline[1].Canonical)), timeline[1].Hash)
}

func TestVerifyDetectsTamperedExecution(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 0)))
	require.NoError(t, svc.RecordExecution(context.Background(), record("get_news", "h2", tools.StatusSuccess, `{"items":[]}`, 0)))

	report, err := svc.Verify(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, report.OK)

	repo.mu.Lock()
	repo.rows[0].Canonical = `{"forged":true}`
	repo.mu.Unlock()

	report, err = svc.Verify(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.Len(t, report.Breaks, 1)
	assert.Equal(t, 0, report.Breaks[0].Index)
	assert.False(t, report.Breaks[0].HashMatch)
}

func TestResultDataHashArtifactPassthrough(t *testing.T) {
	digest := "3a7bd3e2360a3d29eea436fcfb7e44c735d117c42d1c1835420b6b9942dd4f1b"

	hash, err := resultDataHash([]byte(fmt.Sprintf(`{"type":"artifact","sha256":"%s","size":123456}`, digest)))
	require.NoError(t, err)
	assert.Equal(t, digest, hash)

	// A plain result is hashed over its canonical encoding, so key order is
	// irrelevant.
	first, err := resultDataHash([]byte(`{"temp":21,"city":"Berlin"}`))
	require.NoError(t, err)
	second, err := resultDataHash([]byte(`{"city":"Berlin","temp":21}`))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEqual(t, digest, first)
}

func TestRetryRefreshesResultNotChain(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":21}`, 0)))

	repo.mu.Lock()
	originalHash := repo.rows[0].Hash
	repo.mu.Unlock()

	require.NoError(t, svc.RecordExecution(context.Background(), record("get_weather", "h1", tools.StatusSuccess, `{"temp":22}`, 0)))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.rows, 1)
	assert.Equal(t, originalHash, repo.rows[0].Hash)
	assert.JSONEq(t, `{"temp":22}`, string(repo.rows[0].ResultJSON))
}
