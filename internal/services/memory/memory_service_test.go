package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo mirrors the Postgres repo's chain semantics in memory: the upsert
// links new rows to the tail and leaves hash columns untouched on conflict.
type fakeRepo struct {
	mu     sync.Mutex
	rows   []*ConversationMessage
	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{}
}

func upsertKey(row *ConversationMessage) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", row.UserID, row.ConversationID, row.StepID, row.Role, row.Seq)
}

func (r *fakeRepo) UpsertChained(ctx context.Context, row *ConversationMessage) (*ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if upsertKey(existing) == upsertKey(row) {
			existing.Content = row.Content
			existing.Payload = row.Payload
			existing.State = row.State
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
	stored.Hash = ChainHash(prev, []byte(row.Canonical))
	stored.CreatedAt = time.Now()
	r.rows = append(r.rows, &stored)

	saved := stored
	return &saved, nil
}

func (r *fakeRepo) scopeRows(userID, conversationID string) []ConversationMessage {
	out := []ConversationMessage{}
	for _, row := range r.rows {
		if row.UserID == userID && row.ConversationID == conversationID {
			out = append(out, *row)
		}
	}
	return out
}

func (r *fakeRepo) GetContext(ctx context.Context, userID, conversationID string, limit int) ([]ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finals := []ConversationMessage{}
	for _, row := range r.scopeRows(userID, conversationID) {
		if row.State == StateFinal {
			finals = append(finals, row)
		}
	}
	if limit > 0 && len(finals) > limit {
		finals = finals[len(finals)-limit:]
	}
	return finals, nil
}

func (r *fakeRepo) GetStepContext(ctx context.Context, userID, conversationID, stepID string) ([]ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []ConversationMessage{}
	for _, row := range r.scopeRows(userID, conversationID) {
		if row.StepID == stepID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetContextUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]ConversationMessage, error) {
	history, err := r.GetContext(ctx, userID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	stepRows, err := r.GetStepContext(ctx, userID, conversationID, stepID)
	if err != nil {
		return nil, err
	}
	for _, row := range stepRows {
		if row.State == StateDraft {
			history = append(history, row)
		}
	}
	return history, nil
}

func (r *fakeRepo) FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error) {
	return "", nil
}

func (r *fakeRepo) FindMaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	max := -1
	for _, row := range r.scopeRows(userID, conversationID) {
		if row.StepID == stepID && row.Seq > max {
			max = row.Seq
		}
	}
	return max, nil
}

func (r *fakeRepo) PromoteDraftsToFinal(ctx context.Context, userID, conversationID, stepID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, row := range r.rows {
		if row.UserID == userID && row.ConversationID == conversationID && row.StepID == stepID && row.State == StateDraft {
			row.State = StateFinal
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) AuditTimeline(ctx context.Context, userID, conversationID string) ([]ConversationMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopeRows(userID, conversationID), nil
}

func newTestService(repo Repo) *MemoryService {
	svc := NewMemoryService(repo)
	svc.now = func() time.Time { return time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC) }
	return svc
}

func saveN(t *testing.T, svc *MemoryService, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Save(context.Background(), &SaveRequest{
			UserID:         "u1",
			ConversationID: "c1",
			StepID:         "step-1",
			Role:           RoleUser,
			Content:        fmt.Sprintf("message %d", i),
			Seq:            i,
		})
		require.NoError(t, err)
	}
}

func TestChainHashIsPrefixLinked(t *testing.T) {
	genesis := ChainHash("", []byte(`{"a":1}`))
	linked := ChainHash(genesis, []byte(`{"a":2}`))

	assert.Len(t, genesis, 64)
	assert.NotEqual(t, genesis, linked)
	assert.NotEqual(t, linked, ChainHash("", []byte(`{"a":2}`)))
}

func TestSaveLinksEachNodeToTheTail(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	saveN(t, svc, 3)

	timeline, err := repo.AuditTimeline(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Len(t, timeline, 3)

	assert.Empty(t, timeline[0].PrevHash)
	prev := ""
	for _, node := range timeline {
		assert.Equal(t, prev, node.PrevHash)
		assert.Equal(t, ChainHash(node.PrevHash, []byte(node.Canonical)), node.Hash)
		prev = node.Hash
	}
}

func TestSaveRetryKeepsOriginalHash(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	first, err := svc.Save(context.Background(), &SaveRequest{
		UserID: "u1", ConversationID: "c1", StepID: "step-1",
		Role: RoleAssistant, Content: "draft one", Seq: 0,
	})
	require.NoError(t, err)

	second, err := svc.Save(context.Background(), &SaveRequest{
		UserID: "u1", ConversationID: "c1", StepID: "step-1",
		Role: RoleAssistant, Content: "draft two", Seq: 0,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "draft two", second.Content)

	timeline, err := repo.AuditTimeline(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
}

func TestScopesCarryIndependentChains(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	_, err := svc.Save(context.Background(), &SaveRequest{
		UserID: "u1", ConversationID: "c1", StepID: "s1", Role: RoleUser, Content: "hi", Seq: 0,
	})
	require.NoError(t, err)

	other, err := svc.Save(context.Background(), &SaveRequest{
		UserID: "u1", ConversationID: "c2", StepID: "s2", Role: RoleUser, Content: "hello", Seq: 0,
	})
	require.NoError(t, err)

	// The second conversation starts its own genesis.
	assert.Empty(t, other.PrevHash)
}

func TestVerifyPassesOnIntactChain(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	saveN(t, svc, 4)

	report, err := svc.Verify(context.Background(), "u1", "c1")
	require.NoError(t, err)

	assert.True(t, report.OK)
	assert.Equal(t, 4, report.TotalNodes)
	assert.Empty(t, report.Breaks)

	timeline, _ := repo.AuditTimeline(context.Background(), "u1", "c1")
	assert.Equal(t, timeline[3].Hash, report.TailHash)
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	saveN(t, svc, 3)

	// Rewrite a node's canonical bytes behind the chain's back.
	repo.mu.Lock()
	repo.rows[1].Canonical = `{"content":"forged"}`
	repo.mu.Unlock()

	report, err := svc.Verify(context.Background(), "u1", "c1")
	require.NoError(t, err)

	assert.False(t, report.OK)
	require.Len(t, report.Breaks, 1)
	assert.Equal(t, 1, report.Breaks[0].Index)
	assert.True(t, report.Breaks[0].PrevMatch)
	assert.False(t, report.Breaks[0].HashMatch)
}

func TestVerifyDetectsRewrittenHash(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	saveN(t, svc, 3)

	repo.mu.Lock()
	repo.rows[1].Hash = "deadbeef"
	repo.mu.Unlock()

	report, err := svc.Verify(context.Background(), "u1", "c1")
	require.NoError(t, err)

	assert.False(t, report.OK)
	require.Len(t, report.Breaks, 2)

	// The rewritten node fails its own hash; the next node no longer points
	// at it.
	assert.Equal(t, 1, report.Breaks[0].Index)
	assert.False(t, report.Breaks[0].HashMatch)
	assert.Equal(t, 2, report.Breaks[1].Index)
	assert.False(t, report.Breaks[1].PrevMatch)
}

func TestVerifyEmptyScope(t *testing.T) {
	svc := newTestService(newFakeRepo())

	report, err := svc.Verify(context.Background(), "u1", "nothing")
	require.NoError(t, err)

	assert.True(t, report.OK)
	assert.Zero(t, report.TotalNodes)
	assert.Empty(t, report.TailHash)
}

func TestPromoteDraftsToFinal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	saveN(t, svc, 2)

	count, err := svc.PromoteDraftsToFinal(context.Background(), "u1", "c1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	finals, err := svc.GetContext(context.Background(), "u1", "c1", 0)
	require.NoError(t, err)
	assert.Len(t, finals, 2)

	// Promotion is idempotent.
	count, err = svc.PromoteDraftsToFinal(context.Background(), "u1", "c1", "step-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
