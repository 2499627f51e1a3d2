package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/relay/internal/perrors"
)

func requireErrMessage(t *testing.T, err error, message string, code perrors.ErrCode) {
	t.Helper()
	var perr perrors.Err
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, message)
	assert.Equal(t, code, perr.Code)
}

func newTestStore(t *testing.T) *StepStore {
	t.Helper()
	store := NewStepStore(time.Minute, time.Minute)
	t.Cleanup(store.Stop)
	return store
}

func TestBindIsIdempotentForSameScope(t *testing.T) {
	store := newTestStore(t)
	scope := StepScope{UserID: "u1", ConversationID: "c1"}

	require.NoError(t, store.Bind("step-1", scope))
	require.NoError(t, store.Bind("step-1", scope))
	assert.Equal(t, 1, store.Len())
}

func TestBindRejectsScopeChange(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	err := store.Bind("step-1", StepScope{UserID: "u2", ConversationID: "c1"})
	requireErrMessage(t, err, "already bound", perrors.ErrCodeBadRequest)
}

func TestValidateResumeUnknownStep(t *testing.T) {
	store := newTestStore(t)

	err := store.ValidateResume("missing", StepScope{UserID: "u1", ConversationID: "c1"}, nil)
	requireErrMessage(t, err, "not found", perrors.ErrCodeNotFound)
}

func TestValidateResumeScopeMismatch(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	err := store.ValidateResume("step-1", StepScope{UserID: "u1", ConversationID: "c2"}, nil)
	requireErrMessage(t, err, "does not match", perrors.ErrCodeBadRequest)
}

func TestValidateResumeUnknownCallID(t *testing.T) {
	store := newTestStore(t)
	scope := StepScope{UserID: "u1", ConversationID: "c1"}
	require.NoError(t, store.Bind("step-1", scope))
	require.NoError(t, store.RecordClientCalls("step-1", []ClientCall{{ID: "call-1", Name: "pick_file"}}))

	require.NoError(t, store.ValidateResume("step-1", scope, []string{"call-1"}))

	err := store.ValidateResume("step-1", scope, []string{"call-2"})
	requireErrMessage(t, err, "unknown tool_call_id", perrors.ErrCodeBadRequest)
}

func TestUnsatisfiedClientCallsKeepIssueOrder(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	require.NoError(t, store.RecordClientCalls("step-1", []ClientCall{
		{ID: "call-1", Name: "pick_file"},
		{ID: "call-2", Name: "confirm"},
	}))

	pending := store.UnsatisfiedClientCalls("step-1")
	require.Len(t, pending, 2)
	assert.Equal(t, "call-1", pending[0].ID)
	assert.Equal(t, "call-2", pending[1].ID)

	store.MarkSatisfied("step-1", []string{"call-1"})

	pending = store.UnsatisfiedClientCalls("step-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "call-2", pending[0].ID)
}

func TestRecordClientCallsIgnoresDuplicateIDs(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	require.NoError(t, store.RecordClientCalls("step-1", []ClientCall{{ID: "call-1", Name: "pick_file"}}))
	require.NoError(t, store.RecordClientCalls("step-1", []ClientCall{{ID: "call-1", Name: "pick_file"}}))

	assert.Len(t, store.UnsatisfiedClientCalls("step-1"), 1)
}

func TestLoopCountSurvivesAcrossLookups(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	assert.Equal(t, 0, store.LoopCount("step-1"))
	store.SetLoopCount("step-1", 3)
	assert.Equal(t, 3, store.LoopCount("step-1"))
}

func TestClearDropsTheStep(t *testing.T) {
	store := newTestStore(t)
	scope := StepScope{UserID: "u1", ConversationID: "c1"}
	require.NoError(t, store.Bind("step-1", scope))

	store.Clear("step-1")

	assert.Equal(t, 0, store.Len())
	err := store.ValidateResume("step-1", scope, nil)
	assert.Error(t, err)
}

func TestJanitorReapsExpiredSteps(t *testing.T) {
	store := NewStepStore(10*time.Millisecond, 10*time.Millisecond)
	defer store.Stop()

	require.NoError(t, store.Bind("step-1", StepScope{UserID: "u1", ConversationID: "c1"}))

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}
