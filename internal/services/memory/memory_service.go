package memory

import (
	"context"
	"log/slog"
	"time"

	json "github.com/bytedance/sonic"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/utils"
	"github.com/curaious/relay/pkg/tools"
)

// SaveRequest is one message to record under a step. Payload carries the
// model-facing extras (tool_calls, tool_call_id) verbatim.
type SaveRequest struct {
	UserID         string
	ConversationID string
	StepID         string
	Role           string
	Content        string
	Payload        map[string]any
	Seq            int
	State          string
}

type MemoryService struct {
	repo Repo
	now  func() time.Time
}

func NewMemoryService(repo Repo) *MemoryService {
	return &MemoryService{repo: repo, now: time.Now}
}

// Save canonicalizes the audit node for the message and writes it chained to
// the scope tail.
func (s *MemoryService) Save(ctx context.Context, req *SaveRequest) (*ConversationMessage, error) {
	ctx, span := tracer.Start(ctx, "MemoryService.Save")
	defer span.End()

	node := map[string]any{
		"type":           "message",
		"userId":         req.UserID,
		"conversationId": req.ConversationID,
		"stepId":         req.StepID,
		"role":           req.Role,
		"content":        req.Content,
		"seq":            req.Seq,
		"ts":             s.now().UTC().Format(time.RFC3339Nano),
	}
	canonical, err := tools.Canonicalize(node, nil)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to canonicalize audit node", err)
	}

	payload := utils.RawMessage(`{}`)
	if req.Payload != nil {
		buf, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, perrors.NewErrInternalServerError("failed to encode message payload", err)
		}
		payload = buf
	}

	state := req.State
	if state == "" {
		state = StateDraft
	}

	return s.repo.UpsertChained(ctx, &ConversationMessage{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		Payload:        payload,
		StepID:         req.StepID,
		Seq:            req.Seq,
		State:          state,
		Canonical:      string(canonical),
	})
}

func (s *MemoryService) GetContext(ctx context.Context, userID, conversationID string, limit int) ([]ConversationMessage, error) {
	return s.repo.GetContext(ctx, userID, conversationID, limit)
}

func (s *MemoryService) GetStepContext(ctx context.Context, userID, conversationID, stepID string) ([]ConversationMessage, error) {
	return s.repo.GetStepContext(ctx, userID, conversationID, stepID)
}

func (s *MemoryService) GetContextUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]ConversationMessage, error) {
	return s.repo.GetContextUptoStep(ctx, userID, conversationID, stepID, limit)
}

func (s *MemoryService) FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error) {
	return s.repo.FindStepIDByToolCallID(ctx, userID, conversationID, toolCallID)
}

func (s *MemoryService) FindMaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error) {
	return s.repo.FindMaxSeq(ctx, userID, conversationID, stepID)
}

func (s *MemoryService) PromoteDraftsToFinal(ctx context.Context, userID, conversationID, stepID string) (int64, error) {
	count, err := s.repo.PromoteDraftsToFinal(ctx, userID, conversationID, stepID)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "promoted step drafts",
		slog.String("stepId", stepID),
		slog.Int64("count", count),
	)
	return count, nil
}

func (s *MemoryService) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	return s.repo.DeleteDraftsOlderThanHours(ctx, hours)
}

// Verify replays the scope's audit timeline and recomputes every link. A
// break reports both the expected and the stored hash so tampering can be
// localized to a node.
func (s *MemoryService) Verify(ctx context.Context, userID, conversationID string) (*VerifyReport, error) {
	ctx, span := tracer.Start(ctx, "MemoryService.Verify")
	defer span.End()

	timeline, err := s.repo.AuditTimeline(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{OK: true, TotalNodes: len(timeline)}

	prev := ""
	for i, node := range timeline {
		expected := ChainHash(node.PrevHash, []byte(node.Canonical))
		prevMatch := node.PrevHash == prev
		hashMatch := node.Hash == expected

		if !prevMatch || !hashMatch {
			report.OK = false
			report.Breaks = append(report.Breaks, VerifyBreak{
				Index:     i,
				Expected:  expected,
				Actual:    node.Hash,
				PrevMatch: prevMatch,
				HashMatch: hashMatch,
			})
		}

		prev = node.Hash
	}
	report.TailHash = prev

	return report, nil
}
