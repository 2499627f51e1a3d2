package ledger

import (
	"context"
	"log/slog"
	"time"

	json "github.com/bytedance/sonic"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services/memory"
	"github.com/curaious/relay/internal/utils"
	"github.com/curaious/relay/pkg/tools"
)

// LedgerService backs the tool pipeline's dedup ledger and chains every
// execution into the scope's tool audit timeline.
type LedgerService struct {
	repo Repo
	now  func() time.Time
}

func NewLedgerService(repo Repo) *LedgerService {
	return &LedgerService{repo: repo, now: time.Now}
}

// LookupSuccess satisfies tools.Ledger.
func (s *LedgerService) LookupSuccess(ctx context.Context, userID, conversationID, toolName, argsHash string) ([]byte, bool, error) {
	row, err := s.repo.LookupSuccess(ctx, userID, conversationID, toolName, argsHash)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	return row.ResultJSON, true, nil
}

// RecordExecution satisfies tools.Ledger. The audit node hashes the result
// payload, except for artifact results which carry their own content digest.
func (s *LedgerService) RecordExecution(ctx context.Context, rec *tools.ExecutionRecord) error {
	ctx, span := tracer.Start(ctx, "LedgerService.RecordExecution")
	defer span.End()

	dataHash, err := resultDataHash(rec.ResultJSON)
	if err != nil {
		return perrors.NewErrInternalServerError("failed to hash tool result", err)
	}

	node := map[string]any{
		"type":           "tool",
		"userId":         rec.UserID,
		"conversationId": rec.ConversationID,
		"name":           rec.ToolName,
		"argsHash":       rec.ArgsHash,
		"dataHash":       dataHash,
		"reused":         rec.Reused,
		"status":         rec.Status,
		"ts":             s.now().UTC().Format(time.RFC3339Nano),
	}
	canonical, err := tools.Canonicalize(node, nil)
	if err != nil {
		return perrors.NewErrInternalServerError("failed to canonicalize audit node", err)
	}

	row := &ToolExecution{
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		ToolName:       rec.ToolName,
		ArgsHash:       rec.ArgsHash,
		Status:         rec.Status,
		ArgsJSON:       rec.ArgsJSON,
		ResultJSON:     rec.ResultJSON,
		Canonical:      string(canonical),
	}
	if rec.Status == tools.StatusSuccess && rec.TTLSeconds > 0 {
		row.ExpiresAt = utils.Ptr(s.now().Add(time.Duration(rec.TTLSeconds) * time.Second))
	}

	if _, err := s.repo.UpsertChained(ctx, row); err != nil {
		return err
	}

	slog.DebugContext(ctx, "recorded tool execution",
		slog.String("tool", rec.ToolName),
		slog.String("status", rec.Status),
		slog.Bool("reused", rec.Reused),
	)
	return nil
}

// DeleteExpired reaps SUCCESS rows past their reuse window.
func (s *LedgerService) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}

// Verify replays the scope's tool timeline the same way message chains are
// verified.
func (s *LedgerService) Verify(ctx context.Context, userID, conversationID string) (*memory.VerifyReport, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.Verify")
	defer span.End()

	timeline, err := s.repo.AuditTimeline(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	report := &memory.VerifyReport{OK: true, TotalNodes: len(timeline)}

	prev := ""
	for i, node := range timeline {
		expected := memory.ChainHash(node.PrevHash, []byte(node.Canonical))
		prevMatch := node.PrevHash == prev
		hashMatch := node.Hash == expected

		if !prevMatch || !hashMatch {
			report.OK = false
			report.Breaks = append(report.Breaks, memory.VerifyBreak{
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

// resultDataHash canonicalizes and hashes the stored result. Artifact
// results ({"type":"artifact","sha256":...}) are represented by the digest
// they already carry so large blobs never enter the chain input.
func resultDataHash(resultJSON []byte) (string, error) {
	if len(resultJSON) == 0 {
		return tools.HashBytes(nil), nil
	}

	var decoded any
	if err := json.Unmarshal(resultJSON, &decoded); err != nil {
		return "", err
	}

	if obj, ok := decoded.(map[string]any); ok {
		if kind, _ := obj["type"].(string); kind == "artifact" {
			if digest, ok := obj["sha256"].(string); ok && digest != "" {
				return digest, nil
			}
		}
	}

	canonical, err := tools.Canonicalize(decoded, nil)
	if err != nil {
		return "", err
	}
	return tools.HashBytes(canonical), nil
}
