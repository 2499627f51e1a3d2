package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/pkg/tools"
)

var tracer = otel.Tracer("MemoryService")

// ChainHash links one audit node to its predecessor:
// sha256(prevHash || canonical) in lowercase hex. The genesis node uses an
// empty prevHash.
func ChainHash(prevHash string, canonical []byte) string {
	return tools.HashBytes(append([]byte(prevHash), canonical...))
}

// Repo is the persistence surface of the conversation memory. The production
// implementation is Postgres; tests swap in an in-memory double.
type Repo interface {
	UpsertChained(ctx context.Context, row *ConversationMessage) (*ConversationMessage, error)
	GetContext(ctx context.Context, userID, conversationID string, limit int) ([]ConversationMessage, error)
	GetStepContext(ctx context.Context, userID, conversationID, stepID string) ([]ConversationMessage, error)
	GetContextUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]ConversationMessage, error)
	FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error)
	FindMaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error)
	PromoteDraftsToFinal(ctx context.Context, userID, conversationID, stepID string) (int64, error)
	DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error)
	AuditTimeline(ctx context.Context, userID, conversationID string) ([]ConversationMessage, error)
}

type MemoryRepo struct {
	db *sqlx.DB
}

func NewMemoryRepo(db *sqlx.DB) *MemoryRepo {
	return &MemoryRepo{db: db}
}

// UpsertChained inserts the row linked to the scope's chain tail. The chain
// read and write happen under a per-scope advisory lock so concurrent steps
// in one conversation cannot fork the chain. On conflict only content,
// payload and state move; the original hash columns survive retries.
func (r *MemoryRepo) UpsertChained(ctx context.Context, row *ConversationMessage) (*ConversationMessage, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.UpsertChained")
	defer span.End()
	span.SetAttributes(
		attribute.String("step.id", row.StepID),
		attribute.String("message.role", row.Role),
	)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	scope := row.UserID + "/" + row.ConversationID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "messages:"+scope); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to acquire scope lock", err)
	}

	var prevHash string
	err = tx.GetContext(ctx, &prevHash, `
		SELECT hash FROM messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, seq DESC, id DESC
		LIMIT 1
	`, row.UserID, row.ConversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, perrors.NewErrInternalServerError("failed to read chain tail", err)
	}

	row.PrevHash = prevHash
	row.Hash = ChainHash(prevHash, []byte(row.Canonical))

	saved := ConversationMessage{}
	err = tx.GetContext(ctx, &saved, `
		INSERT INTO messages (user_id, conversation_id, role, content, payload, step_id, seq, state, prev_hash, hash, canonical)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, conversation_id, step_id, role, seq)
		DO UPDATE SET content = EXCLUDED.content, payload = EXCLUDED.payload, state = EXCLUDED.state
		RETURNING *
	`, row.UserID, row.ConversationID, row.Role, row.Content, row.Payload, row.StepID, row.Seq, row.State, row.PrevHash, row.Hash, row.Canonical)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to upsert message", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to commit message", err)
	}

	return &saved, nil
}

// GetContext returns the newest FINAL messages in chronological order,
// bounded by limit when positive.
func (r *MemoryRepo) GetContext(ctx context.Context, userID, conversationID string, limit int) ([]ConversationMessage, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.GetContext")
	defer span.End()

	query := `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE user_id = $1 AND conversation_id = $2 AND state = 'FINAL'
			ORDER BY created_at DESC, id DESC
			%s
		) recent ORDER BY created_at ASC, id ASC
	`
	args := []any{userID, conversationID}
	if limit > 0 {
		query = fmt.Sprintf(query, "LIMIT $3")
		args = append(args, limit)
	} else {
		query = fmt.Sprintf(query, "")
	}

	rows := []ConversationMessage{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to get context", err)
	}
	return rows, nil
}

// GetStepContext returns every row recorded under one step, drafts included,
// in write order.
func (r *MemoryRepo) GetStepContext(ctx context.Context, userID, conversationID, stepID string) ([]ConversationMessage, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.GetStepContext")
	defer span.End()

	rows := []ConversationMessage{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM messages
		WHERE user_id = $1 AND conversation_id = $2 AND step_id = $3
		ORDER BY created_at ASC, seq ASC, id ASC
	`, userID, conversationID, stepID)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to get step context", err)
	}
	return rows, nil
}

// GetContextUptoStep is GetContext plus the draft rows of the step being
// resumed, so a continuation sees its own in-flight tool results.
func (r *MemoryRepo) GetContextUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]ConversationMessage, error) {
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

// FindStepIDByToolCallID locates the step that issued a tool call id, used to
// cross-check resume payloads against what was actually asked.
func (r *MemoryRepo) FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.FindStepIDByToolCallID")
	defer span.End()

	var stepID string
	err := r.db.GetContext(ctx, &stepID, `
		SELECT step_id FROM messages
		WHERE user_id = $1 AND conversation_id = $2 AND payload->>'tool_call_id' = $3
		ORDER BY created_at DESC LIMIT 1
	`, userID, conversationID, toolCallID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", perrors.NewErrInternalServerError("failed to find step for tool call", err)
	}
	return stepID, nil
}

func (r *MemoryRepo) FindMaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error) {
	var max sql.NullInt64
	err := r.db.GetContext(ctx, &max, `
		SELECT MAX(seq) FROM messages
		WHERE user_id = $1 AND conversation_id = $2 AND step_id = $3
	`, userID, conversationID, stepID)
	if err != nil {
		return 0, perrors.NewErrInternalServerError("failed to get max seq", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// PromoteDraftsToFinal flips every draft of the step in one statement so a
// step's memory becomes visible atomically.
func (r *MemoryRepo) PromoteDraftsToFinal(ctx context.Context, userID, conversationID, stepID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.PromoteDraftsToFinal")
	defer span.End()
	span.SetAttributes(attribute.String("step.id", stepID))

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET state = 'FINAL'
		WHERE user_id = $1 AND conversation_id = $2 AND step_id = $3 AND state = 'DRAFT'
	`, userID, conversationID, stepID)
	if err != nil {
		return 0, perrors.NewErrInternalServerError("failed to promote drafts", err)
	}

	count, _ := res.RowsAffected()
	return count, nil
}

// DeleteDraftsOlderThanHours reaps drafts from steps that never terminated.
func (r *MemoryRepo) DeleteDraftsOlderThanHours(ctx context.Context, hours int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE state = 'DRAFT' AND created_at < NOW() - make_interval(hours => $1)
	`, hours)
	if err != nil {
		return 0, perrors.NewErrInternalServerError("failed to delete drafts", err)
	}

	count, _ := res.RowsAffected()
	return count, nil
}

// AuditTimeline returns the full chain of a scope in insertion order,
// regardless of state.
func (r *MemoryRepo) AuditTimeline(ctx context.Context, userID, conversationID string) ([]ConversationMessage, error) {
	ctx, span := tracer.Start(ctx, "MemoryRepo.AuditTimeline")
	defer span.End()

	rows := []ConversationMessage{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC, seq ASC, id ASC
	`, userID, conversationID)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to get audit timeline", err)
	}
	return rows, nil
}
