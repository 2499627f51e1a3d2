package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services/memory"
)

var tracer = otel.Tracer("LedgerService")

// Repo is the ledger persistence surface, swappable for an in-memory double
// in tests.
type Repo interface {
	UpsertChained(ctx context.Context, row *ToolExecution) (*ToolExecution, error)
	LookupSuccess(ctx context.Context, userID, conversationID, toolName, argsHash string) (*ToolExecution, error)
	DeleteExpired(ctx context.Context) (int64, error)
	AuditTimeline(ctx context.Context, userID, conversationID string) ([]ToolExecution, error)
}

type LedgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepo(db *sqlx.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// UpsertChained writes the execution row linked to the scope's tool chain
// tail, under the same advisory lock discipline as message rows. Conflicts
// refresh the stored result and expiry but keep the original chain columns.
func (r *LedgerRepo) UpsertChained(ctx context.Context, row *ToolExecution) (*ToolExecution, error) {
	ctx, span := tracer.Start(ctx, "LedgerRepo.UpsertChained")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", row.ToolName),
		attribute.String("tool.args_hash", row.ArgsHash),
	)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	scope := row.UserID + "/" + row.ConversationID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "tool_executions:"+scope); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to acquire scope lock", err)
	}

	var prevHash string
	err = tx.GetContext(ctx, &prevHash, `
		SELECT hash FROM tool_executions
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, row.UserID, row.ConversationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, perrors.NewErrInternalServerError("failed to read chain tail", err)
	}

	row.PrevHash = prevHash
	row.Hash = memory.ChainHash(prevHash, []byte(row.Canonical))

	saved := ToolExecution{}
	err = tx.GetContext(ctx, &saved, `
		INSERT INTO tool_executions (user_id, conversation_id, tool_name, args_hash, status, args_json, result_json, expires_at, prev_hash, hash, canonical)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, conversation_id, tool_name, args_hash, status)
		DO UPDATE SET result_json = EXCLUDED.result_json, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		RETURNING *
	`, row.UserID, row.ConversationID, row.ToolName, row.ArgsHash, row.Status, row.ArgsJSON, row.ResultJSON, row.ExpiresAt, row.PrevHash, row.Hash, row.Canonical)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to upsert tool execution", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, perrors.NewErrInternalServerError("failed to commit tool execution", err)
	}

	return &saved, nil
}

// LookupSuccess returns the reusable SUCCESS row for the scoped call, nil
// when absent or expired.
func (r *LedgerRepo) LookupSuccess(ctx context.Context, userID, conversationID, toolName, argsHash string) (*ToolExecution, error) {
	ctx, span := tracer.Start(ctx, "LedgerRepo.LookupSuccess")
	defer span.End()

	row := ToolExecution{}
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM tool_executions
		WHERE user_id = $1 AND conversation_id = $2 AND tool_name = $3 AND args_hash = $4
		  AND status = 'SUCCESS'
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, userID, conversationID, toolName, argsHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to lookup tool execution", err)
	}
	return &row, nil
}

func (r *LedgerRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tool_executions WHERE expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, perrors.NewErrInternalServerError("failed to delete expired executions", err)
	}

	count, _ := res.RowsAffected()
	return count, nil
}

func (r *LedgerRepo) AuditTimeline(ctx context.Context, userID, conversationID string) ([]ToolExecution, error) {
	ctx, span := tracer.Start(ctx, "LedgerRepo.AuditTimeline")
	defer span.End()

	rows := []ToolExecution{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM tool_executions
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC, id ASC
	`, userID, conversationID)
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to get tool audit timeline", err)
	}
	return rows, nil
}
