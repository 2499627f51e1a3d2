package ledger

import (
	"time"

	"github.com/curaious/relay/internal/utils"
)

// ToolExecution is one dedup ledger row. Uniqueness is
// (user_id, conversation_id, tool_name, args_hash, status); a SUCCESS row is
// reusable until expires_at passes.
type ToolExecution struct {
	ID             int64            `db:"id"`
	UserID         string           `db:"user_id"`
	ConversationID string           `db:"conversation_id"`
	ToolName       string           `db:"tool_name"`
	ArgsHash       string           `db:"args_hash"`
	Status         string           `db:"status"`
	ArgsJSON       utils.RawMessage `db:"args_json"`
	ResultJSON     utils.RawMessage `db:"result_json"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
	ExpiresAt      *time.Time       `db:"expires_at"`
	PrevHash       string           `db:"prev_hash"`
	Hash           string           `db:"hash"`
	Canonical      string           `db:"canonical"`
}
