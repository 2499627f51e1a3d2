package memory

import (
	"time"

	"github.com/curaious/relay/internal/utils"
)

// Message states. Drafts are provisional and promoted on successful step
// termination.
const (
	StateDraft = "DRAFT"
	StateFinal = "FINAL"
)

// Roles mirror the model-facing message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one persisted row of the conversation memory.
// Uniqueness: (user_id, conversation_id, step_id, role, seq). Hash columns
// are written once at insert time; later upserts update content and state
// only, so the audit chain is stable under retries.
type ConversationMessage struct {
	ID             int64            `db:"id"`
	UserID         string           `db:"user_id"`
	ConversationID string           `db:"conversation_id"`
	Role           string           `db:"role"`
	Content        string           `db:"content"`
	Payload        utils.RawMessage `db:"payload"`
	StepID         string           `db:"step_id"`
	Seq            int              `db:"seq"`
	State          string           `db:"state"`
	CreatedAt      time.Time        `db:"created_at"`
	PrevHash       string           `db:"prev_hash"`
	Hash           string           `db:"hash"`
	Canonical      string           `db:"canonical"`
}

// VerifyBreak describes one broken link in the audit chain.
type VerifyBreak struct {
	Index     int    `json:"index"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	PrevMatch bool   `json:"prevMatch"`
	HashMatch bool   `json:"hashMatch"`
}

// VerifyReport is the result of re-reading an audit timeline.
type VerifyReport struct {
	OK         bool          `json:"ok"`
	TotalNodes int           `json:"totalNodes"`
	TailHash   string        `json:"tailHash"`
	Breaks     []VerifyBreak `json:"breaks,omitempty"`
}
