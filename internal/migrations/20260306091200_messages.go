package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260306091200",
		up:      mig_20260306091200_messages_up,
		down:    mig_20260306091200_messages_down,
	})
}

func mig_20260306091200_messages_up(tx *sqlx.Tx) error {
	// Conversation messages with the per-scope audit chain. One row per
	// (user, conversation, step, role, seq); hash columns are written once
	// at insert time and never updated.
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			conversation_id VARCHAR(255) NOT NULL,
			role VARCHAR(50) NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload JSONB,
			step_id VARCHAR(255) NOT NULL,
			seq INT NOT NULL DEFAULT 0,
			state VARCHAR(20) NOT NULL DEFAULT 'DRAFT',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			prev_hash VARCHAR(64) NOT NULL DEFAULT '',
			hash VARCHAR(64) NOT NULL DEFAULT '',
			canonical TEXT NOT NULL DEFAULT '',
			CONSTRAINT messages_scope_step_role_seq UNIQUE (user_id, conversation_id, step_id, role, seq)
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_at ON messages(conversation_id, created_at);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_hash ON messages(conversation_id, hash);
	`)
	if err != nil {
		return err
	}

	// Reverse lookup from an issued tool_call_id back to its step.
	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_tool_call_id ON messages((payload->>'tool_call_id'));
	`)
	return err
}

func mig_20260306091200_messages_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS messages;`)
	return err
}
