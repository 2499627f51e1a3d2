package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260306091500",
		up:      mig_20260306091500_tool_executions_up,
		down:    mig_20260306091500_tool_executions_down,
	})
}

func mig_20260306091500_tool_executions_up(tx *sqlx.Tx) error {
	// Dedup ledger: one row per distinct (scope, tool, canonical args, status).
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tool_executions (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			conversation_id VARCHAR(255) NOT NULL,
			tool_name VARCHAR(255) NOT NULL,
			args_hash VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			args_json JSONB,
			result_json JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE,
			prev_hash VARCHAR(64) NOT NULL DEFAULT '',
			hash VARCHAR(64) NOT NULL DEFAULT '',
			canonical TEXT NOT NULL DEFAULT '',
			CONSTRAINT tool_executions_scope_tool_args_status UNIQUE (user_id, conversation_id, tool_name, args_hash, status)
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tool_executions_tool_expires_at ON tool_executions(tool_name, expires_at);
	`)
	return err
}

func mig_20260306091500_tool_executions_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS tool_executions;`)
	return err
}
