package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260306092000",
		up:      mig_20260306092000_orchestrator_settings_up,
		down:    mig_20260306092000_orchestrator_settings_down,
	})
}

func mig_20260306092000_orchestrator_settings_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS orchestrator_settings (
			id INT PRIMARY KEY DEFAULT 1,
			data JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT orchestrator_settings_singleton CHECK (id = 1)
		);
	`)
	if err != nil {
		return err
	}

	// Notify every process when the runtime settings change so cached
	// snapshots are reloaded without a restart.
	_, err = tx.Exec(`
		CREATE OR REPLACE FUNCTION notify_settings_change()
		RETURNS TRIGGER AS $$
		DECLARE
			payload TEXT;
		BEGIN
			payload := TG_TABLE_NAME || ':' || TG_OP;
			PERFORM pg_notify('settings_changes', payload);
			RETURN COALESCE(NEW, OLD);
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE TRIGGER orchestrator_settings_notify
		AFTER INSERT OR UPDATE OR DELETE ON orchestrator_settings
		FOR EACH ROW EXECUTE FUNCTION notify_settings_change();
	`)
	return err
}

func mig_20260306092000_orchestrator_settings_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TRIGGER IF EXISTS orchestrator_settings_notify ON orchestrator_settings;`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`DROP FUNCTION IF EXISTS notify_settings_change();`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`DROP TABLE IF EXISTS orchestrator_settings;`)
	return err
}
