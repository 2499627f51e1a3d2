package settings

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/utils"
)

var tracer = otel.Tracer("SettingsService")

type Repo interface {
	Get(ctx context.Context) (utils.RawMessage, error)
	Save(ctx context.Context, data utils.RawMessage) error
}

type SettingsRepo struct {
	db *sqlx.DB
}

func NewSettingsRepo(db *sqlx.DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Get returns the stored settings document, nil when the singleton row has
// never been written.
func (r *SettingsRepo) Get(ctx context.Context) (utils.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "SettingsRepo.Get")
	defer span.End()

	var data utils.RawMessage
	err := r.db.GetContext(ctx, &data, `SELECT data FROM orchestrator_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.NewErrInternalServerError("failed to get settings", err)
	}
	return data, nil
}

// Save upserts the singleton row. The table trigger notifies listeners so
// every process drops its cached snapshot.
func (r *SettingsRepo) Save(ctx context.Context, data utils.RawMessage) error {
	ctx, span := tracer.Start(ctx, "SettingsRepo.Save")
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orchestrator_settings (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, data)
	if err != nil {
		return perrors.NewErrInternalServerError("failed to save settings", err)
	}
	return nil
}
