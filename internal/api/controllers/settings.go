package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/curaious/relay/internal/perrors"
	"github.com/curaious/relay/internal/services"
	settingssvc "github.com/curaious/relay/internal/services/settings"
)

// RegisterSettingsRoutes mounts the runtime settings API. PUT merges the
// provided keys; PUT on /replace swaps the whole document.
func RegisterSettingsRoutes(r *router.Router, svc *services.Services) {
	r.GET("/api/orchestrator/settings", func(reqCtx *fasthttp.RequestCtx) {
		ctx := requestContext(reqCtx)

		snapshot, err := svc.Settings.Get(ctx)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to load settings", err)
			return
		}

		writeOK(reqCtx, ctx, "settings", snapshot)
	})

	r.PUT("/api/orchestrator/settings", func(reqCtx *fasthttp.RequestCtx) {
		ctx := requestContext(reqCtx)

		patch := map[string]any{}
		if err := parseBody(reqCtx, &patch); err != nil {
			writeError(reqCtx, ctx, "Invalid request body", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}

		updated, err := svc.Settings.Merge(ctx, patch)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to update settings", err)
			return
		}

		writeOK(reqCtx, ctx, "settings updated", updated)
	})

	r.PUT("/api/orchestrator/settings/replace", func(reqCtx *fasthttp.RequestCtx) {
		ctx := requestContext(reqCtx)

		next := settingssvc.DefaultSettings()
		if err := parseBody(reqCtx, next); err != nil {
			writeError(reqCtx, ctx, "Invalid request body", perrors.NewErrInvalidRequest(err.Error(), err))
			return
		}

		updated, err := svc.Settings.Replace(ctx, next)
		if err != nil {
			writeError(reqCtx, ctx, "Failed to replace settings", err)
			return
		}

		writeOK(reqCtx, ctx, "settings replaced", updated)
	})
}
