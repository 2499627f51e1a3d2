package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fasthttp/router"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/curaious/relay/internal/api/controllers"
	"github.com/curaious/relay/internal/api/middlewares/ratelimit"
)

var tracePropagator = propagation.TraceContext{}

func (s *Server) initRoutes() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/api/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.Write([]byte("OK"))
	})

	limiter := s.rateLimiter()

	controllers.RegisterChatRoutes(r, s.services, limiter)
	controllers.RegisterEventRoutes(r, s.services)
	controllers.RegisterSettingsRoutes(r, s.services)
	controllers.RegisterAuditRoutes(r, s.services)
	controllers.RegisterConversationRoutes(r, s.services)

	return s.withMiddlewares(r.Handler)
}

// rateLimiter prefers Redis so limits hold across instances, falling back to
// the in-process store.
func (s *Server) rateLimiter() *controllers.RateLimiter {
	if !s.conf.RATE_LIMIT_ENABLED {
		return nil
	}

	limit := ratelimit.Limit{Count: s.conf.RATE_LIMIT_COUNT, Unit: s.conf.RATE_LIMIT_UNIT}

	if s.conf.REDIS_ADDR != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     s.conf.REDIS_ADDR,
			Password: s.conf.REDIS_PASSWORD,
			DB:       s.conf.REDIS_DB,
		})
		slog.Info("using redis rate limiter", slog.String("addr", s.conf.REDIS_ADDR))
		return &controllers.RateLimiter{Store: ratelimit.NewRedisStore(client, ""), Limit: limit}
	}

	return &controllers.RateLimiter{Store: ratelimit.NewMemoryStore(), Limit: limit}
}

func (s *Server) withMiddlewares(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		applyCORS(ctx)
		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		start := time.Now()
		uri := ctx.URI()
		requestURI := string(uri.FullURI())
		slog.Info("Started processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI))

		h := http.Header{}
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			h[string(k)] = []string{string(v)}
		})
		traceCtx := tracePropagator.Extract(ctx, propagation.HeaderCarrier(h))
		ctx.SetUserValue("traceCtx", traceCtx)

		next(ctx)

		slog.Info("Finished processing", slog.String("method", string(ctx.Method())), slog.String("request_uri", requestURI), slog.Duration("duration", time.Since(start)))
	}
}

func applyCORS(ctx *fasthttp.RequestCtx) {
	headers := &ctx.Response.Header
	headers.Set("Access-Control-Allow-Origin", string(ctx.Request.Header.Peek("Origin")))
	headers.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS,PATCH")
	headers.Set("Access-Control-Allow-Headers", os.Getenv("ALLOWED_HEADERS"))
	headers.Set("Access-Control-Allow-Credentials", "true")
}
