package api

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/curaious/relay/internal/config"
	"github.com/curaious/relay/internal/db"
	"github.com/curaious/relay/internal/migrations"
	"github.com/curaious/relay/internal/services"
	"github.com/curaious/relay/pkg/llm"
)

// Server is the HTTP face of the orchestrator.
type Server struct {
	srv      *fasthttp.Server
	addr     string
	conf     *config.Config
	services *services.Services
}

// New runs migrations, wires the services and builds the route table.
func New() *Server {
	conf := config.ReadConfig()

	m, err := migrations.NewMigrator()
	if err != nil {
		panic("unable to create migrator")
	}

	err = m.Up(0)
	if err != nil {
		panic("unable to run migrations")
	}

	provider := llm.NewOpenAIClient(&llm.OpenAIClientOptions{
		BaseURL: conf.LLM_BASE_URL,
		ApiKey:  conf.LLM_API_KEY,
	})

	svc, err := services.NewServices(context.Background(), conf, db.NewConn(conf), provider)
	if err != nil {
		slog.Error("unable to initialize services", slog.Any("error", err))
		panic("unable to initialize services")
	}

	s := &Server{
		srv: &fasthttp.Server{
			StreamRequestBody: true,
		},
		addr:     conf.SERVER_ADDR,
		conf:     conf,
		services: svc,
	}

	s.srv.Handler = s.initRoutes()

	return s
}

// Start the rest server
func (s *Server) Start() {
	slog.Info("Starting REST server...")
	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			slog.Error("Server shutdown", slog.Any("error", err))
		}
	}()
	slog.Info("REST server started!")

	// Listen for OS interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block till we receive an interrupt
	<-c
	slog.Info("Received interrupt...")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.shutdown(ctx)
}

func (s *Server) shutdown(ctx context.Context) {
	slog.Info("Gracefully shutting down REST server...")
	if err := s.srv.Shutdown(); err != nil {
		slog.Error("Failed to shutdown the server", slog.Any("error", err))
	}
	s.services.Stop()
	slog.Info("REST server shutdown!")
}
