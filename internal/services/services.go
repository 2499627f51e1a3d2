package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/jmoiron/sqlx"

	"github.com/curaious/relay/internal/config"
	"github.com/curaious/relay/internal/pubsub"
	"github.com/curaious/relay/internal/services/ledger"
	"github.com/curaious/relay/internal/services/memory"
	"github.com/curaious/relay/internal/services/settings"
	"github.com/curaious/relay/internal/utils"
	"github.com/curaious/relay/pkg/llm"
	"github.com/curaious/relay/pkg/orchestrator"
	"github.com/curaious/relay/pkg/orchestrator/hub"
	"github.com/curaious/relay/pkg/tools"
)

const (
	draftRetentionHours = 24

	// MCP sessions are re-dialed once the cached connection expires, which
	// also picks up tool list changes on the endpoint.
	mcpSessionTTL   = 30 * time.Minute
	mcpCacheCleanup = 5 * time.Minute
)

// Services wires the persistence layer, the tool pipeline and the
// orchestrator together.
type Services struct {
	Memory   *memory.MemoryService
	Ledger   *ledger.LedgerService
	Settings *settings.SettingsService
	Registry *tools.Registry
	Pipeline *tools.Pipeline
	Steps    *orchestrator.StepStore
	Hub      *hub.Hub
	Driver   *orchestrator.Driver
	PubSub   *pubsub.PubSub

	conf     *config.Config
	mcpConns *utils.TTLSyncMap
	done     chan struct{}
}

func NewServices(ctx context.Context, conf *config.Config, db *sqlx.DB, provider llm.Provider) (*Services, error) {
	memoryService := memory.NewMemoryService(memory.NewMemoryRepo(db))
	ledgerService := ledger.NewLedgerService(ledger.NewLedgerRepo(db))
	settingsService := settings.NewSettingsService(settings.NewSettingsRepo(db))

	snapshot, err := settingsService.Get(ctx)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	mcpConns := utils.NewTTLSyncMap(mcpSessionTTL, mcpCacheCleanup)
	registerMCPTools(ctx, conf, registry, mcpConns)
	pipeline := tools.NewPipeline(registry, ledgerService, nil)

	stepTTL := time.Duration(snapshot.Hub.StepTTLSeconds) * time.Second
	janitorEvery := time.Duration(snapshot.Hub.JanitorSeconds) * time.Second

	steps := orchestrator.NewStepStore(stepTTL, janitorEvery)
	eventHub := hub.New(hub.Options{
		HeartbeatEvery: time.Duration(snapshot.Hub.HeartbeatSeconds) * time.Second,
		StepTTL:        stepTTL,
		JanitorEvery:   janitorEvery,
	})

	bridge := &memoryBridge{mem: memoryService}
	driver := orchestrator.NewDriver(provider, registry, pipeline, bridge, steps, eventHub)

	ps := pubsub.NewPubSub(conf)
	ps.Subscribe(func(event pubsub.SettingsChangeEvent) {
		settingsService.Invalidate()
	})
	if err := ps.Start(); err != nil {
		return nil, err
	}

	s := &Services{
		Memory:   memoryService,
		Ledger:   ledgerService,
		Settings: settingsService,
		Registry: registry,
		Pipeline: pipeline,
		Steps:    steps,
		Hub:      eventHub,
		Driver:   driver,
		PubSub:   ps,
		conf:     conf,
		mcpConns: mcpConns,
		done:     make(chan struct{}),
	}
	go s.janitor()

	return s, nil
}

// registerMCPTools connects the configured MCP endpoints and registers the
// tools they expose. A failed endpoint is logged and skipped; the server
// still comes up with the remaining tools. Live connections are held in the
// session cache so a refresh within the TTL reuses them instead of
// re-dialing.
func registerMCPTools(ctx context.Context, conf *config.Config, registry *tools.Registry, conns *utils.TTLSyncMap) {
	if conf.MCP_ENDPOINTS == "" {
		return
	}

	for _, endpoint := range strings.Split(conf.MCP_ENDPOINTS, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}

		var srv *tools.MCPServer
		if cached, ok := conns.Get(endpoint); ok {
			srv = cached.(*tools.MCPServer)
			conns.Touch(endpoint)
		} else {
			connected, err := tools.NewMCPServer(ctx, endpoint, nil)
			if err != nil {
				slog.Error("unable to connect MCP endpoint", slog.String("endpoint", endpoint), slog.Any("error", err))
				continue
			}
			srv = connected
			conns.Set(endpoint, srv)
		}

		for _, tool := range srv.GetTools() {
			registry.Register(tool)
			slog.Info("registered MCP tool", slog.String("tool", tool.Name()), slog.String("endpoint", endpoint))
		}
	}
}

// janitor reaps abandoned drafts and expired ledger rows, and refreshes MCP
// tool registrations. Expired MCP sessions are re-dialed on refresh.
func (s *Services) janitor() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

			if count, err := s.Memory.DeleteDraftsOlderThanHours(ctx, draftRetentionHours); err != nil {
				slog.Error("draft cleanup failed", slog.Any("error", err))
			} else if count > 0 {
				slog.Info("reaped abandoned drafts", slog.Int64("count", count))
			}

			if count, err := s.Ledger.DeleteExpired(ctx); err != nil {
				slog.Error("ledger cleanup failed", slog.Any("error", err))
			} else if count > 0 {
				slog.Info("reaped expired tool executions", slog.Int64("count", count))
			}

			registerMCPTools(ctx, s.conf, s.Registry, s.mcpConns)

			cancel()
		}
	}
}

func (s *Services) Stop() {
	close(s.done)
	s.Steps.Stop()
	s.Hub.Stop()
	s.PubSub.Stop()
	s.mcpConns.Stop()
}

// RunConfigFromSettings freezes one settings snapshot into the config a step
// runs under.
func RunConfigFromSettings(s *settings.Settings) *orchestrator.RunConfig {
	return &orchestrator.RunConfig{
		Model:             s.Model,
		ToolsMaxLoops:     s.ToolsMaxLoops,
		ToolToggles:       s.ToolToggles,
		MemoryMaxMessages: s.MemoryMaxMessages,
		ClientTimeout:     time.Duration(s.ClientTimeoutMs) * time.Millisecond,
		StreamTimeout:     time.Duration(s.StreamTimeoutMs) * time.Millisecond,
		RenderMode:        s.ToolContextRenderMode,
		DedupEnabled:      s.Dedup.Enabled,
		DefaultTTLSeconds: s.Dedup.DefaultTTLSeconds,
		MaxTTLSeconds:     s.Dedup.MaxTTLSeconds,
		IgnoreArgs:        s.Dedup.IgnoreArgs,
	}
}

// memoryBridge adapts the memory service to the orchestrator's store
// surface.
type memoryBridge struct {
	mem *memory.MemoryService
}

func (b *memoryBridge) Save(ctx context.Context, userID, conversationID string, msg *orchestrator.MessageWrite) error {
	_, err := b.mem.Save(ctx, &memory.SaveRequest{
		UserID:         userID,
		ConversationID: conversationID,
		StepID:         msg.StepID,
		Role:           msg.Role,
		Content:        msg.Content,
		Payload:        msg.Payload,
		Seq:            msg.Seq,
		State:          memory.StateDraft,
	})
	return err
}

func (b *memoryBridge) History(ctx context.Context, userID, conversationID string, limit int) ([]orchestrator.StoredMessage, error) {
	rows, err := b.mem.GetContext(ctx, userID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return toStored(rows), nil
}

func (b *memoryBridge) HistoryUptoStep(ctx context.Context, userID, conversationID, stepID string, limit int) ([]orchestrator.StoredMessage, error) {
	rows, err := b.mem.GetContextUptoStep(ctx, userID, conversationID, stepID, limit)
	if err != nil {
		return nil, err
	}
	return toStored(rows), nil
}

func (b *memoryBridge) StepMessages(ctx context.Context, userID, conversationID, stepID string) ([]orchestrator.StoredMessage, error) {
	rows, err := b.mem.GetStepContext(ctx, userID, conversationID, stepID)
	if err != nil {
		return nil, err
	}
	return toStored(rows), nil
}

func (b *memoryBridge) FindStepIDByToolCallID(ctx context.Context, userID, conversationID, toolCallID string) (string, error) {
	return b.mem.FindStepIDByToolCallID(ctx, userID, conversationID, toolCallID)
}

func (b *memoryBridge) MaxSeq(ctx context.Context, userID, conversationID, stepID string) (int, error) {
	return b.mem.FindMaxSeq(ctx, userID, conversationID, stepID)
}

func (b *memoryBridge) PromoteStep(ctx context.Context, userID, conversationID, stepID string) error {
	_, err := b.mem.PromoteDraftsToFinal(ctx, userID, conversationID, stepID)
	return err
}

func toStored(rows []memory.ConversationMessage) []orchestrator.StoredMessage {
	out := make([]orchestrator.StoredMessage, 0, len(rows))
	for _, row := range rows {
		payload := map[string]any{}
		if len(row.Payload) > 0 {
			_ = json.Unmarshal(row.Payload, &payload)
		}
		out = append(out, orchestrator.StoredMessage{
			ID:      row.ID,
			Role:    row.Role,
			Content: row.Content,
			Payload: payload,
			StepID:  row.StepID,
			Seq:     row.Seq,
			Final:   row.State == memory.StateFinal,
		})
	}
	return out
}
