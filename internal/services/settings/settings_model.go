package settings

// DedupSettings controls the tool execution ledger reuse window.
type DedupSettings struct {
	Enabled           bool     `json:"enabled"`
	DefaultTTLSeconds int      `json:"defaultTtlSeconds"`
	MaxTTLSeconds     int      `json:"maxTtlSeconds"`
	IgnoreArgs        []string `json:"ignoreArgs"`
}

// HubSettings controls the step event hub lifecycle.
type HubSettings struct {
	HeartbeatSeconds int `json:"heartbeatSeconds"`
	StepTTLSeconds   int `json:"stepTtlSeconds"`
	JanitorSeconds   int `json:"janitorSeconds"`
}

// Settings is the runtime configuration snapshot. It lives as a single JSONB
// row and is hot-reloaded through LISTEN/NOTIFY, so every field must have a
// usable default for a fresh database.
type Settings struct {
	Model                 string          `json:"model"`
	ToolsMaxLoops         int             `json:"toolsMaxLoops"`
	ToolToggles           map[string]bool `json:"toolToggles"`
	MemoryMaxMessages     int             `json:"memoryMaxMessages"`
	ClientTimeoutMs       int             `json:"clientTimeoutMs"`
	StreamTimeoutMs       int             `json:"streamTimeoutMs"`
	ToolContextRenderMode string          `json:"toolContextRenderMode"`
	Dedup                 DedupSettings   `json:"dedup"`
	Hub                   HubSettings     `json:"hub"`
}

func DefaultSettings() *Settings {
	return &Settings{
		Model:                 "gpt-4o",
		ToolsMaxLoops:         4,
		ToolToggles:           map[string]bool{},
		MemoryMaxMessages:     40,
		ClientTimeoutMs:       60_000,
		StreamTimeoutMs:       120_000,
		ToolContextRenderMode: "ALL_TOOL",
		Dedup: DedupSettings{
			Enabled:           true,
			DefaultTTLSeconds: 300,
			MaxTTLSeconds:     3600,
			IgnoreArgs:        []string{},
		},
		Hub: HubSettings{
			HeartbeatSeconds: 20,
			StepTTLSeconds:   600,
			JanitorSeconds:   60,
		},
	}
}
