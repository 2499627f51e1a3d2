package tools

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/curaious/relay/pkg/llm"
)

// MCPServer is a connected MCP endpoint contributing server-side tools to
// the registry. Connections are cached by the caller (session-scoped TTL).
type MCPServer struct {
	Client *client.Client `json:"-"`
	Tools  []mcp.Tool     `json:"-"`
	Meta   *mcp.Meta      `json:"-"`
}

func NewMCPServer(ctx context.Context, endpoint string, headers map[string]string) (*MCPServer, error) {
	cli, err := client.NewSSEMCPClient(
		endpoint,
		client.WithHeaders(headers),
	)
	if err != nil {
		return nil, err
	}

	err = cli.Start(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	for k, v := range headers {
		h.Add(k, v)
	}

	_, err = cli.Initialize(ctx, mcp.InitializeRequest{
		Request: mcp.Request{},
		Params:  mcp.InitializeParams{},
		Header:  h,
	})
	if err != nil {
		return nil, err
	}

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{
		PaginatedRequest: mcp.PaginatedRequest{},
		Header:           h,
	})
	if err != nil {
		return nil, err
	}

	return &MCPServer{
		Tools:  listed.Tools,
		Client: cli,
	}, nil
}

// GetTools adapts the listed MCP tools into registry tools, optionally
// filtered by name.
func (srv *MCPServer) GetTools(toolFilter ...string) []Tool {
	mcpTools := []Tool{}

	for _, tool := range srv.Tools {
		if len(toolFilter) > 0 && !slices.Contains(toolFilter, tool.Name) {
			continue
		}
		mcpTools = append(mcpTools, NewMcpTool(tool, srv.Client, srv.Meta))
	}

	return mcpTools
}

type McpTool struct {
	decl   llm.FunctionDecl
	Client *client.Client `json:"-"`
	Meta   *mcp.Meta      `json:"-"`
}

func NewMcpTool(t mcp.Tool, cli *client.Client, meta *mcp.Meta) *McpTool {
	inputSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	inputSchemaBytes, err := sonic.Marshal(t.InputSchema)
	if err == nil {
		_ = sonic.Unmarshal(inputSchemaBytes, &inputSchema)
	}

	return &McpTool{
		decl: llm.FunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  inputSchema,
		},
		Client: cli,
		Meta:   meta,
	}
}

func (c *McpTool) Name() string { return c.decl.Name }

func (c *McpTool) Declaration() *llm.FunctionDecl { return &c.decl }

func (c *McpTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	ctx, span := tracer.Start(ctx, "McpTool: "+c.decl.Name)
	defer span.End()

	res, err := c.Client.CallTool(ctx, mcp.CallToolRequest{
		Request: mcp.Request{},
		Params: mcp.CallToolParams{
			Name:      c.decl.Name,
			Arguments: args,
			Meta:      c.Meta,
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, r := range res.Content {
		switch content := r.(type) {
		case mcp.TextContent:
			span.SetAttributes(attribute.String("output", content.Text))
			return map[string]any{"text": content.Text}, nil
		}
	}

	err = errors.New("missing mcp tool result")
	span.RecordError(err)
	return nil, err
}
