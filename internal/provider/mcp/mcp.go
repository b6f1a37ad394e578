// Package mcp adapts booking providers to and from the Model Context
// Protocol. A Bridge connects to external MCP servers and exposes their
// booking tools as provider.Provider; NewServer does the reverse and serves
// any provider.Set as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/tripgate/internal/config"
	"github.com/jkaninda/tripgate/internal/domain"
	"github.com/jkaninda/tripgate/internal/provider"
)

// ErrToolFailed is returned when an MCP tool reports an error result.
var ErrToolFailed = errors.New("mcp tool returned an error")

// --- Provider: a booking domain backed by MCP tools ---

// Provider implements provider.Provider by calling tools on an MCP server.
type Provider struct {
	client mcpclient.MCPClient
	server string
	domain domain.Domain
	tools  provider.ToolSet
	logger *slog.Logger
}

// NewProvider wraps an initialized MCP client for domain d.
func NewProvider(client mcpclient.MCPClient, server string, d domain.Domain, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{client: client, server: server, domain: d, tools: provider.Tools(d), logger: logger}
}

func (p *Provider) Name() string          { return "mcp:" + p.server }
func (p *Provider) Domain() domain.Domain { return p.domain }

func (p *Provider) Search(ctx context.Context, q provider.Query) ([]provider.Offer, error) {
	args, err := toArgs(q)
	if err != nil {
		return nil, err
	}
	var offers []provider.Offer
	if err := p.call(ctx, p.tools.Search, args, &offers); err != nil {
		return nil, err
	}
	for i := range offers {
		offers[i].Domain = p.domain
	}
	return offers, nil
}

func (p *Provider) Details(ctx context.Context, offerID string) (*provider.Offer, error) {
	var o provider.Offer
	if err := p.call(ctx, p.tools.Details, map[string]any{"offer_id": offerID}, &o); err != nil {
		return nil, err
	}
	o.Domain = p.domain
	return &o, nil
}

func (p *Provider) Book(ctx context.Context, offerID string, details map[string]any, paymentToken string) (*provider.Confirmation, error) {
	var c provider.Confirmation
	args := map[string]any{"offer_id": offerID, "details": details, "payment_token": paymentToken}
	if err := p.call(ctx, p.tools.Book, args, &c); err != nil {
		return nil, err
	}
	if c.Reference == "" {
		return nil, fmt.Errorf("%s/%s: confirmation without booking reference", p.server, p.tools.Book)
	}
	return &c, nil
}

func (p *Provider) Cancel(ctx context.Context, reference string) (*provider.Cancellation, error) {
	var c provider.Cancellation
	if err := p.call(ctx, p.tools.Cancel, map[string]any{"booking_reference": reference}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Provider) call(ctx context.Context, tool string, args map[string]any, out any) error {
	p.logger.DebugContext(ctx, "mcp tool executing",
		slog.String("server", p.server),
		slog.String("tool", tool),
	)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	callResult, err := p.client.CallTool(ctx, callReq)
	if err != nil {
		return fmt.Errorf("MCP call to %s/%s failed: %w", p.server, tool, err)
	}

	text := formatMCPContent(callResult.Content)
	if callResult.IsError {
		return fmt.Errorf("%s/%s: %w: %s", p.server, tool, ErrToolFailed, text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decoding %s/%s result: %w", p.server, tool, err)
	}
	return nil
}

// formatMCPContent converts MCP content items to a single string.
func formatMCPContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

func toArgs(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// --- Bridge: manages MCP client lifecycle ---

// Bridge connects to configured MCP servers once and hands out per-domain
// providers sharing the connection.
type Bridge struct {
	mu      sync.Mutex
	clients map[string]mcpclient.MCPClient
	version string
	logger  *slog.Logger
}

// NewBridge creates a bridge. version is reported to servers on initialize.
func NewBridge(version string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{clients: make(map[string]mcpclient.MCPClient), version: version, logger: logger}
}

// Provider connects to cfg (reusing an existing connection) and returns a
// provider for domain d. It fails if the server lacks any of d's tools.
func (b *Bridge) Provider(ctx context.Context, cfg config.MCPServerConfig, d domain.Domain) (*Provider, error) {
	c, err := b.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b.attach(ctx, c, cfg.Name, d)
}

// Attach wraps an already initialized client. Used for in-process servers.
func (b *Bridge) Attach(ctx context.Context, c mcpclient.MCPClient, name string, d domain.Domain) (*Provider, error) {
	b.mu.Lock()
	b.clients[name] = c
	b.mu.Unlock()
	return b.attach(ctx, c, name, d)
}

func (b *Bridge) attach(ctx context.Context, c mcpclient.MCPClient, name string, d domain.Domain) (*Provider, error) {
	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", name, err)
	}
	available := make(map[string]bool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		available[t.Name] = true
	}
	for _, tool := range provider.Tools(d).All() {
		if !available[tool] {
			return nil, fmt.Errorf("MCP server %q does not expose %s tool %q", name, d, tool)
		}
	}

	b.logger.Info("MCP booking provider connected",
		slog.String("server", name),
		slog.String("domain", string(d)),
		slog.Int("tools_discovered", len(listResp.Tools)),
	)
	return NewProvider(c, name, d, b.logger), nil
}

// Initialize performs the MCP handshake on c.
func (b *Bridge) Initialize(ctx context.Context, c mcpclient.MCPClient) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "tripgate",
		Version: b.version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	_, err := c.Initialize(ctx, initReq)
	return err
}

func (b *Bridge) connect(ctx context.Context, cfg config.MCPServerConfig) (mcpclient.MCPClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[cfg.Name]; ok {
		return c, nil
	}

	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	if cfg.Transport != "stdio" {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting MCP transport for %q: %w", cfg.Name, err)
		}
	}
	if err := b.Initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	b.clients[cfg.Name] = c
	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
	)
	return c, nil
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("server", name), slog.String("error", err.Error()))
		}
	}
	b.clients = make(map[string]mcpclient.MCPClient)
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

var _ provider.Provider = (*Provider)(nil)
