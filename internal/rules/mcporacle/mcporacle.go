// Package mcporacle exposes the rules oracle over the Model Context Protocol.
//
// [Client] implements rules.Oracle by calling the tools "roll", "attack",
// "damage" and "skill_check" on an MCP server reached over stdio or
// streamable HTTP. [NewServer] builds the matching server around any
// rules.Oracle, so the in-process oracle can be offered to other MCP hosts
// and the client can be tested end to end over in-memory transports.
package mcporacle

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/dmcore/internal/rules"
)

// Tool names served and called by this package.
const (
	ToolRoll       = "roll"
	ToolAttack     = "attack"
	ToolDamage     = "damage"
	ToolSkillCheck = "skill_check"
)

var requiredTools = []string{ToolRoll, ToolAttack, ToolDamage, ToolSkillCheck}

// Transport selects how [Dial] reaches the server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// Config describes an MCP rules server.
type Config struct {
	Transport Transport

	// Command is split on spaces into executable and arguments (stdio).
	Command string

	// Env holds extra KEY=VALUE pairs for the subprocess (stdio).
	Env map[string]string

	// URL is the endpoint (streamable-http).
	URL string
}

// Client is a rules.Oracle backed by an MCP session.
type Client struct {
	session *mcpsdk.ClientSession
}

var _ rules.Oracle = (*Client)(nil)

func newSDKClient() *mcpsdk.Client {
	return mcpsdk.NewClient(&mcpsdk.Implementation{Name: "dmcore-rules", Version: "1.0.0"}, nil)
}

// Dial connects to the server described by cfg.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcporacle: stdio transport requires a command")
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcporacle: streamable-http transport requires a URL")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("mcporacle: unknown transport %q", cfg.Transport)
	}
	return Connect(ctx, transport)
}

// Connect opens a session over transport and checks that the server offers
// every rules tool.
func Connect(ctx context.Context, transport mcpsdk.Transport) (*Client, error) {
	session, err := newSDKClient().Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcporacle: connect: %w", err)
	}

	found := make(map[string]bool, len(requiredTools))
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcporacle: list tools: %w", err)
		}
		found[tool.Name] = true
	}
	var missing []string
	for _, name := range requiredTools {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		_ = session.Close()
		return nil, fmt.Errorf("mcporacle: server lacks tools %v", missing)
	}
	return &Client{session: session}, nil
}

// Roll implements rules.Oracle.
func (c *Client) Roll(ctx context.Context, req rules.RollRequest) (rules.RollResult, error) {
	var out rules.RollResult
	return out, c.call(ctx, ToolRoll, req, &out)
}

// Attack implements rules.Oracle.
func (c *Client) Attack(ctx context.Context, req rules.AttackRequest) (rules.AttackResult, error) {
	var out rules.AttackResult
	return out, c.call(ctx, ToolAttack, req, &out)
}

// Damage implements rules.Oracle.
func (c *Client) Damage(ctx context.Context, req rules.DamageRequest) (rules.DamageResult, error) {
	var out rules.DamageResult
	return out, c.call(ctx, ToolDamage, req, &out)
}

// SkillCheck implements rules.Oracle.
func (c *Client) SkillCheck(ctx context.Context, req rules.SkillCheckRequest) (rules.SkillCheckResult, error) {
	var out rules.SkillCheckResult
	return out, c.call(ctx, ToolSkillCheck, req, &out)
}

// Ping checks that the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.session.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mcporacle: ping: %w", err)
	}
	return nil
}

// Close ends the session.
func (c *Client) Close() error { return c.session.Close() }

func (c *Client) call(ctx context.Context, tool string, args, out any) error {
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return fmt.Errorf("mcporacle: call %s: %w", tool, err)
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return fmt.Errorf("mcporacle: %s: %s", tool, sb.String())
	}
	if err := json.Unmarshal([]byte(sb.String()), out); err != nil {
		return fmt.Errorf("mcporacle: decode %s result: %w", tool, err)
	}
	return nil
}

// ── Server ───────────────────────────────────────────────────────────────────

// NewServer returns an MCP server exposing o as the four rules tools.
func NewServer(o rules.Oracle) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "dmcore-rules", Version: "1.0.0"}, nil)
	addTool(s, ToolRoll, "Evaluate a dice expression such as 2d6+3.", o.Roll)
	addTool(s, ToolAttack, "Resolve a d20 attack roll against an armour class.", o.Attack)
	addTool(s, ToolDamage, "Roll damage of one damage type.", o.Damage)
	addTool(s, ToolSkillCheck, "Resolve a d20 skill check against a DC.", o.SkillCheck)
	return s
}

func addTool[In, Out any](s *mcpsdk.Server, name, desc string, fn func(context.Context, In) (Out, error)) {
	mcpsdk.AddTool(s, &mcpsdk.Tool{Name: name, Description: desc},
		func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, any, error) {
			out, err := fn(ctx, in)
			if err != nil {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
				}, nil, nil
			}
			data, err := json.Marshal(out)
			if err != nil {
				return nil, nil, fmt.Errorf("mcporacle: encode %s result: %w", name, err)
			}
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
			}, nil, nil
		})
}
