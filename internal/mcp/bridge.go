package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/ctf-agent/internal/capability"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Caller is the part of the mcp-go client the bridge needs.
type Caller interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// BridgeTools discovers tools from an MCP server and returns them as
// capabilities. Names are namespaced as "mcp_{serverName}_{toolName}"
// to avoid collisions with built-in tools.
//
// The include and exclude lists control which MCP tools are bridged:
//   - If include is non-empty, only tools whose MCP names appear in it are returned.
//   - If exclude is non-empty, tools whose MCP names appear in it are skipped.
//   - If both are empty, all tools are returned.
func BridgeTools(ctx context.Context, c Caller, serverName string, include, exclude []string, logger *slog.Logger) ([]capability.Capability, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var caps []capability.Capability
	for _, td := range res.Tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		caps = append(caps, bridgeTool(c, name, td))

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"capability", name,
			"server", serverName,
		)
	}
	return caps, nil
}

// ToolName generates a namespaced capability name from an MCP server
// name and tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool creates a capability that proxies calls to an MCP server.
func bridgeTool(c Caller, name string, td mcp.Tool) capability.Capability {
	mcpName := td.Name

	return capability.Capability{
		Descriptor: capability.Descriptor{
			Name:        name,
			Description: td.Description,
			Parameters:  inputSchema(td),
			Searchable:  true,
		},
		Invoker: capability.InvokerFunc(func(ctx context.Context, _ string, args map[string]any) (string, error) {
			req := mcp.CallToolRequest{}
			req.Params.Name = mcpName
			req.Params.Arguments = args

			res, err := c.CallTool(ctx, req)
			if err != nil {
				return "", fmt.Errorf("call %s: %w", mcpName, err)
			}
			text := renderContent(res.Content)
			if res.IsError {
				return "", errors.New(text)
			}
			return text, nil
		}),
	}
}

// inputSchema returns the tool's JSON schema as a plain map, going
// through the library's own marshaling so raw schemas survive.
func inputSchema(td mcp.Tool) map[string]any {
	b, err := json.Marshal(td)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

// renderContent flattens a tool result into text. Non-text content is
// noted by type so the model knows it exists.
func renderContent(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", c.MIMEType, len(c.Data)))
		default:
			parts = append(parts, fmt.Sprintf("[%T content]", content))
		}
	}
	return strings.Join(parts, "\n")
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
