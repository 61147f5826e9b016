package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/ctf-agent/internal/buildinfo"
	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/config"
)

// Loader starts one MCP server and bridges its tools. It implements
// capability.Loader; a server that fails to start only loses its own
// tools.
type Loader struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *client.Client
}

// NewLoader creates a loader for one configured server.
func NewLoader(cfg config.MCPServerConfig, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:    cfg,
		logger: logger.With("component", "mcp", "server", cfg.Name),
	}
}

// Name implements capability.Loader.
func (l *Loader) Name() string { return "mcp_" + sanitize(l.cfg.Name) }

// Load starts the server, performs the initialize handshake, and
// bridges its tools.
func (l *Loader) Load(ctx context.Context) ([]capability.Capability, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.client == nil {
		c, err := client.NewStdioMCPClient(l.cfg.Command, l.cfg.Env, l.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", l.cfg.Command, err)
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{
			Name:    "ctfagent",
			Version: buildinfo.Get().Version,
		}
		res, err := c.Initialize(ctx, initReq)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("initialize: %w", err)
		}
		l.logger.Info("mcp server initialized",
			"server_name", res.ServerInfo.Name,
			"server_version", res.ServerInfo.Version,
		)
		l.client = c
	}

	return BridgeTools(ctx, l.client, l.cfg.Name, l.cfg.Include, l.cfg.Exclude, l.logger)
}

// Close stops the server subprocess.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}
