// Ctfagent solves capture-the-flag style problems with a plan, execute
// and analyze loop over a registry of tools, keeping a tiered memory of
// what it has tried.
//
// Usage:
//
//	ctfagent solve <problem>          Solve a problem given as text
//	ctfagent solve -f problem.md      Solve a problem read from a file
//	ctfagent resume <problem-id>      Continue from a saved checkpoint
//	ctfagent checkpoints list         List saved checkpoints
//	ctfagent checkpoints delete <id>  Delete a checkpoint
//	ctfagent checkpoints prune        Delete old checkpoints
//	ctfagent tools                    List registered tools
//	ctfagent version                  Print version and build information
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/ctf-agent/internal/buildinfo"
	"github.com/nugget/ctf-agent/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Results and interactive prompts go to
// stdout; logs and progress go to stderr. It returns nil on success.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globals are the persistent root flags.
type globals struct {
	configPath string
	output     string // text or json
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "ctfagent",
		Short: "Autonomous capture-the-flag solving agent",
		Long: `Ctfagent plans one step at a time, runs the chosen tools, judges the
result and remembers what it learned, until the flag is confirmed or the
step budget runs out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newSolveCmd(g),
		newResumeCmd(g),
		newCheckpointsCmd(g),
		newToolsCmd(g),
		newVersionCmd(g),
	)
	return root
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), g.output)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, info)
	if info.BuildTime != "" {
		fmt.Fprintf(w, "  built:  %s\n", info.BuildTime)
	}
	fmt.Fprintf(w, "  commit: %s\n", info.GitCommit)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig finds, loads and validates the configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Validate has already checked
// the level name.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openDB opens the agent database in the data directory. Checkpoints
// and the long-term archive share it.
func openDB(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, "ctfagent.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}
