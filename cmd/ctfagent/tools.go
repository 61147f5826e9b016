package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/llm"
	"github.com/nugget/ctf-agent/internal/opstate"
	"github.com/nugget/ctf-agent/internal/prompts"
	"github.com/nugget/ctf-agent/internal/router"
)

func newToolsCmd(g *globals) *cobra.Command {
	var categorize bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a run would have",
		Long: `List the tools a run would have. With --categorize the router derives
its category vocabulary from the model and assigns every tool, as it does
before the first step of a run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			ctx := cmd.Context()

			a := &app{cfg: cfg, logger: logger}
			defer a.Close()
			if err := a.loadRegistry(ctx); err != nil {
				return err
			}
			if categorize {
				client := newLLMClient(cfg, logger)
				gen := llm.NewModelGenerator(client, cfg.LLM.Models.For("classifier"), prompts.System, cfg.LLM.Timeout, logger)
				r := router.NewRouter(logger, router.ConfigFrom(cfg.Router, cfg.LLM.Timeout), a.registry, llm.NewStructured(gen, logger), nil)
				if db, err := openDB(cfg); err != nil {
					logger.Warn("vocabulary cache unavailable", "error", err)
				} else {
					a.closers = append(a.closers, db)
					if state, err := opstate.NewStore(db); err == nil {
						r.SetCache(state)
					}
				}
				if _, err := r.Vocabulary(ctx); err != nil {
					logger.Warn("categories unavailable", "error", err)
				}
			}
			return printTools(cmd, g.output, a.registry)
		},
	}
	cmd.Flags().BoolVar(&categorize, "categorize", false, "assign categories with the classifier model")
	return cmd
}

func printTools(cmd *cobra.Command, format string, reg *capability.Registry) error {
	descs := reg.ListAll()
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Category != descs[j].Category {
			return descs[i].Category < descs[j].Category
		}
		return descs[i].Name < descs[j].Name
	})
	w := cmd.OutOrStdout()
	if format == "json" {
		type tool struct {
			Name        string `json:"name"`
			Category    string `json:"category"`
			Description string `json:"description"`
		}
		out := make([]tool, len(descs))
		for i, d := range descs {
			out[i] = tool{Name: d.Name, Category: d.Category, Description: d.Description}
		}
		return writeJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tDESCRIPTION")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Category, firstLine(d.Description))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	categories := reg.Categories()
	_, err := fmt.Fprintf(w, "\n%d tools in %d categories: %s\n", len(descs), len(categories), strings.Join(categories, ", "))
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
