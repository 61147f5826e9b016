package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/ctf-agent/internal/checkpoint"
)

func newCheckpointsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Manage saved run checkpoints",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved checkpoints, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpointStore(cmd.Context(), g, func(ctx context.Context, s *checkpoint.Store) error {
				cps, err := s.List(ctx, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if g.output == "json" {
					if cps == nil {
						cps = []*checkpoint.Checkpoint{}
					}
					return writeJSON(w, cps)
				}
				if len(cps) == 0 {
					fmt.Fprintln(w, "No checkpoints.")
					return nil
				}
				for _, cp := range cps {
					fmt.Fprintln(w, cp.Summary())
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of checkpoints to list")

	del := &cobra.Command{
		Use:     "delete <problem-id>",
		Aliases: []string{"rm"},
		Short:   "Delete the checkpoint for a problem id or unique prefix",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCheckpointStore(cmd.Context(), g, func(ctx context.Context, s *checkpoint.Store) error {
				id, err := resolveProblemID(ctx, s, args[0])
				if err != nil {
					return err
				}
				if err := s.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint %s\n", id[:12])
				return nil
			})
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete checkpoints older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpointStore(cmd.Context(), g, func(ctx context.Context, s *checkpoint.Store) error {
				n, err := s.Prune(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d checkpoint(s)\n", n)
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of checkpoints to delete")

	cmd.AddCommand(list, del, prune)
	return cmd
}

// withCheckpointStore opens the checkpoint store from the configured
// data directory for the duration of fn.
func withCheckpointStore(ctx context.Context, g *globals, fn func(context.Context, *checkpoint.Store) error) error {
	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := checkpoint.NewStore(db)
	if err != nil {
		return err
	}
	return fn(ctx, store)
}

// resolveProblemID expands a unique prefix to a full problem id.
func resolveProblemID(ctx context.Context, store *checkpoint.Store, prefix string) (string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return "", fmt.Errorf("empty problem id")
	}
	cps, err := store.List(ctx, 1000)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, cp := range cps {
		if strings.HasPrefix(cp.ProblemID, prefix) {
			matches = append(matches, cp.ProblemID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no checkpoint matches %q", checkpoint.ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("problem id %q is ambiguous (%d matches)", prefix, len(matches))
}
