package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage/triage/internal/platform/knowledge"
)

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the specialist knowledge base",
	}

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Embed and index the knowledge base file",
		RunE: func(cmd *cobra.Command, args []string) error {
			recreate, _ := cmd.Flags().GetBool("recreate")
			path, _ := cmd.Flags().GetString("path")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.KBPath
			}
			ctx := cmd.Context()
			base, err := buildKnowledge(ctx, cfg, logger)
			if err != nil {
				return err
			}

			var n int
			if recreate {
				if err := base.Reset(ctx); err != nil {
					return fmt.Errorf("reset index: %w", err)
				}
				entries, err := knowledge.Load(path)
				if err != nil {
					return err
				}
				n, err = base.Index(ctx, entries, chunkOptions(cfg))
				if err != nil {
					return err
				}
			} else {
				n, err = base.EnsureIndexed(ctx, path, chunkOptions(cfg))
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunk(s) from %s into %s store.\n", n, path, cfg.VectorStore)
			return nil
		},
	}
	indexCmd.Flags().Bool("recreate", false, "Drop the existing index before indexing")
	indexCmd.Flags().String("path", "", "Knowledge base file (.csv or .yaml); defaults to KB_PATH")
	cmd.AddCommand(indexCmd)

	searchCmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Show the chunks retrieved for a symptom description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _ := cmd.Flags().GetInt("k")

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if k <= 0 {
				k = cfg.RetrievalTopK
			}
			ctx := cmd.Context()
			base, err := buildKnowledge(ctx, cfg, logger)
			if err != nil {
				return err
			}
			// The memory store starts empty in every process.
			if _, err := base.EnsureIndexed(ctx, cfg.KBPath, chunkOptions(cfg)); err != nil {
				return err
			}

			matches, err := base.Search(ctx, strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-28s %s\n", "SCORE", "SPECIALTY", "TEXT")
			for _, m := range matches {
				fmt.Fprintf(out, "%-6.3f %-28s %s\n", m.Score, m.Document.Specialty, oneLine(m.Document.Text, 100))
			}
			return nil
		},
	}
	searchCmd.Flags().Int("k", 0, "Number of chunks to return (default RETRIEVAL_TOP_K)")
	cmd.AddCommand(searchCmd)

	return cmd
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
