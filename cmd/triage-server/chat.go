package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/triage/triage/internal/domain/triage"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the triage engine from the terminal",
		Long:  "Reads one message per line. /reset clears the conversation, /quit or EOF exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, _ := cmd.Flags().GetString("thread")
			if threadID == "" {
				threadID = triage.ThreadKey("", uuid.NewString())
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.kb.EnsureIndexed(ctx, cfg.KBPath, chunkOptions(cfg)); err != nil {
				logger.Warn().Err(err).Msg("knowledge base not indexed")
			}
			return chatLoop(ctx, a.engine, threadID, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("thread", "", "Thread id to resume (default: a new anonymous session)")
	return cmd
}

// turnProcessor is the part of the engine the REPL drives.
type turnProcessor interface {
	Process(ctx context.Context, threadID, text string) (string, error)
	Reset(ctx context.Context, threadID string) error
}

func chatLoop(ctx context.Context, engine turnProcessor, threadID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "thread: %s\n", threadID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := engine.Reset(ctx, threadID); err != nil {
				fmt.Fprintln(out, triage.TechnicalErrorMessage)
				continue
			}
			fmt.Fprintln(out, triage.ResetMessage)
			continue
		}

		reply, err := engine.Process(ctx, threadID, line)
		fmt.Fprintln(out, reply)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
