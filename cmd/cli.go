package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/agent-orchestrator/internal/persistence"
	"github.com/MimeLyc/agent-orchestrator/internal/service"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var (
		tenant        string
		maxIterations int
		verbose       bool
	)
	cmd := &cobra.Command{
		Use:   "run <agent> <prompt...>",
		Short: "Run an agent once and print its answer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := buildComponents(ctx, flags, false)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.svc.Run(ctx, service.RunRequest{
				AgentID:       args[0],
				Prompt:        strings.Join(args[1:], " "),
				TenantID:      tenant,
				MaxIterations: maxIterations,
			})
			if err != nil {
				var svcErr *service.Error
				if errors.As(err, &svcErr) {
					fmt.Fprintln(cmd.ErrOrStderr(), red("Error: "+svcErr.Message))
					fmt.Fprintln(cmd.ErrOrStderr(), gray(service.Advice(svcErr)))
				}
				return err
			}
			printRun(cmd.OutOrStdout(), resp, verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant recorded with the transcript")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration ceiling, 0 uses the agent default")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every tool call")
	return cmd
}

func printRun(w io.Writer, resp *service.RunResponse, verbose bool) {
	if verbose {
		for i, call := range resp.ToolCalls {
			name := call.ToolName
			if call.ServerID != "" {
				name = call.ServerID + "/" + name
			}
			fmt.Fprintf(w, "%s %s %s\n", gray(fmt.Sprintf("%2d.", i+1)), cyan(name), gray(call.Arguments))
		}
		if len(resp.ToolCalls) > 0 {
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w, resp.Content)
	fmt.Fprintln(w)

	stop := green(resp.StopReason)
	if resp.StopReason != "completed" {
		stop = yellow(resp.StopReason)
	}
	fmt.Fprintf(w, "%s %s  %s %d  %s %d  %s %d\n",
		gray("stop:"), stop,
		gray("iterations:"), resp.Iterations,
		gray("tool calls:"), len(resp.ToolCalls),
		gray("tokens:"), resp.Usage.TotalTokens,
	)
	fmt.Fprintln(w, gray("run: "+resp.RunID))
}

func newToolsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools <agent>",
		Short: "List the tools an agent can call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(cmd.Context(), flags, false)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.svc.Tools(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%d)\n", bold("Tools of "+args[0]), len(infos))
			for _, info := range infos {
				origin := "local"
				if info.ServerID != "" {
					origin = info.ServerID
				}
				fmt.Fprintf(w, "  %s %s\n", cyan(info.Name), gray("["+origin+"]"))
				if info.Description != "" {
					fmt.Fprintf(w, "    %s\n", info.Description)
				}
			}

			for _, st := range c.pool.Status() {
				state := green("connected")
				if !st.Connected {
					state = red("unavailable")
				}
				fmt.Fprintf(w, "%s %s %s\n", gray("mcp"), st.ID, state)
			}
			return nil
		},
	}
}

func newPruneCommand(flags *rootFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored transcripts older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return prune(cmd.Context(), cmd.OutOrStdout(), cfg.DBPath(), time.Now().Add(-olderThan))
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the transcripts to delete")
	return cmd
}

func prune(ctx context.Context, w io.Writer, dbPath string, cutoff time.Time) error {
	store, err := persistence.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.DeleteTranscriptsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Info("Pruned %d transcripts stored before %s", removed, cutoff.Format(time.RFC3339))
	fmt.Fprintf(w, "%s %d\n", gray("removed:"), removed)
	return nil
}
