package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/graph/store"
	"github.com/dshills/swegraph/swe"
)

// withApp loads the configuration, wires the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session from a request and run it until it needs review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		hint, _ := cmd.Flags().GetString("hint")
		interactive, _ := cmd.Flags().GetBool("interactive")
		if strings.TrimSpace(prompt) == "" {
			return errors.New("--prompt is required")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := a.engine.Start(ctx, swe.InitialState(prompt, hint))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", id)

			res, err := a.engine.Run(stderrProgress(ctx), id, nil)
			a.afterRun(ctx, id)
			if interactive {
				return a.converse(cmd, res, err)
			}
			return printResult(cmd.OutOrStdout(), a, res, err)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Continue a session that was interrupted by a crash or cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Run(stderrProgress(ctx), args[0], nil)
			a.afterRun(ctx, args[0])
			return printResult(cmd.OutOrStdout(), a, res, err)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Answer the pending review of a suspended session",
	Long: `Answer the pending review of a suspended session.

The value is plain text ("ok" approves, anything else becomes remarks) or,
with --json, a JSON document such as
  {"name":"planner","selected_sections":["1. Core"]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("value")
		asJSON, _ := cmd.Flags().GetBool("json")
		value, err := parseValue(raw, asJSON)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Resume(stderrProgress(ctx), args[0], value)
			a.afterRun(ctx, args[0])
			return printResult(cmd.OutOrStdout(), a, res, err)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the latest checkpoint of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cp, err := a.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cp)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "List the checkpoints of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("state")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			cps, err := a.engine.History(ctx, args[0])
			if err != nil {
				return err
			}
			if full {
				return printJSON(cmd.OutOrStdout(), cps)
			}
			printHistory(cmd.OutOrStdout(), cps)
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions in the checkpoint store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			lister, ok := a.store.(store.Lister)
			if !ok {
				return fmt.Errorf("the %s store cannot list sessions", a.cfg.Store.Backend)
			}
			ids, err := lister.Sessions(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

func init() {
	startCmd.Flags().StringP("prompt", "p", "", "the project request")
	startCmd.Flags().String("hint", "", "initial routing hint (default \"analyze\")")
	startCmd.Flags().BoolP("interactive", "i", false, "answer reviews on stdin until the session completes")
	resumeCmd.Flags().String("value", "ok", "review answer")
	resumeCmd.Flags().Bool("json", false, "parse --value as JSON")
	historyCmd.Flags().Bool("state", false, "print full checkpoints as JSON")

	rootCmd.AddCommand(startCmd, runCmd, resumeCmd, statusCmd, historyCmd, sessionsCmd)
}

// converse prints each review request and resumes with the next line read
// from stdin until the session stops suspending.
func (a *app) converse(cmd *cobra.Command, res graph.RunResult, err error) error {
	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	for {
		if perr := printResult(out, a, res, err); perr != nil || res.Outcome != graph.Suspended {
			return perr
		}
		fmt.Fprint(out, "> ")
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		value, perr := parseValue(line, strings.HasPrefix(line, "{"))
		if perr != nil {
			fmt.Fprintln(out, perr)
			continue
		}
		ctx := cmd.Context()
		res, err = a.engine.Resume(stderrProgress(ctx), res.SessionID, value)
		a.afterRun(ctx, res.SessionID)
	}
}

func parseValue(raw string, asJSON bool) (any, error) {
	if !asJSON {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	return v, nil
}

// printResult describes a run outcome. Failed runs are returned as errors
// after their summary is printed.
func printResult(w io.Writer, a *app, res graph.RunResult, err error) error {
	if res.Outcome == 0 {
		return err
	}
	fmt.Fprintf(w, "%s at checkpoint %d\n", res.Outcome, res.Seq)
	switch res.Outcome {
	case graph.Suspended:
		if review, ok := res.Interrupt.Payload.(map[string]any); ok {
			fmt.Fprintf(w, "review %q: %v\n", review["name"], review["description"])
			if msg, ok := res.State[swe.FieldError].(string); ok && msg != "" {
				fmt.Fprintf(w, "error: %s\n", msg)
			}
		}
		if perr := printJSON(w, res.Interrupt.Payload); perr != nil {
			return perr
		}
	case graph.Completed:
		for _, f := range []string{swe.FieldLastAction, swe.FieldReflection} {
			if v := res.State.String(f); v != "" {
				fmt.Fprintln(w, v)
			}
		}
		if msgs := res.State.Slice(swe.FieldMessages); len(msgs) > 1 {
			if last, ok := msgs[len(msgs)-1].(map[string]any); ok && last["role"] == "assistant" {
				fmt.Fprintln(w, last["content"])
			}
		}
	}
	if total := a.costs.TotalCost(); total > 0 {
		fmt.Fprintf(w, "model cost so far: $%.4f\n", total)
	}
	if res.Outcome == graph.Failed {
		return res.Err
	}
	return nil
}

func printHistory(w io.Writer, cps []store.Checkpoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTEP\tSTATUS\tCREATED")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", cp.Seq, cp.Step, cp.Status, cp.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
