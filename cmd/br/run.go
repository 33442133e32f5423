package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardroom/internal/app"
	"boardroom/internal/domain"
	boardroomsdk "boardroom/sdk/go"
)

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Start and inspect simulation runs"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runWatchCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runArtifactCmd())
	run.AddCommand(runRecoverCmd())
	return run
}

func parseRoles(raw []string) ([]domain.Role, error) {
	if len(raw) == 0 {
		return domain.Roles(), nil
	}
	var roles []domain.Role
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			r, err := domain.ParseRole(part)
			if err != nil {
				return nil, err
			}
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func runStartCmd() *cobra.Command {
	var agents []string
	var detach bool
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a run and stream its messages until it ends",
		Long: `Start a run of the project's idea. Messages are printed as the board produces them.
Ctrl-C cancels the run. All agents are enabled unless --agents is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, err := parseRoles(agents)
			if err != nil {
				return err
			}
			if c := remote(); c != nil {
				names := make([]string, len(roles))
				for i, r := range roles {
					names[i] = string(r)
				}
				run, err := c.StartRun(cmd.Context(), args[0], names)
				if err != nil {
					return err
				}
				if detach {
					fmt.Println(run.ID)
					return nil
				}
				return streamRemote(cmd.Context(), c, run.ID)
			}
			if detach {
				return errors.New("--detach requires --server; local runs live only as long as this command")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.StartRun(ctx, args[0], roles)
				if err != nil {
					return err
				}
				return streamLocal(ctx, a, run.ID)
			})
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agents", nil, "enabled roles, e.g. PM,Engineer (default all)")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the run id and return without streaming (with --server)")
	return cmd
}

func runWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream the messages of a run served by 'br serve'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remote()
			if c == nil {
				return errors.New("watch requires --server")
			}
			return streamRemote(cmd.Context(), c, args[0])
		},
	}
}

// streamLocal prints a run executing in this process. An interrupt cancels it.
func streamLocal(ctx context.Context, a *app.App, runID string) error {
	updates, stop, err := a.Watch(context.Background(), runID)
	if err != nil {
		return err
	}
	defer stop()
	sigCtx, cancelSig := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelSig()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			select {
			case <-finished:
				return
			default:
			}
			fmt.Fprintln(os.Stderr, "cancelling run...")
			_ = a.CancelRun(context.Background(), runID)
		case <-finished:
		}
	}()

	p := &messagePrinter{}
	for snap := range updates {
		p.print(snap)
	}
	final, err := a.WaitRun(context.Background(), runID)
	if err != nil {
		return err
	}
	p.print(final)
	return summarize(final)
}

func streamRemote(ctx context.Context, c *boardroomsdk.Client, runID string) error {
	sigCtx, cancelSig := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelSig()
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go func() {
		select {
		case <-sigCtx.Done():
			if streamCtx.Err() != nil {
				return
			}
			fmt.Fprintln(os.Stderr, "cancelling run...")
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.CancelRun(cctx, runID); err != nil {
				fmt.Fprintln(os.Stderr, "cancel:", err)
			}
		case <-streamCtx.Done():
		}
	}()

	p := &messagePrinter{}
	last, err := c.Stream(streamCtx, runID, func(r boardroomsdk.Run) error {
		snap, err := convert[domain.Run](r)
		if err != nil {
			return err
		}
		p.print(snap)
		return nil
	})
	if err != nil {
		return err
	}
	final, err := convert[domain.Run](last)
	if err != nil {
		return err
	}
	return summarize(final)
}

// messagePrinter writes each message of a growing run once.
type messagePrinter struct {
	printed int
}

func (p *messagePrinter) print(run domain.Run) {
	if viper.GetBool("json") {
		return
	}
	for ; p.printed < len(run.Messages); p.printed++ {
		m := run.Messages[p.printed]
		d := domain.DisplayFor(m.Source)
		content := m.Content
		if m.Kind == domain.KindArtifactDraft {
			content = truncate(content, 100)
		}
		fmt.Printf("%s %s %-10s [%s] %s\n", m.Timestamp.Local().Format(time.TimeOnly), d.Avatar, d.Name, m.Kind, content)
	}
}

func summarize(run domain.Run) error {
	if viper.GetBool("json") {
		if err := printJSON(run); err != nil {
			return err
		}
	} else {
		printArtifacts(run)
	}
	if run.Status == domain.RunFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func printArtifacts(run domain.Run) {
	fmt.Printf("\nRun %s %s\n", run.ID, run.Status)
	if run.Artifacts.Len() == 0 {
		return
	}
	t := newTable("Artifact", "ID", "Size", "Updated")
	for _, art := range run.Artifacts.List() {
		t.AppendRow(table.Row{art.Type, art.ID, len(art.Content), art.UpdatedAt.Local().Format(time.DateTime)})
	}
	t.Render()
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its messages and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			show := func(run domain.Run) error {
				if viper.GetBool("json") {
					return printJSON(run)
				}
				(&messagePrinter{}).print(run)
				printArtifacts(run)
				return nil
			}
			if c := remote(); c != nil {
				r, err := c.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				run, err := convert[domain.Run](r)
				if err != nil {
					return err
				}
				return show(run)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Run(ctx, args[0])
				if err != nil {
					return err
				}
				return show(run)
			})
		},
	}
}

func runCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run served by 'br serve'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				run, err := c.CancelRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("cancellation requested for %s (status %s)\n", run.ID, run.Status)
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if run.Status.Terminal() {
					fmt.Printf("run %s already %s\n", run.ID, run.Status)
					return nil
				}
				return fmt.Errorf("run %s is not active in this process; pass --server to cancel it on a running server", run.ID)
			})
		},
	}
}

func runArtifactCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "artifact <run-id> <type>",
		Short: "Print or save an artifact as markdown",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseArtifactType(args[1])
			if err != nil {
				return err
			}
			var content string
			if c := remote(); c != nil {
				content, err = c.Artifact(cmd.Context(), args[0], string(t))
				if err != nil {
					return err
				}
			} else {
				err = withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					run, err := a.Run(ctx, args[0])
					if err != nil {
						return err
					}
					art, ok := run.Artifacts.Get(t)
					if !ok {
						return fmt.Errorf("run %s has no %s artifact", run.ID, t)
					}
					content = art.Content
					return nil
				})
				if err != nil {
					return err
				}
			}
			if out == "" {
				fmt.Print(content)
				if !strings.HasSuffix(content, "\n") {
					fmt.Println()
				}
				return nil
			}
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(content))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func runRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark runs left unfinished by a stopped process as failed",
		Long: `Mark runs left unfinished by a crashed or killed process as failed so their projects
can run again. Do not use while 'br serve' is running on the same workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.RecoverStaleRuns(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("closed %d interrupted run(s)\n", n)
				return nil
			})
		},
	}
}
