package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardroom/internal/app"
	"boardroom/internal/domain"
)

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the participant roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents := domain.Roster()
			if viper.GetBool("json") {
				return printJSON(agents)
			}
			t := newTable("Role", "Name", "Avatar", "Weight")
			for _, a := range agents {
				t.AppendRow(table.Row{a.Role, a.Name, a.Avatar, a.Weight})
			}
			t.Render()
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <idea>",
		Short: "Create a project from a product idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				p, err := c.CreateProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printProjectDetail(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.CreateProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printProjectDetail(p)
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				items, err := c.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				return printProjects(items)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Projects(ctx)
				if err != nil {
					return err
				}
				return printProjects(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				p, err := c.GetProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printProjectDetail(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Project(ctx, args[0])
				if err != nil {
					return err
				}
				return printProjectDetail(p)
			})
		},
	}
}

func printProjects(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	items, err := convert[[]domain.Project](v)
	if err != nil {
		return err
	}
	t := newTable("ID", "Idea", "Created", "Runs", "Latest")
	for _, p := range items {
		latest := "-"
		if r, ok := p.LatestRun(); ok {
			latest = string(r.Status)
		}
		t.AppendRow(table.Row{p.ID, truncate(p.Idea, 60), p.CreatedAt.Local().Format(time.DateTime), len(p.Runs), latest})
	}
	t.Render()
	return nil
}

func printProjectDetail(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	p, err := convert[domain.Project](v)
	if err != nil {
		return err
	}
	fmt.Printf("Project %s\n  idea:    %s\n  created: %s\n  can run: %t\n", p.ID, p.Idea, p.CreatedAt.Local().Format(time.DateTime), p.CanRun())
	if len(p.Runs) == 0 {
		return nil
	}
	t := newTable("Run", "Status", "Agents", "Messages", "Artifacts", "Started")
	for _, r := range p.Runs {
		t.AppendRow(table.Row{r.ID, r.Status, fmt.Sprint(r.Participants), len(r.Messages), r.Artifacts.Len(), r.StartedAt.Local().Format(time.DateTime)})
	}
	t.Render()
	return nil
}
