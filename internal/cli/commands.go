package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/origincreativegroup/Loom/internal/api"
	"github.com/origincreativegroup/Loom/internal/appclient"
)

func (r *Runner) investigateCommand() *cobra.Command {
	var (
		title       string
		description string
		target      string
		tools       []string
		options     []string
		watch       bool
		plain       bool
	)
	cmd := &cobra.Command{
		Use:   "investigate",
		Short: "Start an investigation against a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(target) == "" {
				return usagef("--target is required")
			}
			if len(tools) == 0 {
				return usagef("at least one --tool is required")
			}
			if strings.TrimSpace(title) == "" {
				title = "Investigation of " + strings.TrimSpace(target)
			}
			opts, err := parseToolOptions(options)
			if err != nil {
				return err
			}
			resp, err := r.api().CreateCase(cmd.Context(), api.CreateCaseRequest{
				Title:       title,
				Description: description,
				Target:      target,
				Tools:       tools,
				ToolOptions: opts,
			})
			if err != nil {
				return err
			}
			if r.jsonOut {
				if err := r.printJSON(resp); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintf(r.out, "case %s %s\n", resp.CaseID, resp.Status)
			}
			if watch {
				return r.watchCase(cmd, resp.CaseID, plain)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "case title")
	f.StringVar(&description, "description", "", "case description")
	f.StringVar(&target, "target", "", "domain, IP, email or username to investigate")
	f.StringSliceVar(&tools, "tool", nil, "tool to run (repeatable or comma separated)")
	f.StringArrayVar(&options, "option", nil, "tool option as tool.key=value (repeatable)")
	f.BoolVar(&watch, "watch", false, "follow progress until the case finishes")
	f.BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")
	return cmd
}

func (r *Runner) casesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List investigation cases, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.api().ListCases(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(env)
			}
			for _, c := range env.Cases {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
					c.CaseID, statusStyle(c.Status).Render(c.Status), c.Target, joinOrDash(c.Tools), c.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of cases (0 for all)")
	return cmd
}

func (r *Runner) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case with its tool results",
		Args:  exactArgs(1, "loom show <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := r.api().GetCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(detail)
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%s\n", titleStyle.Render(detail.Title))
			fmt.Fprintf(&b, "case:    %s\n", detail.CaseID)
			fmt.Fprintf(&b, "target:  %s (%s)\n", detail.Target, detail.TargetKind)
			fmt.Fprintf(&b, "status:  %s\n", statusStyle(detail.Status).Render(detail.Status))
			if detail.Message != "" {
				fmt.Fprintf(&b, "message: %s\n", detail.Message)
			}
			fmt.Fprintf(&b, "tools:   %s\n", joinOrDash(detail.RequestedTools))
			for _, tr := range detail.ToolResults {
				line := fmt.Sprintf("  %-14s %s %dms", tr.Tool, statusStyle(tr.Status).Render(tr.Status), tr.DurationMS)
				if tr.Error != "" {
					line += "  " + mutedStyle.Render(tr.Error)
				} else {
					line += fmt.Sprintf("  %d records", countRecords(tr.Results))
				}
				b.WriteString(line + "\n")
			}
			_, err = fmt.Fprint(r.out, panelStyle.Render(strings.TrimRight(b.String(), "\n"))+"\n")
			return err
		},
	}
}

func (r *Runner) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show tool progress for a case",
		Args:  exactArgs(1, "loom status <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := r.api().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(st)
			}
			_, err = fmt.Fprintln(r.out, progressLine(st.StatusItem))
			return err
		},
	}
}

func (r *Runner) reportCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "report <case-id>",
		Short: "Print the synthesized report for a case",
		Args:  exactArgs(1, "loom report <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := r.api().Report(cmd.Context(), args[0])
			if err != nil {
				if appclient.IsNotFound(err) {
					return fmt.Errorf("report for %s is not available yet: %w", args[0], err)
				}
				return err
			}
			if r.jsonOut {
				return r.printJSON(rep)
			}
			if raw {
				_, err = fmt.Fprintln(r.out, rep.Report)
				return err
			}
			rendered, err := renderMarkdown(rep.Report, defaultRenderWidth)
			if err != nil {
				_, err = fmt.Fprintln(r.out, rep.Report)
				return err
			}
			_, err = fmt.Fprint(r.out, rendered)
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without rendering")
	return cmd
}

func (r *Runner) watchCommand() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <case-id>",
		Short: "Follow a case until it finishes",
		Args:  exactArgs(1, "loom watch <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.watchCase(cmd, args[0], plain)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print progress lines instead of the interactive view")
	return cmd
}

func (r *Runner) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Cancel a running case",
		Args:  exactArgs(1, "loom cancel <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, err = fmt.Fprintf(r.out, "case %s %s: %s\n", resp.CaseID, resp.Status, resp.Message)
			return err
		},
	}
}

func (r *Runner) toolOutputCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tool-output <case-id> <tool>",
		Short: "Print one tool's normalized results and raw output",
		Args:  exactArgs(2, "loom tool-output <case-id> <tool>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := r.api().ToolPayload(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(payload)
			}
			_, _ = fmt.Fprintf(r.out, "%s %s %dms\n", payload.Tool, statusStyle(payload.Status).Render(payload.Status), payload.DurationMS)
			if payload.Error != "" {
				_, _ = fmt.Fprintf(r.out, "error: %s\n", payload.Error)
			}
			if len(payload.Results) > 0 {
				var pretty any
				if err := json.Unmarshal(payload.Results, &pretty); err == nil {
					if err := r.printJSON(pretty); err != nil {
						return err
					}
				}
			}
			if payload.RawOutput != "" {
				_, _ = fmt.Fprintln(r.out, mutedStyle.Render("--- raw output ---"))
				_, _ = fmt.Fprintln(r.out, payload.RawOutput)
			}
			return nil
		},
	}
}

func (r *Runner) logsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <case-id>",
		Short: "Print the activity log of a case",
		Args:  exactArgs(1, "loom logs <case-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.api().Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(env)
			}
			for _, l := range env.Logs {
				tool := l.Tool
				if tool == "" {
					tool = "-"
				}
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", l.CreatedAt, l.Step, tool, l.Status)
			}
			return nil
		},
	}
}

func (r *Runner) toolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the daemon can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.api().Tools(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(env)
			}
			for _, t := range env.AvailableTools {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", t.Name, t.Kind, t.Description)
			}
			return nil
		},
	}
}

func (r *Runner) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon and dependency health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := r.api().Health(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(h)
			}
			_, _ = fmt.Fprintf(r.out, "status\t%s\n", statusStyle(h.Status).Render(h.Status))
			names := make([]string, 0, len(h.Components))
			for name := range h.Components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := h.Components[name]
				_, _ = fmt.Fprintf(r.out, "%s\t%s\n", name, statusStyle(st).Render(st))
			}
			return nil
		},
	}
}

func (r *Runner) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the daemon's public configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.api().Config(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(cfg)
			}
			_, _ = fmt.Fprintf(r.out, "llm\t%s %s (%s)\n", cfg.LLMProvider, cfg.LLMModel, cfg.LLMURL)
			_, _ = fmt.Fprintf(r.out, "api_key_required\t%t\n", cfg.APIKeyRequired)
			names := make([]string, 0, len(cfg.AvailableTools))
			for _, t := range cfg.AvailableTools {
				names = append(names, t.Name)
			}
			_, _ = fmt.Fprintf(r.out, "tools\t%s\n", joinOrDash(names))
			dbs := make([]string, 0, len(cfg.Databases))
			for name, on := range cfg.Databases {
				if on {
					dbs = append(dbs, name)
				}
			}
			sort.Strings(dbs)
			_, _ = fmt.Fprintf(r.out, "databases\t%s\n", joinOrDash(dbs))
			return nil
		},
	}
}

func (r *Runner) chatCommand() *cobra.Command {
	var (
		target    string
		toolsUsed []string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Ask the assistant about an investigation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ChatRequest{Message: strings.Join(args, " ")}
			if target != "" || len(toolsUsed) > 0 {
				req.Context = &api.ChatContext{Target: target, ToolsUsed: toolsUsed}
			}
			resp, err := r.api().Chat(cmd.Context(), req)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			body := resp.Response
			if !raw {
				if rendered, err := renderMarkdown(resp.Response, defaultRenderWidth); err == nil {
					body = rendered
				}
			}
			_, _ = fmt.Fprintln(r.out, strings.TrimRight(body, "\n"))
			if len(resp.SuggestedTools) > 0 {
				_, _ = fmt.Fprintf(r.out, "%s %s\n", mutedStyle.Render("suggested tools:"), strings.Join(resp.SuggestedTools, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target under discussion")
	cmd.Flags().StringSliceVar(&toolsUsed, "tools-used", nil, "tools already run against the target")
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without rendering")
	return cmd
}

func progressLine(p api.StatusItem) string {
	line := fmt.Sprintf("%s\t%s\tcompleted=%s failed=%s pending=%s",
		p.CaseID, statusStyle(p.Status).Render(p.Status),
		joinOrDash(p.ToolsCompleted), joinOrDash(p.ToolsFailed), joinOrDash(p.ToolsPending))
	if p.ReportReady {
		line += "\treport ready"
	}
	return line
}

func countRecords(raw json.RawMessage) int {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0
	}
	return len(records)
}
