package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"backline/internal/ai"
	"backline/internal/config"
	"backline/internal/db"
	"backline/internal/domain"
	"backline/internal/engine"
	"backline/internal/jobs"
	"backline/internal/migrate"
	"backline/internal/repo"
	"backline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Backline CLI",
	Long: `Backline keeps a hierarchical backlog with guarded AI modifications.
- Workspace: the .backline directory next to you holds the database; backline.yml holds config.
- Items: epic > story > task/bug > subtask, each walking backlog -> todo -> in_progress -> review -> done.
- Relationships: blocks/depends_on/relates_to/duplicates edges between items; blocking edges stay acyclic.
- Modification gate: AI-suggested edits similar to an existing item block it for human review ('bl resolve');
  dissimilar ones become new sibling items instead.
- Jobs: epic generation and suggestion scoring run asynchronously ('bl job').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("BACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(relationCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.InitProject(ctx, id, name, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projects, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(projects)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, activeProject(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Project status with item counts per workflow state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				projectID := activeProject(e)
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountItemsByState(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project_id": p.ID, "status": p.Status, "item_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Items:")
				for state, n := range counts {
					fmt.Printf("  %s: %d\n", state, n)
				}
				return nil
			})
		},
	}
}

// --- items ---

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage backlog items",
		Long:  "Items form the tree epic > story > task/bug > subtask. Every status change is validated by the state machine and appended to the transition log.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemTransitionCmd())
	item.AddCommand(itemMoveCmd())
	item.AddCommand(itemDeleteCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var itemType, parent, title, desc, severity string
	var priority int
	var points float64
	var labels, components, acceptance []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create backlog item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.ItemCreateOptions{
					ProjectID:          activeProject(e),
					ItemType:           itemType,
					Title:              title,
					Description:        desc,
					Priority:           priority,
					Labels:             labels,
					Components:         components,
					AcceptanceCriteria: acceptance,
					ActorID:            viper.GetString("actor-id"),
				}
				if parent != "" {
					opts.ParentID = &parent
				}
				if severity != "" {
					opts.Severity = &severity
				}
				if cmd.Flags().Changed("points") {
					opts.StoryPoints = &points
				}
				it, err := e.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "", "item type (epic|story|task|subtask|bug)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent item id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (bugs only)")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	cmd.Flags().StringSliceVar(&components, "component", nil, "components")
	cmd.Flags().StringSliceVar(&acceptance, "ac", nil, "acceptance criteria")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemListCmd() *cobra.Command {
	var state, itemType, parent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backlog items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				filter := repo.ItemFilter{ProjectID: activeProject(e)}
				if state != "" {
					filter.State = &state
				}
				if itemType != "" {
					filter.ItemType = &itemType
				}
				if parent != "" {
					filter.ParentID = &parent
				}
				items, err := e.Repo.ListItems(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "State", "Prio", "Parent"})
				for _, it := range items {
					parentID := ""
					if it.ParentID != nil {
						parentID = *it.ParentID
					}
					tw.AppendRow(table.Row{it.ID, it.ItemType, it.Title, it.WorkflowState, it.Priority, parentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "workflow state filter")
	cmd.Flags().StringVar(&itemType, "type", "", "item type filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent item id filter")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show backlog item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemUpdateCmd() *cobra.Command {
	var title, desc, severity string
	var priority, version int
	var points float64
	var labels, components, acceptance []string
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Update backlog item fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.ItemUpdateOptions{
					ID:      args[0],
					Version: version,
					ActorID: viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("severity") {
					opts.Severity = &severity
				}
				if cmd.Flags().Changed("points") {
					opts.StoryPoints = &points
				}
				if cmd.Flags().Changed("label") {
					opts.Labels = &labels
				}
				if cmd.Flags().Changed("component") {
					opts.Components = &components
				}
				if cmd.Flags().Changed("ac") {
					opts.AcceptanceCriteria = &acceptance
				}
				it, err := e.UpdateItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected item version (0 skips the check)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (bugs only)")
	cmd.Flags().Float64Var(&points, "points", 0, "story points")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels (replaces)")
	cmd.Flags().StringSliceVar(&components, "component", nil, "components (replaces)")
	cmd.Flags().StringSliceVar(&acceptance, "ac", nil, "acceptance criteria (replaces)")
	return cmd
}

func itemTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <item-id> <state>",
		Short: "Move an item along the workflow state machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var r *string
				if reason != "" {
					r = &reason
				}
				it, err := e.Transition(ctx, args[0], args[1], viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition log")
	return cmd
}

func itemMoveCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "move <item-id>",
		Short: "Reparent an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var parentID *string
				if parent != "" {
					parentID = &parent
				}
				it, err := e.MoveItem(ctx, args[0], parentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent item id (empty moves an epic to the root)")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <item-id>",
		Short: "Delete an item, optionally with its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deleted, err := e.DeleteItem(ctx, args[0], cascade)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted_ids": deleted})
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "delete the whole subtree")
	return cmd
}

// --- relationships ---

func relationCmd() *cobra.Command {
	rel := &cobra.Command{
		Use:   "relation",
		Short: "Manage item relationships",
		Long:  "Typed edges between items. blocks/blocked_by are kept as a pair, and blocks/depends_on edges are rejected when they would close a cycle.",
	}
	rel.AddCommand(relationAddCmd())
	rel.AddCommand(relationRemoveCmd())
	rel.AddCommand(relationListCmd())
	return rel
}

func relationAddCmd() *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "add <source-id> <target-id>",
		Short: "Link two items",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rel, err := e.AddRelationship(ctx, args[0], args[1], relType)
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "relates_to", "relationship type")
	return cmd
}

func relationRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <relationship-id>",
		Short: "Remove a relationship and its inverse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RemoveRelationship(ctx, args[0])
			})
		},
	}
}

func relationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <item-id>",
		Short: "List relationships touching an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rels, err := e.ListRelationships(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rels)
			})
		},
	}
}

// --- modification gate ---

func suggestCmd() *cobra.Command {
	var title, desc string
	var points float64
	var acceptance, subtasks []string
	cmd := &cobra.Command{
		Use:   "suggest <item-id>",
		Short: "Run an AI suggestion through the modification gate",
		Long:  "Scores the suggestion against the target item. At or above the similarity threshold the item is blocked pending 'bl resolve'; below it the suggestion becomes a new sibling item.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				edit := domain.ProposedEdit{
					Title:              title,
					Description:        desc,
					AcceptanceCriteria: acceptance,
				}
				if cmd.Flags().Changed("points") {
					edit.StoryPoints = &points
				}
				for _, s := range subtasks {
					edit.SuggestedSubtasks = append(edit.SuggestedSubtasks, domain.SubtaskSuggestion{Title: s})
				}
				outcome, err := e.EvaluateSuggestion(ctx, args[0], edit)
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "suggested title")
	cmd.Flags().StringVar(&desc, "description", "", "suggested description")
	cmd.Flags().Float64Var(&points, "points", 0, "suggested story points")
	cmd.Flags().StringSliceVar(&acceptance, "ac", nil, "suggested acceptance criteria")
	cmd.Flags().StringSliceVar(&subtasks, "subtask", nil, "suggested subtask titles")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func resolveCmd() *cobra.Command {
	var approve, reject bool
	var reason string
	cmd := &cobra.Command{
		Use:   "resolve <item-id>",
		Short: "Approve or reject the pending modification on a blocked item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var r *string
				if reason != "" {
					r = &reason
				}
				result, err := e.ResolveModification(ctx, args[0], approve, viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "apply the suggested modification")
	cmd.Flags().BoolVar(&reject, "reject", false, "discard the suggested modification")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition log")
	return cmd
}

// --- jobs ---

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Asynchronous jobs",
		Long:  "Jobs run on an in-process worker pool and persist their state, so 'bl job status' works across invocations. Submitting waits for the result unless --no-wait is given.",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobStatusCmd())
	job.AddCommand(jobWaitCmd())
	job.AddCommand(jobResultCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobSweepCmd())
	return job
}

func jobSubmitCmd() *cobra.Command {
	var jobType, payloadJSON string
	var noWait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var payload any
				if payloadJSON != "" {
					if !json.Valid([]byte(payloadJSON)) {
						return fmt.Errorf("--payload is not valid JSON")
					}
					payload = json.RawMessage(payloadJSON)
				}
				orch := jobs.New(e.Repo, e.JobHandlers(), e.Config.Workers(), e.Config.QueueSize())
				defer orch.Stop()
				job, err := orch.Submit(ctx, jobType, payload)
				if err != nil {
					return err
				}
				if noWait {
					// The worker pool stops with this command; the row keeps
					// whatever status it last persisted.
					return printJSONOrTable(job)
				}
				done, err := jobs.Poll(ctx, orch, job.ID, e.Config.PollInterval(), e.Config.PollTimeout())
				if err != nil {
					return err
				}
				return printJSONOrTable(done)
			})
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type (generate_epic|activate_epic|suggest_modification)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return immediately after enqueueing")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var s *string
				if status != "" {
					s = &status
				}
				rows, err := r.ListJobs(ctx, s)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Progress", "Created"})
				for _, j := range rows {
					progress := ""
					if j.ProgressPercent != nil {
						progress = fmt.Sprintf("%d%%", *j.ProgressPercent)
					}
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, progress, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobWaitCmd() *cobra.Command {
	var interval, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it reaches a terminal state",
		Long:  "Polls the persisted job row, so it can watch jobs executed by a running 'bl serve' process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if interval == 0 {
					interval = e.Config.PollInterval()
				}
				if timeout == 0 {
					timeout = e.Config.PollTimeout()
				}
				job, err := jobs.Poll(ctx, jobGetter{e.Repo}, args[0], interval, timeout)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "poll timeout (defaults to config)")
	return cmd
}

type jobGetter struct {
	r repo.Repo
}

func (g jobGetter) Get(ctx context.Context, id string) (domain.Job, error) {
	return g.r.GetJob(ctx, id)
}

func jobResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print the result JSON of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				switch job.Status {
				case jobs.StatusCompleted:
					if job.ResultJSON != nil {
						fmt.Println(*job.ResultJSON)
					}
					return nil
				case jobs.StatusFailed:
					msg := "unknown error"
					if job.Error != nil {
						msg = *job.Error
					}
					return fmt.Errorf("job %s failed: %s", job.ID, msg)
				default:
					return fmt.Errorf("job %s is %s; result not ready", job.ID, job.Status)
				}
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ok, err := e.Repo.CancelJob(ctx, args[0], time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("job %s is not pending or running", args[0])
				}
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete terminal jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cutoff := time.Now().Add(-e.Config.Retention()).UTC().Format(time.RFC3339)
				n, err := e.Repo.DeleteTerminalJobsBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": n})
			})
		},
	}
}

// --- transition log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Status transition log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <item-id>",
		Short: "Show the latest transitions of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rows, err := r.ListTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if n > 0 && len(rows) > n {
					rows = rows[len(rows)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "From", "To", "Actor", "Reason"})
				for _, t := range rows {
					reason := ""
					if t.Reason != nil {
						reason = *t.Reason
					}
					tw.AppendRow(table.Row{t.TS, t.FromState, t.ToState, t.Actor, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default backline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if projectID == "" {
				projectID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id to seed")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				orch := jobs.New(e.Repo, e.JobHandlers(), e.Config.Workers(), e.Config.QueueSize())
				defer orch.Stop()
				handler, err := server.New(server.Config{Engine: e, Jobs: orch, BasePath: basePath})
				if err != nil {
					return err
				}
				// Sweep terminal jobs past retention once an hour.
				sweepCtx, stopSweep := context.WithCancel(ctx)
				defer stopSweep()
				go func() {
					ticker := time.NewTicker(time.Hour)
					defer ticker.Stop()
					for {
						select {
						case <-sweepCtx.Done():
							return
						case <-ticker.C:
							_, _ = orch.Sweep(sweepCtx, e.Config.Retention())
						}
					}
				}()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Backline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		projectID := viper.GetString("project")
		if projectID == "" {
			projectID = "default"
		}
		cfg = config.Default(projectID)
	}
	e := engine.New(conn, cfg)
	if cfg.AI.Model != "" {
		client, err := ai.NewClient(ai.ClientConfig{Model: cfg.AI.Model, MaxConcurrentCalls: cfg.MaxConcurrentCalls()})
		if err != nil {
			return err
		}
		e.Scorer = client
		e.Suggester = client
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func activeProject(e *engine.Engine) string {
	if p := viper.GetString("project"); p != "" {
		return p
	}
	return e.Config.Project.ID
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
