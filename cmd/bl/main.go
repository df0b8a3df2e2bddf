package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"buildline/internal/app"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/server"
	"buildline/internal/snapshot"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline turns a project's component graph into a phased build plan and
drives its execution step by step.
Core concepts:
- Workspace: your .buildline directory holding the database; configs are stored in the DB and imported explicitly.
- Project: owns the component graph, the plan, and the event log.
- Components: named units of work with depends_on edges; the graph is layered into phases so every dependency lands in an earlier phase.
- Plan: one per project; statuses planning -> in_progress -> paused -> completed (failed when blocked by failures).
- Session: each plan carries a session id; next/approve/reject/pause/resume/rollback address the plan through it.
- Next step: report the last task's outcome and fetch the next runnable task in one call; calling again without a report returns the same task.
- Checkpoints: phases can require approval before the next phase starts; reject undoes the most recently completed task of the phase.
- Rollback: snapshot files before a task touches them, then 'bl plan rollback' restores them and marks the task rolled_back.
- Event log: diary of plan activity, view with 'bl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
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
	rootCmd.AddCommand(componentCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, kind, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			now := time.Now().UTC().Format(time.RFC3339)
			if kind == "" {
				kind = "software-project"
			}
			p := domain.Project{ID: id, Kind: kind, Status: "active", Description: desc, CreatedAt: now}
			if err := r.InsertProject(cmd.Context(), p); err != nil {
				return err
			}
			if err := r.UpsertProjectConfig(cmd.Context(), id, config.Default(id)); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&kind, "kind", "", "project kind")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "BUILDLINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set BUILDLINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func componentCmd() *cobra.Command {
	comp := &cobra.Command{
		Use:   "component",
		Short: "Manage the component graph",
		Long:  "Components are the nodes of the architecture graph. Each names what it depends on; the plan command layers them into phases.",
	}
	comp.AddCommand(componentAddCmd())
	comp.AddCommand(componentListCmd())
	comp.AddCommand(componentShowCmd())
	comp.AddCommand(componentRemoveCmd())
	comp.AddCommand(componentImportCmd())
	return comp
}

func componentAddCmd() *cobra.Command {
	var name, desc string
	var dependsOn, files []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a component",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				c := domain.Component{
					ProjectID:   e.Config.Project.ID,
					Name:        name,
					Description: desc,
					DependsOn:   dependsOn,
					Files:       files,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if existing, err := e.Repo.GetComponent(ctx, c.ProjectID, c.Name); err == nil {
					c.CreatedAt = existing.CreatedAt
				}
				if err := e.Repo.UpsertComponent(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "component name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency component name (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", []string{}, "file owned by the component (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func componentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List components",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListComponents(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Depends On", "Files", "Description"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Name, strings.Join(c.DependsOn, ", "), len(c.Files), c.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func componentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetComponent(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func componentRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteComponent(ctx, e.Config.Project.ID, args[0])
			})
		},
	}
	return cmd
}

type componentManifest struct {
	Components []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		DependsOn   []string `yaml:"depends_on"`
		Files       []string `yaml:"files"`
	} `yaml:"components"`
}

func componentImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import components from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var manifest componentManifest
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if len(manifest.Components) == 0 {
				return fmt.Errorf("manifest has no components")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				for _, mc := range manifest.Components {
					if strings.TrimSpace(mc.Name) == "" {
						return fmt.Errorf("manifest component missing name")
					}
					c := domain.Component{
						ProjectID:   e.Config.Project.ID,
						Name:        mc.Name,
						Description: mc.Description,
						DependsOn:   mc.DependsOn,
						Files:       mc.Files,
						CreatedAt:   now,
						UpdatedAt:   now,
					}
					if existing, err := e.Repo.GetComponent(ctx, c.ProjectID, c.Name); err == nil {
						c.CreatedAt = existing.CreatedAt
					}
					if err := e.Repo.UpsertComponent(ctx, c); err != nil {
						return fmt.Errorf("component %s: %w", c.Name, err)
					}
				}
				fmt.Printf("Imported %d components\n", len(manifest.Components))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Derive and drive the build plan",
		Long:  "The plan is the phased execution of the component graph. Create it, pull tasks with next, and gate phases with approve/reject.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planNextCmd())
	plan.AddCommand(planApproveCmd())
	plan.AddCommand(planRejectCmd())
	plan.AddCommand(planPauseCmd())
	plan.AddCommand(planResumeCmd())
	plan.AddCommand(planSnapshotCmd())
	plan.AddCommand(planRollbackCmd())
	plan.AddCommand(planRiskCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Derive a build plan from the component graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.CreatePlan(ctx, e.Config.Project.ID, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				fmt.Printf("Plan %s created (session %s)\n", plan.ID, plan.SessionID)
				printPhaseTable(plan)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "plan description")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.Repo.GetPlanByProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				fmt.Printf("Plan %s  status=%s  phase=%d/%d  session=%s\n",
					plan.ID, plan.Status, plan.CurrentPhase+1, len(plan.Phases), plan.SessionID)
				printPhaseTable(plan)
				return nil
			})
		},
	}
	return cmd
}

func planNextCmd() *cobra.Command {
	var sessionID, lastTask, outcome, taskErr string
	var changes []string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Report the last task and fetch the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sid, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				fileChanges, err := parseChanges(changes)
				if err != nil {
					return err
				}
				res, err := e.NextStep(ctx, engine.NextStepOptions{
					SessionID:   sid,
					LastTaskID:  lastTask,
					Outcome:     outcome,
					Error:       taskErr,
					FileChanges: fileChanges,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"task":              res.Task,
						"done":              res.Done,
						"awaiting_approval": res.AwaitingApproval,
						"blocked":           res.Blocked,
						"message":           res.Message,
						"plan_status":       res.Plan.Status,
					})
				}
				switch {
				case res.Task != nil:
					fmt.Printf("Next task: %s  %s (component %s)\n", res.Task.ID, res.Task.Name, res.Task.Component)
				case res.Done:
					fmt.Println("Plan complete.")
				case res.AwaitingApproval:
					fmt.Printf("Awaiting approval: %s\n", res.Message)
				default:
					fmt.Println(res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	cmd.Flags().StringVar(&lastTask, "last-task", "", "id of the task being reported")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome of the reported task (completed or failed)")
	cmd.Flags().StringVar(&taskErr, "error", "", "error message for a failed task")
	cmd.Flags().StringArrayVar(&changes, "change", []string{}, "file change as action:path (repeatable)")
	return cmd
}

func planApproveCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a paused plan",
		RunE: sessionActionRunE(&sessionID, func(ctx context.Context, e engine.Engine, sid string) (domain.BuildPlan, error) {
			return e.Approve(ctx, sid, viper.GetString("actor-id"))
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	return cmd
}

func planRejectCmd() *cobra.Command {
	var sessionID, reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject the most recently completed task",
		RunE: sessionActionRunE(&sessionID, func(ctx context.Context, e engine.Engine, sid string) (domain.BuildPlan, error) {
			return e.Reject(ctx, sid, reason, viper.GetString("actor-id"))
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the step is rejected")
	return cmd
}

func planPauseCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause an active plan",
		RunE: sessionActionRunE(&sessionID, func(ctx context.Context, e engine.Engine, sid string) (domain.BuildPlan, error) {
			return e.Pause(ctx, sid, viper.GetString("actor-id"))
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	return cmd
}

func planResumeCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused plan",
		RunE: sessionActionRunE(&sessionID, func(ctx context.Context, e engine.Engine, sid string) (domain.BuildPlan, error) {
			return e.Resume(ctx, sid, viper.GetString("actor-id"))
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	return cmd
}

func planSnapshotCmd() *cobra.Command {
	var sessionID, taskID string
	var changes []string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot files before the in-progress task changes them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sid, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				fileChanges, err := parseChanges(changes)
				if err != nil {
					return err
				}
				if len(fileChanges) == 0 {
					return fmt.Errorf("--change required")
				}
				snapChanges := make([]snapshot.Change, 0, len(fileChanges))
				for _, fc := range fileChanges {
					snapChanges = append(snapChanges, snapshot.Change{Path: fc.Path, Action: fc.Action})
				}
				dir, err := e.PrepareRollback(ctx, sid, taskID, snapChanges)
				if err != nil {
					return err
				}
				fmt.Printf("Snapshot recorded at %s\n", dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringArrayVar(&changes, "change", []string{}, "file change as action:path (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func planRollbackCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent snapshot and mark its task rolled_back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sid, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				res, err := e.RollbackLastStep(ctx, sid, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Rolled back task %s; restored %d files\n", res.TaskID, len(res.Restored.Restored))
				for _, p := range res.Restored.PendingRemoval {
					fmt.Printf("  created file left in place, remove manually: %s\n", p)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	return cmd
}

func planRiskCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Risk report for the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sid, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				report, err := e.Risk(ctx, sid)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the project's plan session)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config helpers"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the workspace YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace YAML config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "See the scoreboard for your project: plan status, current phase, and task counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id": p.ID,
					"status":     p.Status,
				}
				plan, err := e.Repo.GetPlanByProject(ctx, projectID)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				hasPlan := err == nil
				if hasPlan {
					out["plan_status"] = plan.Status
					out["session_id"] = plan.SessionID
					out["current_phase"] = plan.CurrentPhase
					out["task_counts"] = plan.CountTasksByStatus()
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				if !hasPlan {
					fmt.Println("Plan: none")
					return nil
				}
				fmt.Printf("Plan: %s  phase %d/%d  session %s\n", plan.Status, plan.CurrentPhase+1, len(plan.Phases), plan.SessionID)
				fmt.Println("Tasks:")
				for status, c := range plan.CountTasksByStatus() {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func logCmd() *cobra.Command {
	logC := &cobra.Command{Use: "log", Short: "Event log"}
	logC.AddCommand(logTailCmd())
	return logC
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				rawKey, key := repo.NewAPIKey(actorID, name)
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, workspace)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BUILDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BUILDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Buildline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, workspace)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func sessionActionRunE(sessionID *string, action func(context.Context, engine.Engine, string) (domain.BuildPlan, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			sid, err := resolveSession(ctx, e, *sessionID)
			if err != nil {
				return err
			}
			plan, err := action(ctx, e, sid)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(plan)
			}
			fmt.Printf("Plan %s  status=%s  phase=%d/%d\n", plan.ID, plan.Status, plan.CurrentPhase+1, len(plan.Phases))
			return nil
		})
	}
}

func resolveSession(ctx context.Context, e engine.Engine, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) != "" {
		return sessionID, nil
	}
	plan, err := e.Repo.GetPlanByProject(ctx, e.Config.Project.ID)
	if err != nil {
		return "", fmt.Errorf("no plan for project %s; create one or pass --session", e.Config.Project.ID)
	}
	return plan.SessionID, nil
}

func parseChanges(in []string) ([]domain.FileChange, error) {
	var res []domain.FileChange
	for _, raw := range in {
		action, path, ok := strings.Cut(raw, ":")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid change %q, expected action:path", raw)
		}
		switch action {
		case "created", "modified", "deleted":
		default:
			return nil, fmt.Errorf("invalid change action %q", action)
		}
		res = append(res, domain.FileChange{Path: path, Action: action})
	}
	return res, nil
}

func printPhaseTable(plan domain.BuildPlan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Phase", "Status", "Checkpoint", "Task", "Task Status", "Component"})
	for _, phase := range plan.Phases {
		for _, t := range phase.Tasks {
			tw.AppendRow(table.Row{phase.Name, phase.Status, phase.Checkpoint, t.ID, t.Status, t.Component})
		}
	}
	tw.Render()
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
