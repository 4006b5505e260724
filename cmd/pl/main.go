package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"patchline/internal/audit"
	"patchline/internal/collab"
	"patchline/internal/config"
	"patchline/internal/db"
	"patchline/internal/delivery"
	"patchline/internal/domain"
	"patchline/internal/memory"
	"patchline/internal/policy"
	"patchline/internal/runstore"
	"patchline/internal/server"
	"patchline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Patchline CLI",
	Long: `Patchline drives a work item through propose, verify, deliver with bounded
retries, policy gating, and a tamper-evident audit record. Each run leaves a
directory with the evidence, decision log, and hash-chained audit events that
justify the outcome.`,
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
	viper.SetEnvPrefix("PATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default patchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var repoPath, patchFile string
	cmd := &cobra.Command{
		Use:   "run [task description]",
		Short: "Drive a work item through the workflow",
		Long: `Runs one work item end to end. The patch comes from --patch; the engine
contributes intake, policy gating, security scanning, verification, and the
audit record.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			return withEngine(cmd.Context(), patchFile, func(ctx context.Context, eng workflow.Engine) error {
				item := eng.NewWorkItem(repoPath, task)
				done, err := eng.Run(ctx, item)
				if err != nil {
					return err
				}
				return printRunOutcome(done.WorkItemID, string(done.Status), done.BlockedReason, done.BlockedNeeds)
			})
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", ".", "target repository path")
	cmd.Flags().StringVar(&patchFile, "patch", "", "unified diff file to apply")
	return cmd
}

func resumeCmd() *cobra.Command {
	resume := &cobra.Command{Use: "resume", Short: "Resume a paused run"}

	var answer string
	info := &cobra.Command{
		Use:   "provide-info <work-item-id>",
		Short: "Answer clarification questions and resume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if answer == "" {
				return fmt.Errorf("--answer is required")
			}
			return withEngine(cmd.Context(), "", func(ctx context.Context, eng workflow.Engine) error {
				done, err := eng.ProvideInfo(ctx, args[0], answer)
				if err != nil {
					return err
				}
				return printRunOutcome(done.WorkItemID, string(done.Status), done.BlockedReason, done.BlockedNeeds)
			})
		},
	}
	info.Flags().StringVar(&answer, "answer", "", "answer to the clarification questions")

	var reason string
	var reject bool
	approve := &cobra.Command{
		Use:   "approve <work-item-id>",
		Short: "Approve or reject a blocked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), "", func(ctx context.Context, eng workflow.Engine) error {
				done, err := eng.Approve(ctx, args[0], !reject, reason)
				if err != nil {
					return err
				}
				return printRunOutcome(done.WorkItemID, string(done.Status), done.BlockedReason, done.BlockedNeeds)
			})
		},
	}
	approve.Flags().StringVar(&reason, "reason", "", "approval or rejection reason")
	approve.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")

	resume.AddCommand(info)
	resume.AddCommand(approve)
	return resume
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Inspect audit chains"}

	verify := &cobra.Command{
		Use:   "verify <work-item-id>",
		Short: "Verify the hash chain of a run's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := findRunDir(args[0])
			if err != nil {
				return err
			}
			ok, err := audit.Verify(runDir)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("FAILED: audit chain does not verify")
				os.Exit(1)
			}
			fmt.Println("OK: audit chain verified")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <work-item-id>",
		Short: "List the audit events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := findRunDir(args[0])
			if err != nil {
				return err
			}
			events, err := audit.ReadAll(runDir)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Timestamp", "Event", "Actor", "Hash"})
			for _, e := range events {
				tw.AppendRow(table.Row{e.Timestamp, e.EventType, e.Actor, e.EventHash[:12]})
			}
			tw.Render()
			return nil
		},
	}

	auditRoot.AddCommand(verify)
	auditRoot.AddCommand(list)
	return auditRoot
}

func memoryCmd() *cobra.Command {
	mem := &cobra.Command{Use: "memory", Short: "Query run memory"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate run statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store memory.Store) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}

	var similarRepo string
	similar := &cobra.Command{
		Use:   "similar <title>",
		Short: "Find past delivered runs with similar titles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			return withStore(cmd.Context(), func(ctx context.Context, store memory.Store) error {
				matches, err := store.FindSimilarTasks(ctx, similarRepo, title)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(matches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work Item", "Score", "Title", "Status"})
				for _, m := range matches {
					tw.AppendRow(table.Row{m.WorkItemID, fmt.Sprintf("%.2f", m.SimilarityScore), m.TicketTitle, m.FinalStatus})
				}
				tw.Render()
				return nil
			})
		},
	}

	var repoName, status, failureMode string
	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List stored run summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store memory.Store) error {
				items, err := store.QueryRuns(ctx, memory.Filter{
					Repo:        repoName,
					Status:      status,
					FailureMode: failureMode,
				}, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work Item", "Repo", "Title", "Status", "Attempts", "Failure Mode", "Completed"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.WorkItemID, r.RepoName, r.TicketTitle, r.FinalStatus, r.ImplementAttempts, r.FailureMode, r.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	similar.Flags().StringVar(&similarRepo, "repo", "", "limit matches to one repo")

	runs.Flags().StringVar(&repoName, "repo", "", "filter by repo name")
	runs.Flags().StringVar(&status, "status", "", "filter by final status")
	runs.Flags().StringVar(&failureMode, "failure-mode", "", "filter by failure mode")
	runs.Flags().IntVar(&limit, "limit", 20, "max rows")

	mem.AddCommand(stats)
	mem.AddCommand(similar)
	mem.AddCommand(runs)
	return mem
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Work with policy rules"}

	var patchFile, version string
	check := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a patch against the policy rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if version == "" {
				version = cfg.Policy.Version
			}
			var patch string
			if patchFile != "" {
				data, err := os.ReadFile(patchFile)
				if err != nil {
					return err
				}
				patch = string(data)
			}
			eval, err := policy.NewEvaluator(cfg.Policy.Dir, version)
			if err != nil {
				return err
			}
			result, err := eval.Evaluate(nil, patch, domain.WorkItem{Status: domain.StatusPolicyCheck})
			if err != nil {
				return err
			}
			if err := printJSONOrTable(result); err != nil {
				return err
			}
			if !result.Passed {
				os.Exit(1)
			}
			return nil
		},
	}
	check.Flags().StringVar(&patchFile, "patch", "", "unified diff file to evaluate")
	check.Flags().StringVar(&version, "version", "", "policy version (default from config)")

	pol.AddCommand(check)
	return pol
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()

			secret := cfg.Server.JWTSecret
			if env := os.Getenv("PATCHLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("a JWT secret is required: set server.jwt_secret or PATCHLINE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Memory:   memory.Store{DB: conn},
				RunsDir:  runsDir(cfg),
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			fmt.Println("listening on", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, patchFile string, fn func(context.Context, workflow.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	cfg.Workflow.RunsDir = runsDir(cfg)
	if !filepath.IsAbs(cfg.Policy.Dir) {
		cfg.Policy.Dir = filepath.Join(workspace, cfg.Policy.Dir)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	eval, err := policy.NewEvaluator(cfg.Policy.Dir, cfg.Policy.Version)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()

	eng := workflow.Engine{
		Intake:    collab.StaticIntake{},
		Planner:   collab.StaticPlanner{},
		Generator: collab.FilePatchGenerator{Path: patchFile},
		Reviewer:  collab.NoopReviewer{},
		Help:      collab.StaticHelpProvider{},
		Runner:    collab.CommandRunner{},
		Patcher:   collab.GitPatcher{},
		Deliverer: delivery.LocalPatch{},
		Policy:    eval,
		Memory:    memory.Store{DB: conn},
		Audit:     audit.Log{},
		Config:    cfg,
		Log:       logger,
	}
	return fn(ctx, eng)
}

func withStore(ctx context.Context, fn func(context.Context, memory.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, memory.Store{DB: conn})
}

func findRunDir(workItemID string) (string, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return "", err
	}
	return runstore.FindRunDir(runsDir(cfg), workItemID)
}

func runsDir(cfg *config.Config) string {
	dir := cfg.Workflow.RunsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(viper.GetString("workspace"), dir)
	}
	return dir
}

func printRunOutcome(id, status, reason string, needs []string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"work_item_id":   id,
			"status":         status,
			"blocked_reason": reason,
			"blocked_needs":  needs,
		})
	}
	fmt.Printf("work item %s finished: %s\n", id, status)
	if reason != "" {
		fmt.Println("reason:", reason)
	}
	for _, n := range needs {
		fmt.Println("  needs:", n)
	}
	return nil
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
