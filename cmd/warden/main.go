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

	"warden/internal/app"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/pipeline"
	"warden/internal/server"
	"warden/internal/store"
	wardensdk "warden/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden CLI",
	Long: `Warden governs what autonomous sprites are allowed to do.
Core concepts:
- Intent: a declared unit of work (what, why, expected blast radius) that must pass the gate before execution.
- Gate: ordered policy rules evaluated top to bottom; the first match approves or rejects, otherwise a human decides.
- Lifecycle: awaiting_approval -> approved -> running -> completed/failed, with blocked and waiting_for_input detours.
- Artifacts: issues, PRs, branches, and commits correlated back to the intent and run that produced them.
- Repo profiles: per-repository policy (risk zones, auto-approve paths, test commands) consulted on every decision.
- Remediation: approved health_detect intents automatically spawn health_remediate proposals, closing the loop.
- Event log: append-only diary of every mutation, view with 'warden log tail'.`,
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
	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(remediationCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func intentCmd() *cobra.Command {
	intent := &cobra.Command{
		Use:   "intent",
		Short: "Manage intents",
		Long:  "Intents declare work before it happens. Propose one, let the gate or a human decide, report results when done.",
	}
	intent.AddCommand(intentProposeCmd())
	intent.AddCommand(intentListCmd())
	intent.AddCommand(intentShowCmd())
	intent.AddCommand(intentApproveCmd())
	intent.AddCommand(intentRejectCmd())
	intent.AddCommand(intentCancelCmd())
	intent.AddCommand(intentStartCmd())
	intent.AddCommand(intentResultCmd())
	intent.AddCommand(intentHistoryCmd())
	intent.AddCommand(intentPlanCmd())
	return intent
}

func intentProposeCmd() *cobra.Command {
	var opts pipeline.ProposeOptions
	var payloadJSON, planJSON, sourceType, sourceID string
	var resources, sideEffects []string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &opts.Payload); err != nil {
					return fmt.Errorf("invalid --payload-json: %w", err)
				}
			}
			if planJSON != "" {
				if err := json.Unmarshal([]byte(planJSON), &opts.Plan); err != nil {
					return fmt.Errorf("invalid --plan-json: %w", err)
				}
			}
			if sourceID == "" {
				sourceID = viper.GetString("actor-id")
			}
			opts.Source = domain.Source{Type: sourceType, ID: sourceID}
			opts.AffectedResources = resources
			opts.ExpectedSideEffects = sideEffects
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.Propose(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "intent id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "action", "intent kind")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "summary")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON")
	cmd.Flags().StringArrayVar(&resources, "resource", []string{}, "affected resource (repeatable)")
	cmd.Flags().StringArrayVar(&sideEffects, "side-effect", []string{}, "expected side effect (repeatable)")
	cmd.Flags().StringVar(&opts.RollbackStrategy, "rollback", "", "rollback strategy")
	cmd.Flags().StringVar(&planJSON, "plan-json", "", "plan steps JSON")
	cmd.Flags().StringVar(&sourceType, "source-type", "operator", "source type (sprite, operator, system)")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "source id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func intentListCmd() *cobra.Command {
	var f store.Filters
	var sprite string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Intent
				var err error
				if sprite != "" {
					items, err = a.Store.ListBySource(ctx, sprite)
				} else {
					items, err = a.Store.List(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Class", "Summary", "Source"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Kind, in.State, in.Classification, in.Summary, in.Source.Type + "/" + in.Source.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.SourceType, "source-type", "", "source type filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "inserted at or after (RFC3339)")
	cmd.Flags().StringVar(&f.Until, "until", "", "inserted at or before (RFC3339)")
	cmd.Flags().StringVar(&sprite, "sprite", "", "list intents attributed to a sprite")
	return cmd
}

func intentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func intentApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func intentRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func intentCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func intentStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Mark approved intent as running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.Start(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func intentResultCmd() *cobra.Command {
	var opts pipeline.ResultOptions
	var artifactsJSON string
	cmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Report execution result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifactsJSON != "" {
				if err := json.Unmarshal([]byte(artifactsJSON), &opts.Artifacts); err != nil {
					return fmt.Errorf("invalid --artifacts-json: %w", err)
				}
			}
			opts.Actor = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Pipeline.ReportResult(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.State, "state", "", "result state (running, completed, failed, blocked, waiting_for_input)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "result reason")
	cmd.Flags().StringVar(&opts.BlockedReason, "blocked-reason", "", "why execution is blocked")
	cmd.Flags().StringVar(&opts.PendingQuestion, "question", "", "question for the operator")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "execution run id")
	cmd.Flags().StringVar(&artifactsJSON, "artifacts-json", "", "produced artifacts JSON")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func intentHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show intent transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Actor", "Reason", "At"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.From, t.To, t.Actor, t.Reason, t.At})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func intentPlanCmd() *cobra.Command {
	var status, output string
	cmd := &cobra.Command{
		Use:   "plan <intent-id> <step-id>",
		Short: "Update a plan step status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in, err := a.Store.UpdatePlanStep(ctx, args[0], args[1], status, output)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "step status (pending, running, done, failed, skipped)")
	cmd.Flags().StringVar(&output, "output", "", "step output")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func artifactCmd() *cobra.Command {
	artifact := &cobra.Command{
		Use:   "artifact",
		Short: "Manage artifact links",
		Long:  "Artifact links correlate issues, PRs, branches, and commits back to the intent and run that produced them.",
	}
	artifact.AddCommand(artifactRegisterCmd())
	artifact.AddCommand(artifactListCmd())
	return artifact
}

func artifactRegisterCmd() *cobra.Command {
	var link domain.ArtifactLink
	var runID string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an artifact link",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID != "" {
				link.RunID = &runID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Registry.Register(ctx, link)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&link.IntentID, "intent", "", "intent id")
	cmd.Flags().StringVar(&runID, "run-id", "", "execution run id")
	cmd.Flags().StringVar(&link.Kind, "kind", "", "artifact kind (issue, pull_request, branch, commit)")
	cmd.Flags().StringVar(&link.Ref, "ref", "", "artifact reference")
	cmd.Flags().StringVar(&link.URL, "url", "", "artifact URL")
	cmd.Flags().StringVar(&link.Role, "role", "", "artifact role (governance, output, input, related)")
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var intentID, kind, ref, runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifact links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.ArtifactLink
				var err error
				switch {
				case intentID != "":
					items, err = a.Registry.LookupByIntent(ctx, intentID)
				case runID != "":
					items, err = a.Registry.LookupByRun(ctx, runID)
				case kind != "" && ref != "":
					items, err = a.Registry.LookupByRef(ctx, kind, ref)
				case kind != "" || ref != "":
					return fmt.Errorf("--kind and --ref must be given together")
				default:
					items, err = a.Registry.All(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Run", "Kind", "Ref", "Role"})
				for _, l := range items {
					run := ""
					if l.RunID != nil {
						run = *l.RunID
					}
					tw.AppendRow(table.Row{l.ID, l.IntentID, run, l.Kind, l.Ref, l.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&intentID, "intent", "", "filter by intent id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (with --ref)")
	cmd.Flags().StringVar(&ref, "ref", "", "filter by ref (with --kind)")
	cmd.Flags().StringVar(&runID, "run-id", "", "filter by run id")
	return cmd
}

func profileCmd() *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Manage repo profiles",
		Long:  "Repo profiles hold per-repository policy: risk zones, auto-approve paths, test commands, branch conventions.",
	}
	profile.AddCommand(profileSetCmd())
	profile.AddCommand(profileShowCmd())
	profile.AddCommand(profileListCmd())
	return profile
}

func profileSetCmd() *cobra.Command {
	var p domain.RepoProfile
	var settingsJSON string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a repo profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settingsJSON != "" {
				if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
					return fmt.Errorf("invalid --settings-json: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Store.PutRepoProfile(ctx, p, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&p.Repo, "repo", "", "repository (owner/name)")
	cmd.Flags().StringArrayVar(&p.TestCommands, "test-command", []string{}, "test command (repeatable)")
	cmd.Flags().StringVar(&p.BranchConvention, "branch-convention", "", "branch naming convention")
	cmd.Flags().StringArrayVar(&p.CIChecks, "ci-check", []string{}, "required CI check (repeatable)")
	cmd.Flags().StringArrayVar(&p.RiskZones, "risk-zone", []string{}, "risk zone path (repeatable)")
	cmd.Flags().StringArrayVar(&p.DocPaths, "doc-path", []string{}, "documentation path (repeatable)")
	cmd.Flags().StringArrayVar(&p.AutoApprovePaths, "auto-approve-path", []string{}, "auto-approve path (repeatable)")
	cmd.Flags().StringVar(&settingsJSON, "settings-json", "", "extra settings JSON")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func profileShowCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a repo profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Store.GetRepoProfile(ctx, repo)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository (owner/name)")
	return cmd
}

func profileListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repo profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListRepoProfiles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func summaryCmd() *cobra.Command {
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Intent analytics",
	}
	summary.AddCommand(summaryReposCmd())
	summary.AddCommand(summarySpriteCmd())
	return summary
}

func summaryReposCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Per-repo intent summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if repo != "" {
					s, err := a.Analytics.RepoSummary(ctx, repo)
					if err != nil {
						return err
					}
					return printJSONOrTable(s)
				}
				items, err := a.Analytics.AllRepoSummaries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Repo", "Total", "Completed", "Failed", "Success"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Repo, s.Total, s.Completed, s.Failed, fmt.Sprintf("%.1f%%", s.SuccessRate*100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "single repository (owner/name)")
	return cmd
}

func summarySpriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprite <sprite>",
		Short: "Per-sprite intent summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Analytics.SpriteSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func remediationCmd() *cobra.Command {
	rem := &cobra.Command{
		Use:   "remediation",
		Short: "Remediation controller",
	}
	rem.AddCommand(remediationHistoryCmd())
	return rem
}

// The remediation log lives in the serving process, so this command goes
// through the HTTP API rather than the local database.
func remediationHistoryCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show remediation decisions from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := wardensdk.New(serverURL)
			client.BearerToken = token
			items, err := client.Remediations(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Detect", "Remediate", "Severity", "Auto", "At"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.DetectIntentID, e.RemediateIntentID, e.Severity, e.AutoApproved, e.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (warden.yml): gate rules, remediation automation, and the kind-to-classification map.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default warden.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
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
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: proposals, transitions, artifact registrations, profile updates.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, intentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.LatestEvents(ctx, n, evtType, intentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&intentID, "intent", "", "intent id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("WARDEN_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("WARDEN_JWT_SECRET is required for bearer auth")
			}

			ctrl := a.Remediator()
			msgs := a.Bus.Subscribe(events.TopicIntents, 256)
			go ctrl.Run(cmd.Context(), msgs)

			handler, err := server.New(server.Config{App: a, Remediator: ctrl, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Warden API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
