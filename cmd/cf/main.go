package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/app"
	"caseflow/internal/classify"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow runs operational journeys (content production, sales, attendance) for many tenants.
Core concepts:
- Tenant: an isolated account with its own journeys, roles, cases and audit trail. Config lives in the DB.
- Journey: an ordered set of states a case moves through, with actions bound to transitions.
- Case: one item in a journey. Moves are optimistic: you say which state you saw and where it goes.
- Pendency: a question that must be resolved; required ones block closing states until a human approves.
- Attendance day: a case in the presence journey whose state is derived from the punches it receives.
- Outbox: customer messages wait for human approval before the dispatcher delivers them.
- Timeline: append-only history of every case; 'cf case timeline' shows it.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-type", domain.ActorHuman, "actor type (human, system, ai)")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (defaults to the only tenant)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-type", rootCmd.PersistentFlags().Lookup("actor-type"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(journeyCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(pendencyCmd())
	rootCmd.AddCommand(punchCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(dbCmd())
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Inspect the workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the database path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			current, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"path":           db.Path(workspace),
				"schema_version": current,
				"latest_version": latest,
				"pending":        current < latest,
			})
		},
	})
	return d
}

// --- tenant ---

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantInitCmd())
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantConfigCmd())
	return t
}

func tenantInitCmd() *cobra.Command {
	var id, filePath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tenant with the default (or given) config; the current actor becomes owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			cfg := config.Default(id)
			if filePath != "" {
				loaded, err := config.FromFile(filePath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.CreateTenant(ctx, r, id, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				t, err := r.GetTenant(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&filePath, "config", "", "YAML config to seed instead of the default")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show tenant config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				c, err := e.TenantConfig(ctx, a.TenantID)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("tenant")
			if id == "" {
				id = "my-tenant"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	})
	cfg.AddCommand(tenantConfigImportCmd())
	return cfg
}

func tenantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tenant config from YAML into the DB (tenant.admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if err := requireAdmin(ctx, e, a); err != nil {
					return err
				}
				if err := e.Repo.UpsertTenantConfig(ctx, nil, a.TenantID, cfg); err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default <workspace>/caseflow.yml)")
	return cmd
}

// --- journeys and cases ---

func journeyCmd() *cobra.Command {
	j := &cobra.Command{Use: "journey", Short: "Inspect journeys"}
	j.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				items, err := e.Journeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Key", "Name", "Kind", "States", "Closing")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Key, it.Name, it.Kind, strings.Join(it.States, " > "), strings.Join(it.ClosingStates, ",")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	j.AddCommand(&cobra.Command{
		Use:   "board <journey>",
		Short: "Show cases grouped by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				board, err := e.Board(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				tw := newTable("State", "Cases")
				for _, col := range board.Columns {
					tw.AppendRow(table.Row{col.State, len(col.Cases)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return j
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseGetCmd())
	c.AddCommand(caseMoveCmd())
	c.AddCommand(caseArchiveCmd())
	c.AddCommand(caseTimelineCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var in engine.CaseInput
	var metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &in.Metadata); err != nil {
					return fmt.Errorf("--metadata must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				res, err := e.CreateCase(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.JourneyKey, "journey", "", "journey key")
	cmd.Flags().StringVar(&in.State, "state", "", "initial state (defaults to the first)")
	cmd.Flags().StringVar(&in.OwnerRef, "owner", "", "owner reference")
	cmd.Flags().StringVar(&in.SubjectRef, "subject", "", "subject reference")
	cmd.Flags().StringVar(&in.ExternalKey, "external-key", "", "external key")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("journey")
	return cmd
}

func caseListCmd() *cobra.Command {
	var q engine.CaseQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				page, err := e.ListCases(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Journey", "State", "Status", "Subject", "Updated")
				for _, c := range page.Cases {
					tw.AppendRow(table.Row{c.ID, c.JourneyKey, c.State, c.Status, c.SubjectRef, c.UpdatedAt})
				}
				fmt.Println(tw.Render())
				if page.NextCursor != "" {
					fmt.Printf("next: --cursor '%s'\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.JourneyKey, "journey", "", "journey filter")
	cmd.Flags().StringVar(&q.State, "state", "", "state filter")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter (open, confirmed, closed)")
	cmd.Flags().StringVar(&q.SubjectRef, "subject", "", "subject filter")
	cmd.Flags().BoolVar(&q.IncludeArchived, "archived", false, "include archived cases")
	cmd.Flags().IntVar(&q.Page.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&q.Page.Cursor, "cursor", "", "page cursor")
	return cmd
}

func caseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				c, err := e.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseMoveCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a case from the state you saw to another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				res, err := e.TransitionCase(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (event %d)\n", res.Case.ID, res.From, res.To, res.EventID)
				for _, o := range res.Outcomes {
					fmt.Printf("  action %d %s: %s %s\n", o.Index, o.Kind, o.Status, o.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "state you last observed")
	cmd.Flags().StringVar(&to, "to", "", "target state")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func caseArchiveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a case (history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				c, err := e.ArchiveCase(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "archive reason")
	return cmd
}

func caseTimelineCmd() *cobra.Command {
	var public, decisions bool
	var page engine.Page
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show a case timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if decisions {
					res, err := e.Decisions(ctx, args[0], page)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				read := e.Timeline
				if public {
					read = e.PublicTimeline
				}
				res, err := read(ctx, args[0], page)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable("ID", "When", "Type", "Actor", "Message")
				for _, evt := range res.Events {
					tw.AppendRow(table.Row{evt.ID, evt.OccurredAt, evt.Type, evt.ActorType + ":" + evt.ActorRef, evt.Message})
				}
				fmt.Println(tw.Render())
				if res.NextCursor != "" {
					fmt.Printf("next: --cursor '%s'\n", res.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "customer-facing events only")
	cmd.Flags().BoolVar(&decisions, "decisions", false, "show decision logs instead of events")
	cmd.Flags().IntVar(&page.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "page cursor")
	return cmd
}

// --- pendencies ---

func pendencyCmd() *cobra.Command {
	p := &cobra.Command{Use: "pendency", Short: "Manage pendencies"}
	p.AddCommand(pendencyListCmd())
	p.AddCommand(pendencyCreateCmd())
	p.AddCommand(pendencyAnswerCmd())
	p.AddCommand(pendencyResolveCmd("approve", "Approve an answered pendency (human only)"))
	p.AddCommand(pendencyResolveCmd("dismiss", "Dismiss a pendency (human only)"))
	return p
}

func pendencyListCmd() *cobra.Command {
	var status string
	var blocking bool
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List a case's pendencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				var items []domain.Pendency
				var err error
				if blocking {
					items, err = e.ListOpenRequired(ctx, args[0])
				} else {
					items, err = e.ListPendencies(ctx, args[0], status)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Status", "Required", "Question")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.Status, p.Required, p.QuestionText})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "only required pendencies blocking closure")
	return cmd
}

func pendencyCreateCmd() *cobra.Command {
	var in engine.PendencyInput
	cmd := &cobra.Command{
		Use:   "create <case-id>",
		Short: "Open a pendency on a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.CaseID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				p, err := e.CreatePendency(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Type, "type", "", "pendency type")
	cmd.Flags().StringVar(&in.AssignedRole, "role", "", "assigned role")
	cmd.Flags().StringVar(&in.Question, "question", "", "question text")
	cmd.Flags().BoolVar(&in.Required, "required", false, "block closing states until resolved")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func pendencyAnswerCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "answer <id>",
		Short: "Answer a pendency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				p, err := e.AnswerPendency(ctx, args[0], text)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func pendencyResolveCmd(verb, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				var (
					p   domain.Pendency
					err error
				)
				if verb == "approve" {
					p, err = e.ApprovePendency(ctx, args[0])
				} else {
					p, err = e.DismissPendency(ctx, args[0], reason)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	if verb == "dismiss" {
		cmd.Flags().StringVar(&reason, "reason", "", "dismiss reason")
	}
	return cmd
}

// --- attendance ---

func punchCmd() *cobra.Command {
	p := &cobra.Command{Use: "punch", Short: "Record attendance punches"}
	p.AddCommand(punchDayCmd())
	p.AddCommand(punchSubmitCmd())
	p.AddCommand(punchListCmd())
	return p
}

func punchDayCmd() *cobra.Command {
	var subject, day string
	cmd := &cobra.Command{
		Use:   "day",
		Short: "Open (or fetch) a subject's attendance day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				c, err := e.OpenAttendanceDay(ctx, subject, day)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject reference (employee)")
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func punchSubmitCmd() *cobra.Command {
	var req engine.PunchRequest
	var at string
	cmd := &cobra.Command{
		Use:   "submit <case-id>",
		Short: "Record the next punch of an attendance day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CaseID = args[0]
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.Timestamp = ts
			}
			if req.Source == "" {
				req.Source = "cli"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				res, err := e.SubmitPunch(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Float64Var(&req.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&req.Longitude, "lon", 0, "longitude")
	cmd.Flags().Float64Var(&req.AccuracyMeters, "accuracy", 0, "GPS accuracy in meters")
	cmd.Flags().StringVar(&req.Source, "source", "", "punch source")
	cmd.Flags().StringVar(&req.ExpectedType, "expect", "", "punch type the client believes is next")
	cmd.Flags().StringVar(&at, "at", "", "punch time (RFC3339, default now)")
	return cmd
}

func punchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <case-id>",
		Short: "List an attendance day's punches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				items, err := e.ListPunches(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Type", "Time", "Within radius", "Status")
				for _, p := range items {
					tw.AppendRow(table.Row{p.Seq, p.Type, p.Timestamp, p.WithinRadius, p.Status})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

// --- classification ---

func classifyCmd() *cobra.Command {
	c := &cobra.Command{Use: "classify", Short: "Category suggestions learned from corrections"}
	var caseID string
	suggest := &cobra.Command{
		Use:   "suggest <description>",
		Short: "Suggest a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				res, err := e.SuggestCategory(ctx, caseID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	suggest.Flags().StringVar(&caseID, "case", "", "case the suggestion is for")

	var in classify.LearnInput
	learn := &cobra.Command{
		Use:   "learn <description>",
		Short: "Confirm or correct a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Description = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				res, err := e.LearnCategory(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	learn.Flags().StringVar(&in.CategoryID, "category", "", "category id")
	learn.Flags().BoolVar(&in.Accepted, "accepted", false, "the suggestion was accepted as is")
	learn.Flags().StringVar(&in.SuggestedRuleID, "rule", "", "rule that produced the suggestion")
	_ = learn.MarkFlagRequired("category")

	rules := &cobra.Command{
		Use:   "rules",
		Short: "List learned rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				items, err := e.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Pattern", "Category", "Confidence", "Used")
				for _, r := range items {
					tw.AppendRow(table.Row{r.PatternNormalized, r.CategoryID, fmt.Sprintf("%.2f", r.Confidence), r.UsedCount})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	c.AddCommand(suggest, learn, rules)
	return c
}

// --- outbox ---

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Review and release customer messages"}
	var caseID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				items, err := e.ListOutbox(ctx, caseID, status, 100)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Case", "Channel", "Status", "Attempts", "Prepared by")
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.CaseID, m.Channel, m.Status, m.AttemptCount, m.PreparedBy})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&caseID, "case", "", "case filter")
	list.Flags().StringVar(&status, "status", "", "status filter")

	var channel, template, body string
	draft := &cobra.Command{
		Use:   "draft <case-id>",
		Short: "Draft a customer message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				m, err := e.PrepareCustomerMessage(ctx, args[0], channel, template, body)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	draft.Flags().StringVar(&channel, "channel", "email", "delivery channel")
	draft.Flags().StringVar(&template, "template", "", "template key")
	draft.Flags().StringVar(&body, "body", "", "message body")

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Release a message for delivery (human only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				m, err := e.ApproveMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	var reason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Discard a drafted message (human only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				m, err := e.RejectMessage(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")

	var gatewayURL string
	dispatch := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver due approved messages once",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			if gatewayURL == "" {
				gatewayURL = env.OutboxGatewayURL
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB)
				d, err := server.NewDispatcher(e, server.DispatcherConfig{
					GatewayURL:  gatewayURL,
					BatchSize:   env.OutboxBatchSize,
					MaxAttempts: env.OutboxMaxAttempts,
				})
				if err != nil {
					return err
				}
				n, err := d.ProcessDue(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("processed %d message(s)\n", n)
				return nil
			})
		},
	}
	dispatch.Flags().StringVar(&gatewayURL, "gateway", "", "delivery endpoint (default CASEFLOW_OUTBOX_GATEWAY_URL)")

	o.AddCommand(list, draft, approve, reject, dispatch)
	return o
}

// --- access control ---

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Manage role grants"}
	r.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				cfg, err := e.TenantConfig(ctx, a.TenantID)
				if err != nil {
					return err
				}
				roles, err := e.Repo.ActorRoles(ctx, nil, a.TenantID, a.Ref)
				if err != nil {
					return err
				}
				perms, err := e.Auth.ActorPermissions(ctx, nil, cfg, a)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"tenant_id":   a.TenantID,
					"actor_id":    a.Ref,
					"actor_type":  a.Type,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	})
	r.AddCommand(rbacGrantCmd(true), rbacGrantCmd(false))
	return r
}

func rbacGrantCmd(grant bool) *cobra.Command {
	var target, role, targetType string
	use, short := "grant", "Grant a role to an actor (tenant.admin)"
	if !grant {
		use, short = "revoke", "Revoke a role from an actor (tenant.admin)"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if err := requireAdmin(ctx, e, a); err != nil {
					return err
				}
				if !grant {
					return e.Repo.RevokeRole(ctx, nil, a.TenantID, target, role)
				}
				cfg, err := e.TenantConfig(ctx, a.TenantID)
				if err != nil {
					return err
				}
				if _, ok := cfg.Roles[role]; !ok {
					return fmt.Errorf("unknown role %s", role)
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, a.TenantID, target, targetType, time.Now().UTC().Format(events.TimeLayout)); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, a.TenantID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	if grant {
		cmd.Flags().StringVar(&targetType, "type", domain.ActorHuman, "actor type")
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var target, targetType, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor (tenant.admin); the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if err := requireAdmin(ctx, e, a); err != nil {
					return err
				}
				if target == "" {
					target = a.Ref
				}
				secret, err := newAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					TenantID:  a.TenantID,
					ActorID:   target,
					ActorType: targetType,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": target, "actor_type": targetType, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor id (default current actor)")
	create.Flags().StringVar(&targetType, "type", domain.ActorHuman, "actor type")
	create.Flags().StringVar(&name, "name", "", "label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				items, err := e.Repo.ListAPIKeys(ctx, a.TenantID, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Type", "Name", "Created")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ActorID, it.ActorType, it.Name, it.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&target, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key (tenant.admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if err := requireAdmin(ctx, e, a); err != nil {
					return err
				}
				return e.Repo.DeleteAPIKey(ctx, a.TenantID, args[0])
			})
		},
	}
	k.AddCommand(create, list, del)
	return k
}

func tokenCmd() *cobra.Command {
	var target, targetType string
	var ttl time.Duration
	var perms []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for an actor using CASEFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a app.Actor) error {
				if err := requireAdmin(ctx, e, a); err != nil {
					return err
				}
				if target == "" {
					target = a.Ref
				}
				token, err := server.SignToken(env.JWTSecret, a.TenantID, target, targetType, perms, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id (default current actor)")
	cmd.Flags().StringVar(&targetType, "type", domain.ActorHuman, "actor type")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "extra permission claims")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace DB, resolves the tenant and runs fn as the
// actor given by --actor-id and --actor-type.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, app.Actor) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		actorID := viper.GetString("actor-id")
		tenantID, _, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), actorID, r)
		if err != nil {
			return err
		}
		a := app.Actor{TenantID: tenantID, Ref: actorID, Type: viper.GetString("actor-type")}
		e := engine.New(r.DB)
		return fn(app.WithActor(ctx, a), e, a)
	})
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

func requireAdmin(ctx context.Context, e engine.Engine, a app.Actor) error {
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return err
	}
	ok, err := e.Auth.ActorHasPermission(ctx, nil, cfg, a, auth.PermTenantAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: auth.PermTenantAdmin}
	}
	return nil
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cf_" + hex.EncodeToString(buf), nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(headers))
	return tw
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
