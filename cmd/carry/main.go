package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"carryover/internal/app"
	"carryover/internal/config"
	"carryover/internal/db"
	"carryover/internal/domain"
	"carryover/internal/engine"
	"carryover/internal/migrate"
	"carryover/internal/repo"
	"carryover/internal/server"
	"carryover/internal/telemetry"
	carryoversdk "carryover/sdk/go"
)

var version = "dev"

var logger = slog.Default()

var rootCmd = &cobra.Command{
	Use:   "carry",
	Short: "Carryover CLI",
	Long: `Carryover copies unfinished stories into another timebox and closes the originals.
- Workspace: the directory holding carryover.yml and the .carryover run history.
- Copy: each selected story is fetched, closed, projected into a new story in the
  target timebox, and its tasks are copied under the new story.
- Runs: every batch is recorded with one row per story; view them with 'carry runs'.
- Event log: replication events, view with 'carry log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := app.NewLogger(viper.GetString("log-format"), viper.GetString("log-level"), os.Stderr)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		if err := telemetry.Init(cmd.Context(), "carryover", version); err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
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
	viper.SetEnvPrefix("CARRYOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on runs")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("server", "", "carryover API URL; run against a server instead of the asset API")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "actor-id", "log-format", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(storiesCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func copyCmd() *cobra.Command {
	var timebox, parent, scope string
	var resolveScope, dryRun bool
	cmd := &cobra.Command{
		Use:   "copy STORY...",
		Short: "Copy stories into a timebox and close the originals",
		Long: `Copy each STORY (for example Story:1234) into the target timebox.
Stories are processed one at a time in the order given. A story that cannot be
read is skipped, a story whose copy is rejected is reported as failed, and the
batch always runs to the end. Task and close failures are reported as warnings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(timebox) == "" {
				return engine.ErrMissingTimebox
			}
			if remote := viper.GetString("server"); remote != "" {
				out, err := sdkClient(remote).Replicate(cmd.Context(), carryoversdk.ReplicationRequest{
					Stories:      args,
					Timebox:      timebox,
					Parent:       parent,
					Scope:        scope,
					ResolveScope: resolveScope,
					DryRun:       dryRun,
				})
				if err != nil {
					return err
				}
				return printRemoteOutcome(out)
			}
			req := domain.ReplicationRequest{Stories: args, DryRun: dryRun, ActorID: viper.GetString("actor-id")}
			var err error
			if req.Timebox, err = domain.ParseRef(timebox); err != nil {
				return err
			}
			if req.Parent, err = optionalRef(parent); err != nil {
				return err
			}
			if req.Scope, err = optionalRef(scope); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if req.Scope.IsZero() && resolveScope {
					resolved, err := e.ResolveScope(ctx, req.Timebox)
					if err != nil {
						return err
					}
					req.Scope = resolved
				}
				out, err := e.Replicate(ctx, req)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&timebox, "timebox", "", "target timebox ref (required)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent for every copy; keeps the source parent when empty")
	cmd.Flags().StringVar(&scope, "scope", "", "scope for every copy")
	cmd.Flags().BoolVar(&resolveScope, "resolve-scope", false, "use the scope scheduled on the target timebox when --scope is empty")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and project without writing")
	return cmd
}

func storiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stories TIMEBOX",
		Short: "List stories planned in a timebox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStories(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Ref", "Number", "Name", "Status", "Estimate", "Owners"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Ref, s.Number, s.Name, s.Status, s.Estimate, strings.Join(s.Owners, ", ")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List target timeboxes and parents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cat, err := e.LoadCatalog(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cat)
				}
				tw := newTable()
				tw.SetTitle("Timeboxes")
				tw.AppendHeader(table.Row{"Ref", "Name", "State", "Begin", "End"})
				for _, tb := range cat.Timeboxes {
					tw.AppendRow(table.Row{tb.Ref, tb.Name, tb.State, tb.BeginDate, tb.EndDate})
				}
				fmt.Println(tw.Render())
				pw := newTable()
				pw.SetTitle("Parents")
				pw.AppendHeader(table.Row{"Ref", "Number", "Name", "Scope"})
				for _, p := range cat.Parents {
					pw.AppendRow(table.Row{p.Ref, p.Number, p.Name, p.Scope})
				}
				fmt.Println(pw.Render())
				return nil
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded replication runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var timebox, actor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Run
			if remote := viper.GetString("server"); remote != "" {
				page, err := sdkClient(remote).RunsPage(cmd.Context(), timebox, actor, limit, "")
				if err != nil {
					return err
				}
				for _, r := range page.Items {
					items = append(items, domain.Run{
						ID: r.ID, ActorID: r.ActorID, Timebox: r.Timebox, DryRun: r.DryRun,
						Succeeded: r.Succeeded, Failed: r.Failed, Skipped: r.Skipped, StartedAt: r.StartedAt,
					})
				}
			} else {
				err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					var err error
					items, err = r.ListRuns(ctx, repo.RunFilters{Timebox: timebox, ActorID: actor, Limit: limit})
					return err
				})
				if err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Started", "Actor", "Timebox", "Succeeded", "Failed", "Skipped", "Dry run"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.ID, r.StartedAt, r.ActorID, r.Timebox, r.Succeeded, r.Failed, r.Skipped, r.DryRun})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&timebox, "timebox", "", "filter by target timebox")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its per-story items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := r.ListRunItems(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "items": items})
				}
				fmt.Printf("Run %s by %s at %s\n", run.ID, run.ActorID, run.StartedAt)
				fmt.Println(run.Summary)
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Source", "Name", "Status", "Reason", "Created", "Tasks", "Closed"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Seq + 1, it.Source, it.Name, it.Status, it.Reason, it.Created, taskCell(it.TasksSucceeded, it.TasksFailed), it.Closed})
				}
				fmt.Println(tw.Render())
				for _, it := range items {
					for _, w := range it.Warnings {
						fmt.Printf("warning: %s: %s\n", it.Source, w)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, repo.EventFilters{
					RunID:      runID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + " " + evt.EntityID, evt.ActorID, evt.Payload})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (run|story)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage carryover.yml",
		Long:  "Config holds the asset API endpoint and credentials, replication field lists, and catalog filters. CARRYOVER_BASE_URL, CARRYOVER_AUTH_HEADER, CARRYOVER_PROXY_URL and CARRYOVER_JWT_SECRET override the file.",
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
		Short: "Write a default carryover.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := atomic.WriteFile(path, strings.NewReader(config.GenerateDefault())); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUnvalidated(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			app.ApplyOverrides(cfg, nil)
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			fmt.Printf("# run history: %s\n", db.Path(viper.GetString("workspace")))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, err := app.LoadConfig(workspace, nil)
			schema, serr := historySchema(cmd.Context(), workspace)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err), "history": schema})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			switch {
			case serr != nil:
				fmt.Println("run history:", serr)
			case !schema.Exists:
				fmt.Println("run history: none yet")
			default:
				fmt.Printf("run history: %s schema v%d (latest v%d)\n", schema.Path, schema.Version, schema.Latest)
			}
			return nil
		},
	}
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "API credentials"}
	auth.AddCommand(authTokenCmd())
	return auth
}

func authTokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: e.Config.Server.JWTSecret, Logger: logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret or CARRYOVER_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger, Context: ctx})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving carryover API", "addr", "http://"+addr+basePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, nil)
	if err != nil {
		return err
	}
	e, closeFn, err := app.Engine(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.OpenDB(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

type historyStatus struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Version int    `json:"version"`
	Latest  int    `json:"latest"`
}

// historySchema reports the run history schema without creating or
// migrating it.
func historySchema(ctx context.Context, workspace string) (historyStatus, error) {
	st := historyStatus{Path: db.Path(workspace)}
	ok, err := db.Exists(workspace)
	if err != nil || !ok {
		return st, err
	}
	st.Exists = true
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return st, err
	}
	defer conn.Close()
	st.Version, st.Latest, err = migrate.Status(ctx, conn)
	return st, err
}

func sdkClient(baseURL string) *carryoversdk.Client {
	return carryoversdk.New(baseURL, viper.GetString("token"))
}

func optionalRef(s string) (domain.EntityRef, error) {
	if strings.TrimSpace(s) == "" {
		return domain.EntityRef{}, nil
	}
	return domain.ParseRef(s)
}

func printOutcome(o domain.ReplicationOutcome) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"outcome": o, "summary": o.Summary(), "warnings": o.Warnings()})
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Source", "Name", "Status", "Reason", "Created", "Tasks", "Closed"})
	for _, it := range o.Items {
		tw.AppendRow(table.Row{it.Source, it.Name, it.Status, reasonCell(it.Reason, it.Detail), it.Created, taskCell(it.TasksSucceeded, it.TasksFailed), it.Closed})
	}
	fmt.Println(tw.Render())
	if o.DryRun {
		for _, it := range o.Items {
			if it.Payload != nil {
				b, _ := json.MarshalIndent(it.Payload, "", "  ")
				fmt.Printf("%s would be created as:\n%s\n", it.Source, b)
			}
		}
	}
	fmt.Println(o.Summary())
	for _, w := range o.Warnings() {
		fmt.Println("warning:", w)
	}
	return nil
}

func printRemoteOutcome(o carryoversdk.Replication) error {
	if viper.GetBool("json") {
		return printJSON(o)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Source", "Name", "Status", "Reason", "Created", "Tasks", "Closed"})
	for _, it := range o.Items {
		tw.AppendRow(table.Row{it.Source, it.Name, it.Status, reasonCell(it.Reason, it.Detail), it.Created, taskCell(it.TasksSucceeded, it.TasksFailed), it.Closed})
	}
	fmt.Println(tw.Render())
	fmt.Println(o.Summary)
	for _, w := range o.Warnings {
		fmt.Println("warning:", w)
	}
	return nil
}

func reasonCell(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}

func taskCell(ok, failed int) string {
	if ok == 0 && failed == 0 {
		return ""
	}
	if failed == 0 {
		return fmt.Sprint(ok)
	}
	return fmt.Sprintf("%d (%d failed)", ok, failed)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
