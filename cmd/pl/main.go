package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/config"
	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/logging"
	"pressline/internal/notify"
	"pressline/internal/server"
	"pressline/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pressline CLI",
	Long: `Pressline turns a web page or a topic into a finished piece through a
write, human check, review and edit loop.
- Item: one piece of content; every change is stored as a new immutable version.
- Stages: RAW (acquired), AI_DRAFT, HUMAN_EDITED, AI_REVIEWED, FINAL.
- Session: one run of the loop; it pauses at each draft for approve, edit, regenerate, review or cancel.
- Iterations: each edit or regeneration counts; at the cap the draft goes straight to review.
- Event log: every session step is recorded and can be forwarded to webhooks or Telegram.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			// commands that read the config report it; init may be fixing it
			cfg = config.Default()
		}
		level := firstSet(viper.GetString("log-level"), cfg.Log.Level)
		format := firstSet(viper.GetString("log-format"), cfg.Log.Format)
		logging.Setup(level, format, os.Stderr)
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
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PRESSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default pressline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Printf("Set the model key with 'pl settings set-key' or %s.\n", config.APIKeyEnv[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database and model availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				gen := env.Gateway.Config()
				out := map[string]any{
					"database": env.Engine.Repo.Ping(ctx) == nil,
					"ai":       env.Gateway.Ready(),
					"provider": gen.Provider,
					"model":    gen.Model,
					"db_path":  env.DBPath,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Database: %v (%s)\n", out["database"], env.DBPath)
				fmt.Printf("Model: %s/%s ready=%v\n", gen.Provider, gen.Model, out["ai"])
				return nil
			})
		},
	}
}

func publishCmd() *cobra.Command {
	var opts engine.StartOptions
	var auto bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run a refinement session from a URL, a topic, or an existing item",
		Long: `Runs the write, check, review and edit loop. On a terminal each draft is shown
for approve, edit, regenerate, review or cancel; otherwise (or with --auto) the first draft is approved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var reviewer engine.HumanReviewer = engine.AutoApprove{}
				if !auto && !viper.GetBool("json") && logging.IsInteractive() {
					reviewer = tui.Reviewer{}
				}
				sess, err := env.Engine.Run(ctx, opts, reviewer)
				if err != nil {
					return err
				}
				return printSession(sess)
			})
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "page to acquire")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "topic to write about")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "item id (resumes from its latest version when used alone)")
	cmd.Flags().StringVar(&opts.Style, "style", "", "writing style")
	cmd.Flags().StringVar(&opts.Tone, "tone", "", "tone of voice")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration cap (config default when 0)")
	cmd.Flags().BoolVar(&auto, "auto", false, "approve the first draft without asking")
	return cmd
}

func scrapeCmd() *cobra.Command {
	var itemID string
	cmd := &cobra.Command{
		Use:   "scrape URL",
		Short: "Acquire a page and store it as a RAW version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				v, err := env.Engine.Scrape(ctx, args[0], itemID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("Stored %s v%d (%s), %d characters\n", v.ItemID, v.VersionNumber, v.Stage, len(v.Text))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id (generated when empty)")
	return cmd
}

func searchCmd() *cobra.Command {
	var stageFlag string
	var limit int
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search stored versions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stage *domain.Stage
			if stageFlag != "" {
				st, err := domain.ParseStage(strings.ToUpper(stageFlag))
				if err != nil {
					return err
				}
				stage = &st
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				hits, err := env.Engine.Repo.Search(ctx, strings.Join(args, " "), limit, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hits)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Item", "Version", "Stage", "Score", "Excerpt"})
				for _, h := range hits {
					tw.AppendRow(table.Row{h.Version.ItemID, h.Version.VersionNumber, h.Version.Stage, fmt.Sprintf("%.2f", h.Score), excerpt(h.Version.Text, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageFlag, "stage", "", "restrict to a stage (raw, ai_draft, human_edited, ai_reviewed, final)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [ITEM]",
		Short: "Show one entry per item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := ""
			if len(args) == 1 {
				itemID = args[0]
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				entries, err := env.Engine.Repo.History(ctx, itemID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Item", "Status", "Updated", "Input", "Versions", "Error"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.Status, e.Timestamp, excerpt(e.Input, 40), formatResults(e.Results), excerpt(e.Error, 40)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions ITEM",
		Short: "List the versions of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if _, err := env.Engine.Repo.GetItem(ctx, args[0]); err != nil {
					return err
				}
				versions, err := env.Engine.Repo.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(versions)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Stage", "Created", "Chars", "Excerpt"})
				for _, v := range versions {
					tw.AppendRow(table.Row{v.VersionNumber, v.Stage, v.CreatedAt, len(v.Text), excerpt(v.Text, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func showCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show ITEM",
		Short: "Print the text of a version (latest by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var ref *int
				if cmd.Flags().Changed("version") {
					ref = &version
				}
				v, err := env.Engine.Repo.Get(ctx, args[0], ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("# %s v%d %s (%s)\n\n%s\n", v.ItemID, v.VersionNumber, v.Stage, v.CreatedAt, v.Text)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version number")
	return cmd
}

func deleteCmd() *cobra.Command {
	var all, yes bool
	cmd := &cobra.Command{
		Use:   "delete [ITEM]",
		Short: "Delete an item and its versions, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give an item id or --all")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if all {
					if !yes && !confirm("Delete every item?") {
						return fmt.Errorf("aborted")
					}
					if err := env.Engine.Repo.DeleteAll(ctx); err != nil {
						return err
					}
					fmt.Println("Deleted all items")
					return nil
				}
				if _, err := env.Engine.Repo.GetItem(ctx, args[0]); err != nil {
					return err
				}
				if err := env.Engine.Repo.DeleteItem(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every item")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func testCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Self test: store round trip, search, optional model probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				d := env.Engine.SelfTest(ctx, probe)
				if err := printJSON(d); err != nil {
					return err
				}
				if !d.Database || !d.Search || (probe && !d.AI) {
					return fmt.Errorf("self test failed: %s", d.Detail)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe-ai", false, "also send one tiny prompt to the model")
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Show or change model settings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show settings with the key masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				gen := env.Gateway.Config()
				return printJSON(map[string]any{
					"provider":       gen.Provider,
					"model":          gen.Model,
					"base_url":       gen.BaseURL,
					"max_tokens":     gen.MaxTokens,
					"temperature":    gen.Temperature,
					"api_key":        config.MaskSecret(gen.APIKey),
					"api_key_set":    gen.APIKey != "",
					"max_iterations": env.Engine.Config().Workflow.MaxIterations,
					"default_style":  env.Engine.Config().Workflow.DefaultStyle,
					"default_tone":   env.Engine.Config().Workflow.DefaultTone,
					"database_path":  env.DBPath,
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-key [KEY]",
		Short: "Store the model API key in the workspace .env (reads stdin when KEY is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				if logging.IsInteractive() {
					fmt.Print("API key: ")
				}
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return err
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" || strings.ContainsAny(key, "\r\n") {
				return fmt.Errorf("key must be a single non-empty line")
			}
			path := config.DotEnvPath(viper.GetString("workspace"))
			if err := config.SetEnvValue(path, config.APIKeyEnv[0], key); err != nil {
				return err
			}
			fmt.Printf("Saved %s to %s (%s)\n", config.APIKeyEnv[0], path, config.MaskSecret(key))
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the workflow event log"}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logPruneCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemID, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, n, itemID, sessionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Item", "Session", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ItemID, shortID(e.SessionID), excerpt(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemID, "item", "", "item filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session filter")
	return cmd
}

func logPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete events older than store.events_retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.PruneEvents(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d events\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				cfg := env.Config
				if !cmd.Flags().Changed("addr") {
					addr = firstSet(cfg.Server.Addr, addr)
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = firstSet(cfg.Server.BasePath, basePath)
				}
				token := firstSet(env.Secrets.Get("PRESSLINE_API_TOKEN"), cfg.Server.APIToken)
				if token == "" && !isLoopback(addr) {
					log.Warn().Str("addr", addr).Msg("serving without an API token on a non-loopback address")
				}
				handler, err := server.New(server.Config{
					Engine:    env.Engine,
					Model:     env.Gateway,
					BasePath:  basePath,
					Auth:      server.AuthConfig{APIToken: token},
					Workspace: env.Workspace,
					DBPath:    env.DBPath,
				})
				if err != nil {
					return err
				}

				dispatcher, err := notify.FromConfig(env.Engine.Repo, cfg.Notify, env.Secrets.Get)
				if err != nil {
					return err
				}
				go dispatcher.Run(ctx)
				if _, err := env.StartMaintenance(ctx); err != nil {
					return err
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info().Str("addr", addr).Str("base_path", basePath).Int("notify_sinks", dispatcher.Len()).Bool("auth", token != "").Msg("serving")
				fmt.Printf("Serving Pressline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Bootstrap(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printSession(s domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Item %s: %s after %d iteration(s)\n", s.ItemID, s.Status, s.Iteration)
	if s.Error != "" {
		fmt.Printf("Error: %s\n", s.Error)
	}
	if s.Review != nil {
		sc := s.Review.Score
		fmt.Printf("Scores: overall %d, grammar %d, style %d, engagement %d\n", sc.Overall, sc.Grammar, sc.Style, sc.Engagement)
	}
	if len(s.Lineage) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Version", "Stage"})
		for _, ref := range s.Lineage {
			tw.AppendRow(table.Row{ref.VersionNumber, ref.Stage})
		}
		tw.Render()
	}
	if s.Status == domain.StatusFailed {
		return fmt.Errorf("session failed")
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatResults(results map[string][]int) string {
	var parts []string
	for _, st := range []domain.Stage{domain.StageRaw, domain.StageAIDraft, domain.StageHumanEdited, domain.StageAIReviewed, domain.StageFinal} {
		nums := results[string(st)]
		if len(nums) == 0 {
			continue
		}
		strs := make([]string, len(nums))
		for i, n := range nums {
			strs[i] = strconv.Itoa(n)
		}
		parts = append(parts, fmt.Sprintf("%s:%s", st, strings.Join(strs, ",")))
	}
	return strings.Join(parts, " ")
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	return host == "127.0.0.1" || host == "localhost" || host == "[::1]"
}

func confirm(prompt string) bool {
	if !logging.IsInteractive() {
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
