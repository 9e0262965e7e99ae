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

	"leadflow/internal/config"
	"leadflow/internal/db"
	"leadflow/internal/domain"
	"leadflow/internal/events"
	"leadflow/internal/reconciler"
	"leadflow/internal/server"
	"leadflow/internal/store"
	"leadflow/internal/store/cloud"
	"leadflow/internal/store/localdb"
)

var rootCmd = &cobra.Command{
	Use:   "lf",
	Short: "Leadflow CLI",
	Long: `Leadflow keeps a lead book in sync with a backing store and walks every
lead through a fixed workflow.
- Workspace: a .leadflow directory holding the local database (cache,
  last-known-good backup, and the event journal).
- Store: where lead rows live. Local mode keeps everything in the
  workspace database; remote mode syncs from an HTTP endpoint and falls
  back to the last good snapshot when it misbehaves.
- Workflow: the stage table (Submitted -> ... -> Disbursed/Rejected).
  Status changes are validated against it; nothing skips ahead.
- Agents: leads belong to agents; listings are scoped unless you are
  ADMIN. Writes are optimistic: they land locally even when the store
  does not acknowledge them.`,
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
	viper.SetEnvPrefix("LEADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "", "acting agent id (ADMIN sees everything)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(productsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook (leadflow.yml): store mode, sync cadence, the workflow stage table, and the product catalog.",
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
		Short: "Write the default leadflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
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
		Short: "Validate leadflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func leadCmd() *cobra.Command {
	lead := &cobra.Command{
		Use:   "lead",
		Short: "Manage leads",
		Long:  "Leads move through the workflow one legal step at a time. Use 'lf stage next <code>' to see what moves are allowed.",
	}
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadSubmitCmd())
	lead.AddCommand(leadStatusCmd())
	lead.AddCommand(leadNoteCmd())
	lead.AddCommand(leadJourneyCmd())
	return lead
}

func leadListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				res := rec.Query(reconciler.QueryFilter{Agent: viper.GetString("agent")})
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.FilterExcludedAll {
					fmt.Printf("No leads for this agent (%d in the book; use --agent ADMIN to see all)\n", res.Total)
					return nil
				}
				graph := rec.Graph()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Product", "Amount", "Status", "Progress", "Agent", "Priority"})
				for _, l := range res.Leads {
					tw.AppendRow(table.Row{
						l.ID, l.Client, l.Product, l.Amount,
						graph.GetStage(l.Status).Label,
						fmt.Sprintf("%d%%", graph.Progress(l.Status)),
						l.Agent, l.Priority,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func leadSubmitCmd() *cobra.Command {
	var client, phone, amount, product, priority, note string
	var cibil int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client == "" {
				return fmt.Errorf("--client required")
			}
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				res := rec.Submit(ctx, domain.Lead{
					Client:   client,
					Phone:    phone,
					Amount:   amount,
					Product:  product,
					Priority: priority,
					Note:     note,
					Cibil:    cibil,
					Agent:    viper.GetString("agent"),
				})
				return printWriteResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&amount, "amount", "", "requested amount (formatted strings accepted)")
	cmd.Flags().StringVar(&product, "product", "", "product id (see 'lf products')")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (NORMAL, URGENT, HIGH_NET)")
	cmd.Flags().StringVar(&note, "note", "", "initial note")
	cmd.Flags().IntVar(&cibil, "cibil", 0, "CIBIL score")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func leadStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Move a lead to a new workflow stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				res := rec.Transition(ctx, id, status, viper.GetString("agent"))
				return printWriteResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target stage code")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func leadNoteCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Append a note to a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if note == "" {
				return fmt.Errorf("--note required")
			}
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				res := rec.AppendNote(ctx, id, note, viper.GetString("agent"))
				return printWriteResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note text")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func leadJourneyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journey <id>",
		Short: "Show a lead's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				evts, err := rec.Journey(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS, e.Type, e.Actor, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync leads from the backing store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				// withReconciler already ran a sync; report the outcome.
				return printSnapshot(rec.State())
			})
		},
	}
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the sync component state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, rec *reconciler.Reconciler) error {
				return printSnapshot(rec.State())
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Inspect the workflow stage table",
	}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageNextCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			graph, err := cfg.Graph()
			if err != nil {
				return err
			}
			stages := graph.Stages()
			if viper.GetBool("json") {
				return printJSON(stages)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Code", "Label", "Progress", "Role", "Advance", "Fail", "Optional", "Final"})
			for _, s := range stages {
				tw.AppendRow(table.Row{s.Code, s.Label, fmt.Sprintf("%d%%", s.Progress), s.Role, s.AdvanceTo, s.FailTo, s.OptionalTo, s.Final})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func stageNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <code>",
		Short: "Show legal next stages from a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			graph, err := cfg.Graph()
			if err != nil {
				return err
			}
			if !graph.Known(code) {
				return fmt.Errorf("unknown stage %s", code)
			}
			options := graph.NextOptions(code)
			if viper.GetBool("json") {
				return printJSON(options)
			}
			for i, s := range options {
				marker := "  "
				if i == 0 {
					marker = "> "
				}
				fmt.Printf("%s%s (%s)\n", marker, s.Code, s.Label)
			}
			return nil
		},
	}
	return cmd
}

func productsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "Show the product catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Products)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Group"})
			for _, p := range cfg.Products {
				tw.AppendRow(table.Row{p.ID, p.Name, p.Group})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			ldb, rec, err := buildReconciler(workspace, cfg)
			if err != nil {
				return err
			}
			defer ldb.Close()

			poller := reconciler.NewPoller(rec, cfg.PollInterval())
			poller.Start(cmd.Context())
			defer poller.Stop()

			handler, err := server.New(server.Config{Reconciler: rec, AppConfig: cfg, BasePath: basePath})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Leadflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// buildReconciler wires the local database (always present, it holds the
// backup snapshot and the event journal), the active backing store, and
// the workflow graph into a reconciler.
func buildReconciler(workspace string, cfg *config.Config) (*localdb.DB, *reconciler.Reconciler, error) {
	ldb, err := localdb.Open(workspace)
	if err != nil {
		return nil, nil, err
	}
	var active store.Store = ldb
	if cfg.Store.Mode == config.StoreModeRemote {
		remote := cloud.New(cfg.Store.RemoteURL)
		remote.Timeout = cfg.FetchTimeout()
		active = remote
	}
	graph, err := cfg.Graph()
	if err != nil {
		ldb.Close()
		return nil, nil, err
	}
	rec, err := reconciler.New(reconciler.Config{
		Store:        active,
		Backup:       ldb,
		Graph:        graph,
		Events:       &events.Writer{DB: ldb.Conn()},
		MaxAttempts:  cfg.MaxAttempts(),
		BackoffBase:  cfg.BackoffBase(),
		FetchTimeout: cfg.FetchTimeout(),
	})
	if err != nil {
		ldb.Close()
		return nil, nil, err
	}
	return ldb, rec, nil
}

func withReconciler(ctx context.Context, fn func(context.Context, *reconciler.Reconciler) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	ldb, rec, err := buildReconciler(workspace, cfg)
	if err != nil {
		return err
	}
	defer ldb.Close()
	// Degraded syncs still leave a usable (stale) working set.
	if _, err := rec.Sync(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	return fn(ctx, rec)
}

func printWriteResult(res reconciler.WriteResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	switch {
	case res.Success:
		fmt.Printf("OK %s -> %s\n", res.Lead.ID, res.Lead.Status)
	case res.LocalOnly:
		fmt.Printf("SAVED LOCALLY %s -> %s (store did not acknowledge)\n", res.Lead.ID, res.Lead.Status)
	default:
		fmt.Printf("REJECTED: %s\n", res.Reason)
	}
	return nil
}

func printSnapshot(s reconciler.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("State: %s\n", s.State)
	fmt.Printf("Leads: %d\n", s.Leads)
	if s.LastError != "" {
		fmt.Printf("Last error: %s\n", s.LastError)
	}
	if !s.LastSync.IsZero() {
		fmt.Printf("Last sync: %s\n", s.LastSync.UTC().Format(time.RFC3339))
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
