package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"okrsync/internal/config"
	"okrsync/internal/db"
	"okrsync/internal/domain"
	"okrsync/internal/engine"
	"okrsync/internal/migrate"
	"okrsync/internal/repo"
	"okrsync/internal/server"
	"okrsync/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "okr",
	Short: "Local-first OKR sync engine",
	Long: `okr keeps objectives, key results, risks, initiatives, indicators and
milestones in a local SQLite workspace and pushes every change to a remote
ingest endpoint through a durable outbox.

- Workspace: the .okrsync directory holding the database.
- External ids: {source_app}:{kind}:{token}; derived deterministically from an
  entity's natural key so retries never create duplicates.
- Queue: every create and update appends a pending outbox record; 'okr sync run'
  drains it, 'okr sync watch' keeps draining on an interval.
- Log: confirmed deliveries, view with 'okr log'.`,
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
	viper.SetEnvPrefix("OKRSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("source-app", "", "source app identifier (overrides okrsync.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("source-app", rootCmd.PersistentFlags().Lookup("source-app"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			sourceApp := viper.GetString("source-app")
			if sourceApp == "" {
				sourceApp = "my-app"
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn)
			if err != nil {
				return err
			}
			if applied > 0 {
				fmt.Printf("Applied %d schema migration(s)\n", applied)
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(sourceApp)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Initialized workspace, wrote %s\n", cfgPath)
				return nil
			}
			fmt.Printf("Initialized workspace, %s already present\n", cfgPath)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the sync endpoint configuration",
	}
	cmd.AddCommand(configImportCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configClearCmd())
	cmd.AddCommand(configAutoCmd())
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a config file and persist its endpoint settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSyncConfig(ctx, cfg.ToSyncConfig(time.Now())); err != nil {
					return err
				}
				fmt.Printf("Imported endpoint config from %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to okrsync.yml in the workspace)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the persisted endpoint config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetSyncConfig(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("No endpoint configured; run 'okr config import'")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
}

func configClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the persisted endpoint config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.ClearSyncConfig(ctx); err != nil {
					return err
				}
				fmt.Println("Endpoint config cleared")
				return nil
			})
		},
	}
}

func configAutoCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "auto <on|off>",
		Short:     "Toggle background auto-sync",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[0] == "on"
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := r.GetSyncConfig(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("no endpoint configured; run 'okr config import' first")
				}
				if err != nil {
					return err
				}
				cfg.AutoSyncEnabled = enabled
				cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.UpsertSyncConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("Auto-sync %s\n", args[0])
				return nil
			})
		},
	}
}

func createCmd() *cobra.Command {
	var externalID, parentID, scopeID, fieldsJSON string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create an entity and enqueue it for delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			if !domain.StoredKind(kind) {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			fieldMap, err := buildFields(fieldsJSON, fields, nil)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, sourceApp string) error {
				res, err := e.Create(ctx, engine.CreateOptions{
					Kind:       kind,
					SourceApp:  sourceApp,
					ExternalID: externalID,
					ParentID:   parentID,
					ScopeID:    scopeID,
					Fields:     fieldMap,
				})
				if err != nil {
					return err
				}
				if res.Existing {
					fmt.Printf("Already exists: %s\n", res.Entity.ExternalID)
				}
				return printJSONOrTable(res.Entity)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "explicit external id (derived when omitted)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent external id")
	cmd.Flags().StringVar(&scopeID, "scope", "", "scope external id (team/company)")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "all fields as a JSON object")
	return cmd
}

func updateCmd() *cobra.Command {
	var fieldsJSON string
	var fields, removals []string
	cmd := &cobra.Command{
		Use:   "update <kind> <external_id>",
		Short: "Patch an entity's fields and re-enqueue it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			if !domain.StoredKind(kind) {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			fieldMap, err := buildFields(fieldsJSON, fields, removals)
			if err != nil {
				return err
			}
			if len(fieldMap) == 0 {
				return fmt.Errorf("nothing to update; pass --field, --remove or --fields-json")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.Update(ctx, engine.UpdateOptions{
					Kind:       kind,
					ExternalID: args[1],
					Fields:     fieldMap,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entity)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", nil, "field as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&removals, "remove", nil, "field key to remove (repeatable)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "patch as a JSON object")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <external_id>",
		Short: "Soft-delete an entity locally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			if !domain.StoredKind(kind) {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				ent, err := e.SoftDelete(ctx, kind, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Deleted locally: %s (not propagated)\n", ent.ExternalID)
				return nil
			})
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <external_id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			if !domain.StoredKind(kind) {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				ent, err := e.Get(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var parent, syncStatus string
	var includeDeleted bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List entities of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			if !domain.StoredKind(kind) {
				return fmt.Errorf("unknown entity kind %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				items, err := e.List(ctx, repo.EntityFilters{
					Kind:           kind,
					ParentID:       parent,
					SyncStatus:     syncStatus,
					IncludeDeleted: includeDeleted,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"External ID", "Parent", "Sync", "Updated"})
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ExternalID, ent.ParentID, ent.SyncStatus, ent.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent external id")
	cmd.Flags().StringVar(&syncStatus, "sync-status", "", "filter by sync status (pending|synced|failed)")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted entities")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the outbox",
	}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueResubmitCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOutbox(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "External ID", "Status", "Attempts", "Error"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.Kind, rec.ExternalID, rec.Status, rec.Attempts, rec.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|success|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func queueResubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Re-enqueue a failed record from current entity state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid outbox id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				res, err := e.Resubmit(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Re-enqueued %s as record %d\n", res.Entity.ExternalID, res.OutboxID)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show confirmed deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSyncLog(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "External ID", "Remote ID", "Action", "Synced At"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.Kind, rec.ExternalID, rec.RemoteID, rec.Action, rec.SyncedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of rows")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued records to the remote endpoint",
	}
	cmd.AddCommand(syncRunCmd())
	cmd.AddCommand(syncWatchCmd())
	return cmd
}

func syncRunCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain one batch of pending records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				sum, err := syncer.New(conn).Run(ctx, syncer.Options{Batch: batch})
				if err != nil {
					return err
				}
				fmt.Printf("Processed %d: %d succeeded, %d failed\n", sum.Processed, sum.Succeeded, sum.Failed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "records per run (default 10)")
	return cmd
}

func syncWatchCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Drain continuously on the configured interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				r := repo.Repo{DB: conn}
				cfg, err := r.GetSyncConfig(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("no endpoint configured; run 'okr config import' first")
				}
				if err != nil {
					return err
				}
				if !cfg.AutoSyncEnabled {
					return fmt.Errorf("auto-sync is off; enable it with 'okr config auto on'")
				}
				watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				s := &syncer.Scheduler{Processor: syncer.New(conn), Batch: batch}
				s.Start(watchCtx)
				fmt.Printf("Watching queue every %dms, Ctrl-C to stop\n", cfg.SyncIntervalMs)
				<-watchCtx.Done()
				s.Stop()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "records per run (default 10)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				e := engine.New(conn)
				fileCfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				sourceApp := viper.GetString("source-app")
				jwtSecret := os.Getenv("OKRSYNC_JWT_SECRET")
				if fileCfg != nil {
					if sourceApp == "" {
						sourceApp = fileCfg.SourceApp
					}
					if jwtSecret == "" {
						jwtSecret = fileCfg.Server.JWTSecret
					}
					if addr == "" && fileCfg.Server.Addr != "" {
						addr = fileCfg.Server.Addr
					}
				}
				if sourceApp == "" {
					return fmt.Errorf("source app required; pass --source-app or set it in okrsync.yml")
				}
				if addr == "" {
					addr = "127.0.0.1:8600"
				}
				handler, err := server.New(server.Config{
					Engine:    e,
					Processor: syncer.New(conn),
					SourceApp: sourceApp,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: jwtSecret},
				})
				if err != nil {
					return err
				}
				// run the background drain alongside the API when enabled
				s := &syncer.Scheduler{Processor: syncer.New(conn)}
				s.Start(ctx)
				defer s.Stop()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving OKR sync API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		sourceApp := viper.GetString("source-app")
		if sourceApp == "" {
			fileCfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if fileCfg != nil {
				sourceApp = fileCfg.SourceApp
			}
		}
		return fn(ctx, engine.New(conn), sourceApp)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		return fn(ctx, repo.Repo{DB: conn})
	})
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

func buildFields(fieldsJSON string, pairs, removals []string) (map[string]any, error) {
	out := map[string]any{}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &out); err != nil {
			return nil, fmt.Errorf("invalid --fields-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", pair)
		}
		out[key] = parseFieldValue(raw)
	}
	for _, key := range removals {
		out[key] = nil
	}
	return out, nil
}

// parseFieldValue keeps numbers, booleans and JSON literals typed; anything
// else stays a string.
func parseFieldValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
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
