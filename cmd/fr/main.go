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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetradar/internal/cache"
	"fleetradar/internal/config"
	"fleetradar/internal/db"
	"fleetradar/internal/domain"
	"fleetradar/internal/engine"
	"fleetradar/internal/migrate"
	"fleetradar/internal/notify"
	"fleetradar/internal/predict"
	"fleetradar/internal/repo"
	"fleetradar/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fr",
	Short: "Fleetradar CLI",
	Long: `Fleetradar tracks vehicle maintenance processes through five stages
(Receive, Identify, Decide, Execute, Conclude), watches each stage against its
SLA budget, raises alerts and escalations on breaches, and augments every
transition with a completion-time prediction.

The serve command runs the webhook API; the rest inspect the local workspace.`,
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
	viper.SetEnvPrefix("FLEETRADAR")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(insightCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(metricsCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and reporting API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}

			log, cleanup := config.SetupLogger(cfg.Log.File, config.ParseLogLevel(cfg.Log.Level))
			defer cleanup()

			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			var redisClient *redis.Client
			if cfg.Redis.Addr != "" {
				redisClient = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer redisClient.Close()
			}
			c := cache.New(redisClient, log)

			apiKey := cfg.OpenAI.APIKey
			if envKey := viper.GetString("openai-api-key"); envKey != "" {
				apiKey = envKey
			}
			model, err := predict.NewOpenAIModel(apiKey, cfg.OpenAI.Model)
			if err != nil {
				return fmt.Errorf("init prediction model: %w", err)
			}
			predictor := predict.New(model, repo.Repo{DB: conn}, log)
			if cfg.Predict.TimeoutSeconds > 0 {
				predictor.Timeout = time.Duration(cfg.Predict.TimeoutSeconds) * time.Second
			}

			hub := notify.NewHub(log)
			notifier := notify.Multi{hub, notify.NewWebhookNotifier(cfg.Webhooks, log)}

			e := engine.New(conn, c, predictor, notifier, log)
			handler, err := server.New(server.Config{
				Engine:   e,
				Cache:    c,
				Hub:      hub,
				BasePath: cfg.Server.BasePath,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving fleetradar api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
			fmt.Printf("Serving Fleetradar API on http://%s%s (OpenAPI at %s/openapi.json, websocket at /ws)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func processCmd() *cobra.Command {
	process := &cobra.Command{
		Use:   "process",
		Short: "Inspect maintenance processes",
	}
	process.AddCommand(processListCmd())
	process.AddCommand(processShowCmd())
	process.AddCommand(processEventsCmd())
	return process
}

func processListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProcesses(ctx, repo.ProcessFilters{
					Status: domain.ProcessStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Vehicle", "Stage", "Status", "Risk", "Created"})
				for _, p := range items {
					risk := "-"
					if p.RiskScore != nil {
						risk = fmt.Sprintf("%.2f", *p.RiskScore)
					}
					tw.AppendRow(table.Row{p.ID, p.VehicleID, p.CurrentStage, p.Status, risk, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one process with its stage windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Process: %s (%s)\n", p.ID, p.Title)
				fmt.Printf("Vehicle: %s\n", p.VehicleID)
				fmt.Printf("Stage: %s  Status: %s\n", p.CurrentStage, p.Status)
				if p.RiskScore != nil {
					fmt.Printf("Risk score: %.2f\n", *p.RiskScore)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "SLA (s)", "Started", "Ended", "Duration (s)"})
				for _, s := range []domain.Stage{domain.StageReceive, domain.StageIdentify, domain.StageDecide, domain.StageExecute, domain.StageConclude} {
					window := p.Stages[s]
					started, ended, duration := "-", "-", "-"
					if window.StartTime != nil {
						started = window.StartTime.Format(time.RFC3339)
					}
					if window.EndTime != nil {
						ended = window.EndTime.Format(time.RFC3339)
						duration = fmt.Sprintf("%.0f", window.EndTime.Sub(*window.StartTime).Seconds())
					}
					tw.AppendRow(table.Row{s, window.SLASeconds, started, ended, duration})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func processEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a process insight history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProcess(ctx, args[0]); err != nil {
					return err
				}
				insights, err := r.ListInsights(ctx, repo.InsightFilters{ProcessID: args[0], Ascending: true})
				if err != nil {
					return err
				}
				return printInsights(insights)
			})
		},
	}
	return cmd
}

func insightCmd() *cobra.Command {
	insight := &cobra.Command{
		Use:   "insight",
		Short: "Inspect insights",
	}
	insight.AddCommand(insightListCmd("list", "List insights", ""))
	return insight
}

func alertCmd() *cobra.Command {
	alert := &cobra.Command{
		Use:   "alert",
		Short: "Inspect alerts",
	}
	alert.AddCommand(insightListCmd("list", "List alert insights", domain.InsightAlert))
	return alert
}

func insightListCmd(use, short string, kind domain.InsightType) *cobra.Command {
	var limit int
	var processID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				insights, err := r.ListInsights(ctx, repo.InsightFilters{
					ProcessID: processID,
					Type:      kind,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printInsights(insights)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().StringVar(&processID, "process", "", "filter by process id")
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Process counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				total, err := r.CountProcesses(ctx, "")
				if err != nil {
					return err
				}
				active, err := r.CountProcesses(ctx, domain.StatusPending)
				if err != nil {
					return err
				}
				completed, err := r.CountProcesses(ctx, domain.StatusCompleted)
				if err != nil {
					return err
				}
				overdue, err := r.CountProcesses(ctx, domain.StatusFailed)
				if err != nil {
					return err
				}
				rate := 0.0
				if total > 0 {
					rate = float64(completed) / float64(total) * 100
				}
				out := map[string]any{
					"total_processes":     total,
					"active_processes":    active,
					"completed_processes": completed,
					"overdue_processes":   overdue,
					"completion_rate":     rate,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Processes: %d total, %d active, %d completed, %d overdue\n", total, active, completed, overdue)
				fmt.Printf("Completion rate: %.1f%%\n", rate)
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printInsights(insights []domain.Insight) error {
	if viper.GetBool("json") {
		return printJSON(insights)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Timestamp", "Type", "Confidence", "Process", "Message"})
	for _, in := range insights {
		tw.AppendRow(table.Row{in.Timestamp.Format(time.RFC3339), in.Type, fmt.Sprintf("%.2f", in.Confidence), in.ProcessID, in.Message})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
