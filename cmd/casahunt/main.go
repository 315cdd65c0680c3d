package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casahunt/internal/app"
	"casahunt/internal/config"
	"casahunt/internal/db"
	"casahunt/internal/notify"
	"casahunt/internal/orchestrator"
	"casahunt/internal/repo"
	"casahunt/internal/scrape"
	"casahunt/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "casahunt",
	Short: "Casa Hunt agent swarm",
	Long: `Casa Hunt coordinates a swarm of house-hunting agents over a shared
mission queue:
- Scout pulls fresh listings from the configured sources.
- Analyzer scores each listing 0-100.
- Decision approves or rejects high scorers against the hunt criteria.
- Notifier sends one alert per approved listing.
State lives in .casahunt/casahunt.db; tune the hunt in casahunt.yml.`,
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
	viper.SetEnvPrefix("CASAHUNT")
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
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(scoutCmd())
	rootCmd.AddCommand(healCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// withApp opens the workspace for one command invocation.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func buildOrchestrator(a *app.App) *orchestrator.Orchestrator {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	sources := make(map[string]scrape.Source, len(a.Config.Scrape.Sources))
	client := &http.Client{Timeout: a.Config.Scrape.CallTimeout.Std()}
	for _, sc := range a.Config.Scrape.Sources {
		sources[sc.Name] = scrape.NewFeedSource(sc.Name, sc.FeedURL, client)
	}
	sender := notify.NewTelegram(os.Getenv("CASAHUNT_TELEGRAM_TOKEN"), a.Config.Notify.CallTimeout.Std())
	return orchestrator.New(a.Repo, a.Config, sources, sender, logger)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Workspace initialized: %s, database at %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
}

func runOnceCmd() *cobra.Command {
	var agents []string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run one pipeline pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summaries, err := buildOrchestrator(a).RunOnce(ctx, agents)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Claimed", "Completed", "Failed"})
				for _, s := range summaries {
					tw.AppendRow(table.Row{s.Agent, s.Claimed, s.Completed, s.Failed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agents", nil, "agents to run (scout,analyzer,decision,notifier); default all")
	return cmd
}

func scoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scout",
		Short: "Seed and run the scout once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summaries, err := buildOrchestrator(a).RunOnce(ctx, []string{"scout"})
				if err != nil {
					return err
				}
				return printJSONOrTable(summaries)
			})
		},
	}
}

func healCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal",
		Short: "Re-enqueue missions for listings stranded mid-pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := buildOrchestrator(a).Heal(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("re-enqueued %d missions\n", n)
				return nil
			})
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the swarm on its configured cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Printf("Casa Hunt daemon started (scout %s, workers %s, reap %s)\n",
					a.Config.Schedule.ScoutInterval.Std(),
					a.Config.Schedule.WorkerInterval.Std(),
					a.Config.Schedule.ReapInterval.Std())
				err := buildOrchestrator(a).RunDaemon(ctx)
				if errors.Is(err, context.Canceled) {
					fmt.Println("daemon stopped")
					return nil
				}
				return err
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Swarm status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				status, err := buildOrchestrator(a).Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "State", "At"})
				for name, st := range status.Agents {
					tw.AppendRow(table.Row{name, st.State, st.CreatedAt})
				}
				tw.Render()
				qw := table.NewWriter()
				qw.SetOutputMirror(os.Stdout)
				qw.AppendHeader(table.Row{"Mission", "Pending", "Processing", "Completed", "Failed"})
				for missionType, byStatus := range status.Queue {
					qw.AppendRow(table.Row{missionType, byStatus["pending"], byStatus["processing"], byStatus["completed"], byStatus["failed"]})
				}
				qw.Render()
				fmt.Printf("Listings: %d total, %d scored, %d approved, %d rejected, %d notified\n",
					status.Listings.Total, status.Listings.Scored, status.Listings.Approved,
					status.Listings.Rejected, status.Listings.Notified)
				return nil
			})
		},
	}
}

func listingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listing",
		Short: "Listing store",
	}
	cmd.AddCommand(listingListCmd())
	return cmd
}

func listingListCmd() *cobra.Command {
	var decision string
	var minScore, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				listings, err := a.Repo.ListListings(ctx, repo.ListingFilters{
					Decision: decision,
					MinScore: minScore,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(listings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Price EUR", "Score", "Decision", "Notified"})
				for _, l := range listings {
					price, score, verdict := "-", "-", "-"
					if l.PriceEUR != nil {
						price = fmt.Sprint(*l.PriceEUR)
					}
					if l.Score != nil {
						score = fmt.Sprint(*l.Score)
					}
					if l.Decision != nil {
						verdict = *l.Decision
					}
					notified := ""
					if l.NotifiedAt != nil {
						notified = *l.NotifiedAt
					}
					tw.AppendRow(table.Row{l.ID, truncate(l.Title, 40), price, score, verdict, notified})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "filter by decision (APPROVE, REJECT)")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "minimum score")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Mission queue",
	}
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionRetryCmd())
	return cmd
}

func missionListCmd() *cobra.Command {
	var missionType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				missions, err := a.Repo.ListMissions(ctx, repo.MissionFilters{
					Type:   missionType,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Next Retry", "Error"})
				for _, m := range missions {
					errMsg := ""
					if m.Error != nil {
						errMsg = truncate(*m.Error, 40)
					}
					tw.AppendRow(table.Row{m.ID, m.Type, m.Status, m.Retries, m.NextRetryAt, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionType, "type", "", "filter by type (scrape, analyze, decide, notify)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <mission-id>",
		Short: "Re-queue a permanently failed mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Repo.RetryMission(ctx, args[0], time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var eventType string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, limit, eventType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Agent", "At", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.Type, e.SourceAgent, e.CreatedAt, truncate(e.PayloadJSON, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("CASAHUNT_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CASAHUNT_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Orchestrator: buildOrchestrator(a),
					Repo:         a.Repo,
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Casa Hunt API on http://%s%s\n", addr, basePath)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
