package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reelforge/internal/bus"
	"reelforge/internal/config"
	"reelforge/internal/db"
	"reelforge/internal/domain"
	"reelforge/internal/engine"
	"reelforge/internal/migrate"
	"reelforge/internal/queue"
	"reelforge/internal/repo"
	"reelforge/internal/server"
	"reelforge/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "ReelForge CLI",
	Long: `ReelForge orchestrates multi-agent short-form video pipelines.
A pipeline runs seven stages in order (RESEARCH, SCRIPT, VOICE, MUSIC,
VISUAL, EDITOR, PUBLISH). Agents poll the queue with their capabilities,
claim one stage at a time, and each completed stage records an attribution
percentage for its agent.`,
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
	viper.SetEnvPrefix("REELFORGE")
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
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Manage pipelines"}
	cmd.AddCommand(pipelineCreateCmd())
	cmd.AddCommand(pipelineStartCmd())
	cmd.AddCommand(pipelineListCmd())
	cmd.AddCommand(pipelineShowCmd())
	return cmd
}

func pipelineCreateCmd() *cobra.Command {
	var description, templateID, paramsJSON string
	var start bool
	cmd := &cobra.Command{
		Use:   "create <topic>",
		Short: "Create a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.PipelineCreateOptions{
					Topic:       args[0],
					Description: description,
					TemplateID:  templateID,
					ActorID:     viper.GetString("actor-id"),
				}
				if paramsJSON != "" {
					if err := json.Unmarshal([]byte(paramsJSON), &opts.Params); err != nil {
						return fmt.Errorf("invalid --params: %w", err)
					}
				}
				p, err := e.CreatePipeline(ctx, opts)
				if err != nil {
					return err
				}
				if start {
					p, err = e.StartPipeline(ctx, p.ID, opts.ActorID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "pipeline description")
	cmd.Flags().StringVar(&templateID, "template", "", "preset template id")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "per-stage input overrides as JSON")
	cmd.Flags().BoolVar(&start, "start", false, "start the pipeline immediately")
	return cmd
}

func pipelineStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <pipeline-id>",
		Short: "Start a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.StartPipeline(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pipelineListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPipelines(ctx, repo.PipelineFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Status", "Current Stage", "Created"})
				for _, p := range items {
					current := ""
					if p.CurrentStage != nil {
						current = string(*p.CurrentStage)
					}
					tw.AppendRow(table.Row{p.ID, p.Topic, p.Status, current, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (DRAFT|RUNNING|COMPLETE|FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PipelineWithStages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s  %s  [%s]\n", p.ID, p.Topic, p.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Agent", "Completed"})
				for _, s := range p.Stages {
					agent := ""
					if s.AgentName != nil {
						agent = *s.AgentName
					}
					completed := ""
					if s.CompletedAt != nil {
						completed = *s.CompletedAt
					}
					tw.AppendRow(table.Row{s.Name, s.Status, agent, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Claim-based work queue"}
	cmd.AddCommand(queueClaimCmd())
	cmd.AddCommand(queueStatusCmd())
	return cmd
}

func queueClaimCmd() *cobra.Command {
	var agentName string
	var capabilities []string
	var execute, dryRun bool
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Poll for one claimable stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caps := make([]domain.StageName, 0, len(capabilities))
				for _, c := range capabilities {
					caps = append(caps, domain.StageName(strings.ToUpper(c)))
				}
				res, err := queue.New(e).Poll(ctx, queue.PollRequest{
					AgentID:      viper.GetString("actor-id"),
					AgentName:    agentName,
					Capabilities: caps,
					AutoExecute:  execute,
					DryRun:       dryRun,
				})
				if err != nil {
					return err
				}
				if !res.Claimed {
					fmt.Println("no claimable work")
					return printJSONOrTable(res.Demand)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentName, "agent-name", "", "display name for attribution")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "stage names this agent can run")
	cmd.Flags().BoolVar(&execute, "execute", false, "run the stage handler after claiming")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute without external calls")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func queueStatusCmd() *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue demand per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var caps []domain.StageName
				if capability != "" {
					caps = []domain.StageName{domain.StageName(strings.ToUpper(capability))}
				}
				report, err := queue.New(e).Status(ctx, caps)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("%d claimable across %d running pipelines\n", report.TotalAvailable, report.RunningPipelines)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Pending", "Ready"})
				for _, d := range report.ByStage {
					tw.AppendRow(table.Row{d.Stage, d.Pending, d.Ready})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "single stage to report")
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Agent contributions"}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentShowCmd())
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Agents ranked by total contribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.AgentContributions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Name", "Stages", "Total %"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.AgentID, c.AgentName, c.StagesCompleted, c.TotalContribution})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "One agent's attribution records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				attrs, err := r.ListAttributions(ctx, repo.AttributionFilters{AgentID: args[0]})
				if err != nil {
					return err
				}
				return printJSONOrTable(attrs)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Preset video templates"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List preset templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := template.Presets()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Category", "Format", "Duration"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.ID, t.Name, t.Category, t.Structure.Format, t.TargetDuration})
			}
			tw.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <template-id>",
		Short: "Show one preset template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := template.Get(args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(tpl)
		},
	})
	return cmd
}

// generateCmd is the one-shot path: create, start, and run every stage
// in-process with a single agent identity.
func generateCmd() *cobra.Command {
	var templateID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Create a pipeline and run all stages in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				p, err := e.CreatePipeline(ctx, engine.PipelineCreateOptions{
					Topic:      args[0],
					TemplateID: templateID,
					ActorID:    actor,
				})
				if err != nil {
					return err
				}
				if _, err := e.StartPipeline(ctx, p.ID, actor); err != nil {
					return err
				}
				unsub := e.Bus.Subscribe(bus.StageCompleted, func(m bus.Message) {
					fmt.Printf("%-8s done\n", m.StageName)
				})
				defer unsub()
				q := queue.New(e)
				for _, name := range domain.StageOrder {
					res, err := q.Poll(ctx, queue.PollRequest{
						AgentID:      actor,
						AgentName:    actor,
						Capabilities: []domain.StageName{name},
						AutoExecute:  true,
						DryRun:       dryRun,
					})
					if err != nil {
						return err
					}
					if !res.Claimed {
						return fmt.Errorf("stage %s was not claimable", name)
					}
					if !res.Executed {
						return fmt.Errorf("stage %s failed: %s", name, res.Error)
					}
				}
				final, err := e.PipelineWithStages(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(final)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "preset template id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run handlers without external calls")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var pipelineID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, limit, pipelineID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Pipeline", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.PipelineID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "filter by pipeline id")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg, bus.New())
			handler, err := server.New(server.Config{Engine: e, Queue: queue.New(e), BasePath: basePath})
			if err != nil {
				return err
			}
			for _, topic := range bus.Topics() {
				e.Bus.Subscribe(topic, func(m bus.Message) {
					if m.StageName != "" {
						log.Printf("%s pipeline=%s stage=%s agent=%s", m.Topic, m.PipelineID, m.StageName, m.AgentID)
						return
					}
					log.Printf("%s pipeline=%s", m.Topic, m.PipelineID)
				})
			}
			server.StartWebhookDispatcher(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving ReelForge API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, bus.New()))
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
