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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchd/internal/approvals"
	"dispatchd/internal/config"
	"dispatchd/internal/db"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/engine"
	"dispatchd/internal/ledger"
	"dispatchd/internal/license"
	"dispatchd/internal/migrate"
	"dispatchd/internal/repo"
	"dispatchd/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd control plane",
	Long: `dispatchd dispatches work orders to coding-agent backends and keeps the
execution ledger, approvals, and scheduled jobs for them.`,
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
	viper.SetEnvPrefix("DISPATCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/dispatchd.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(licenseCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(workorderCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(approvalCmd())
}

// stack is the wired application: everything a command needs.
type stack struct {
	Config  *config.Config
	Repo    repo.Repo
	License *license.Evaluator
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Broker  *approvals.Broker
}

func buildStack(workspace string) (*stack, func(), error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	r := repo.Repo{DB: conn}
	lic := license.New(r, cfg.License.PublicKey, cfg.License.DevMode)
	launcher := dispatch.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.CallbackURL(), cfg.CallbackSecret())
	eng := engine.New(r, lic, launcher)
	led := ledger.New(r, eng)
	broker := approvals.New(r, lic)
	broker.SlackURL = cfg.Notify.SlackWebhookURL
	broker.AgentMailURL = cfg.Notify.AgentMailURL
	s := &stack{Config: cfg, Repo: r, License: lic, Engine: eng, Ledger: led, Broker: broker}
	return s, func() { conn.Close() }, nil
}

func withStack(ctx context.Context, fn func(context.Context, *stack) error) error {
	s, cleanup, err := buildStack(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, s)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				if addr == "" {
					addr = s.Config.Server.Listen
				}
				handler, err := server.New(server.Config{
					App:     s.Config,
					Engine:  s.Engine,
					Ledger:  s.Ledger,
					Broker:  s.Broker,
					License: s.License,
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
				fmt.Printf("Serving dispatchd API on http://%s%s\n", addr, s.Config.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
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
			fmt.Println("migrations applied:", db.Path(workspace))
			return nil
		},
	}
}

func licenseCmd() *cobra.Command {
	lic := &cobra.Command{Use: "license", Short: "Manage the instance license"}

	var key string
	activate := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				grant, err := s.License.Activate(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(grant)
			})
		},
	}
	activate.Flags().StringVar(&key, "key", "", "license token")
	_ = activate.MarkFlagRequired("key")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the current grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				grant, err := s.License.Current(ctx)
				if err != nil {
					return err
				}
				if grant == nil {
					fmt.Println("no license activated")
					return nil
				}
				return printJSONOrTable(grant)
			})
		},
	}

	lic.AddCommand(activate)
	lic.AddCommand(show)
	return lic
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}

	var name, description, systemPrompt string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				now := time.Now().UTC().Format(time.RFC3339)
				a := domain.Agent{
					ID:        newID(),
					Name:      name,
					Status:    "idle",
					CreatedAt: now,
					UpdatedAt: now,
				}
				if description != "" {
					a.Description = &description
				}
				if systemPrompt != "" {
					a.SystemPrompt = &systemPrompt
				}
				if err := s.Repo.InsertAgent(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "agent name")
	create.Flags().StringVar(&description, "description", "", "description")
	create.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt prefix for launches")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				items, err := s.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Last Heartbeat"})
				for _, a := range items {
					heartbeat := ""
					if a.LastHeartbeat != nil {
						heartbeat = *a.LastHeartbeat
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status, heartbeat})
				}
				tw.Render()
				return nil
			})
		},
	}

	var agentID, repoURL, branch string
	addRepo := &cobra.Command{
		Use:   "add-repo",
		Short: "Register a repository for dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoURL == "" {
				return fmt.Errorf("--url required")
			}
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				ar := domain.AgentRepo{
					ID:            newID(),
					RepoURL:       repoURL,
					DefaultBranch: branch,
					CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				}
				if agentID != "" {
					ar.AgentID = &agentID
				}
				if err := s.Repo.InsertAgentRepo(ctx, ar); err != nil {
					return err
				}
				stored, err := s.Repo.GetAgentRepo(ctx, ar.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	addRepo.Flags().StringVar(&agentID, "agent", "", "owning agent id")
	addRepo.Flags().StringVar(&repoURL, "url", "", "repository URL")
	addRepo.Flags().StringVar(&branch, "branch", "", "default branch")
	_ = addRepo.MarkFlagRequired("url")

	agent.AddCommand(create)
	agent.AddCommand(list)
	agent.AddCommand(addRepo)
	return agent
}

func workorderCmd() *cobra.Command {
	wo := &cobra.Command{Use: "workorder", Short: "Manage work orders"}
	wo.AddCommand(workorderCreateCmd())
	wo.AddCommand(workorderListCmd())
	wo.AddCommand(workorderShowCmd())
	wo.AddCommand(workorderDispatchCmd())
	wo.AddCommand(workorderCancelCmd())
	wo.AddCommand(workorderSummaryCmd())
	return wo
}

func workorderCreateCmd() *cobra.Command {
	var objective, agentID, repoID, source string
	var lines []string
	var launch bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				params := engine.CreateParams{Source: source}
				if objective != "" {
					params.Objective = &objective
				}
				if agentID != "" {
					params.AgentID = &agentID
				}
				if repoID != "" {
					params.RepoID = &repoID
				}
				for _, title := range lines {
					params.Lines = append(params.Lines, domain.WorkLine{Title: title})
				}
				order, err := s.Engine.Create(ctx, params)
				if err != nil {
					return err
				}
				if launch {
					res, err := s.Engine.Dispatch(ctx, order.ID)
					if err != nil {
						return fmt.Errorf("created %s but launch failed: %w", order.ID, err)
					}
					order = res.Order
				}
				return printJSONOrTable(order)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "what the agent should accomplish")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&source, "source", "cloud", "source (cloud, local, job)")
	cmd.Flags().StringArrayVar(&lines, "line", nil, "work line title (repeatable)")
	cmd.Flags().BoolVar(&launch, "dispatch", false, "dispatch immediately after creating")
	return cmd
}

func workorderListCmd() *cobra.Command {
	var status, source string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				items, err := s.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{Status: status, Source: source, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Source", "Objective", "Created"})
				for _, o := range items {
					objective := ""
					if o.Objective != nil {
						objective = *o.Objective
					}
					if len(objective) > 60 {
						objective = objective[:60] + "…"
					}
					tw.AppendRow(table.Row{o.ID, o.Status, o.Source, objective, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&source, "source", "", "source filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func workorderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				order, err := s.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(order)
			})
		},
	}
}

func workorderDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Dispatch a pending work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				res, err := s.Engine.Dispatch(ctx, args[0])
				if err != nil {
					return err
				}
				if res.Skipped {
					fmt.Println("local work order, nothing dispatched")
				}
				return printJSONOrTable(res.Order)
			})
		},
	}
}

func workorderCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				applied, err := s.Engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !applied {
					return fmt.Errorf("work order %s is not pending", args[0])
				}
				order, err := s.Repo.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(order)
			})
		},
	}
}

func workorderSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <id>",
		Short: "Aggregate a work order's execution ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				sum, err := s.Ledger.Aggregate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage scheduled jobs"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				items, err := s.Repo.ListScheduledJobs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Cron", "Enabled", "Last Run"})
				for _, j := range items {
					lastRun := ""
					if j.LastRunAt != nil {
						lastRun = *j.LastRunAt
					}
					tw.AppendRow(table.Row{j.ID, j.Name, j.CronExpr, j.Enabled, lastRun})
				}
				tw.Render()
				return nil
			})
		},
	}

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Trigger a scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				res, err := s.Engine.RunScheduledJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}

	job.AddCommand(list)
	job.AddCommand(run)
	return job
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{Use: "approval", Short: "Manage approvals"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				items, err := s.Broker.List(ctx, repo.ApprovalFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Question", "Decision"})
				for _, a := range items {
					decision := ""
					if a.Decision != nil {
						decision = *a.Decision
					}
					tw.AppendRow(table.Row{a.ID, a.Status, a.Question, decision})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")

	var decision, decidedBy string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				return fmt.Errorf("--decision required")
			}
			return withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
				resolved, err := s.Broker.Resolve(ctx, args[0], decision, decidedBy)
				if err != nil {
					return err
				}
				return printJSONOrTable(resolved)
			})
		},
	}
	resolve.Flags().StringVar(&decision, "decision", "", "decision value")
	resolve.Flags().StringVar(&decidedBy, "by", "cli", "who decided")
	_ = resolve.MarkFlagRequired("decision")

	approval.AddCommand(list)
	approval.AddCommand(resolve)
	return approval
}

func newID() string { return uuid.NewString() }

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
