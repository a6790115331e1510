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

	"genesis/internal/agent"
	"genesis/internal/app"
	"genesis/internal/config"
	"genesis/internal/db"
	"genesis/internal/migrate"
	"genesis/internal/publish"
	"genesis/internal/server"
	"genesis/internal/world"
)

var rootCmd = &cobra.Command{
	Use:   "gn",
	Short: "Genesis CLI",
	Long: `Genesis runs a small closed token economy.
Core concepts:
- Citizens: agents with a token balance; they speak, work, vote, trade.
- Survival: each day costs tokens; a citizen at zero hibernates.
- Treasury: the world's seed fund; it pays for completed needs.
- Needs: the daily task market where citizens compete for rewards.
- Plaza: the public message board every citizen sees.
- Chronicle: the append-only record of everything that happens.
A day runs in rounds: needs open, citizens act, submissions are judged,
survival cost is charged, the day is archived.`,
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
	viper.SetEnvPrefix("GENESIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("citizen", "", "citizen id acting through the CLI")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("citizen", rootCmd.PersistentFlags().Lookup("citizen"))
}

func registerCommands() {
	rootCmd.AddCommand(worldCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(citizenCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(speakCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(needCmd())
	rootCmd.AddCommand(plazaCmd())
	rootCmd.AddCommand(chronicleCmd())
	rootCmd.AddCommand(treasuryCmd())
	rootCmd.AddCommand(outputCmd())
	rootCmd.AddCommand(incomeCmd())
	rootCmd.AddCommand(serveCmd())
}

func worldCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "world", Short: "Manage the world"}
	cmd.AddCommand(worldInitCmd())
	cmd.AddCommand(worldRunCmd())
	cmd.AddCommand(worldDaemonCmd())
	cmd.AddCommand(worldConfigCmd())
	return cmd
}

func worldInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Genesis: create the world, seed the treasury, register citizens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Init(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(wr)
			})
		},
	}
}

func worldRunCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more full days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				if _, err := w.Init(ctx); err != nil {
					return err
				}
				summaries, err := w.RunDays(ctx, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(summaries)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "number of days to run")
	return cmd
}

func worldDaemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run days continuously on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				if _, err := w.Init(ctx); err != nil {
					return err
				}
				fmt.Printf("daemon running, one day every %s\n", interval)
				err := w.Daemon(ctx, interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "time between days")
	return cmd
}

func worldConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage world config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				return printJSONOrTable(w.Config)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default genesis.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.GenerateDefault(workspace); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "World status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				treasury, err := w.Ledger.TreasuryStatus(ctx)
				if err != nil {
					return err
				}
				active, err := w.Ledger.ActiveCount(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"day":             wr.Day,
					"status":          wr.Status,
					"active_citizens": active,
					"treasury":        treasury,
				})
			})
		},
	}
}

func citizenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "citizen", Short: "Manage citizens"}
	cmd.AddCommand(citizenListCmd())
	cmd.AddCommand(citizenShowCmd())
	cmd.AddCommand(citizenRegisterCmd())
	return cmd
}

func citizenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List citizens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				citizens, err := w.Ledger.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(citizens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Balance", "Earned", "Spent", "Status"})
				for _, c := range citizens {
					tw.AppendRow(table.Row{c.ID, c.Balance, c.TotalEarned, c.TotalSpent, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func citizenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <citizen-id>",
		Short: "Show one citizen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				c, err := w.Ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func citizenRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <citizen-id>",
		Short: "Register a citizen with the starting balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				c, err := w.Ledger.Register(ctx, args[0], wr.Day)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func payCmd() *cobra.Command {
	var to, reason string
	var amount int
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Transfer tokens to another citizen",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := requireCitizen()
			if err != nil {
				return err
			}
			if to == "" || amount <= 0 {
				return fmt.Errorf("--to and a positive --amount are required")
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				res, err := w.Ledger.Pay(ctx, from, to, amount, reason, wr.Day)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "receiving citizen id")
	cmd.Flags().IntVar(&amount, "amount", 0, "tokens to transfer")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the transfer")
	return cmd
}

func speakCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speak <message>",
		Short: "Post a message on the plaza",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			citizenID, err := requireCitizen()
			if err != nil {
				return err
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				msg, err := w.Plaza.Speak(ctx, citizenID, strings.Join(args, " "), wr.Day)
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var needID, content, file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit work on an open need",
		RunE: func(cmd *cobra.Command, args []string) error {
			citizenID, err := requireCitizen()
			if err != nil {
				return err
			}
			if needID == "" {
				return fmt.Errorf("--need is required")
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			if content == "" {
				return fmt.Errorf("--content or --file is required")
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				sub, err := w.Market.Submit(ctx, needID, wr.Day, citizenID, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	cmd.Flags().StringVar(&content, "content", "", "submission content")
	cmd.Flags().StringVar(&file, "file", "", "read submission content from a file")
	return cmd
}

func voteCmd() *cobra.Command {
	var needID, candidate string
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Vote for the best submission on a need",
		RunE: func(cmd *cobra.Command, args []string) error {
			citizenID, err := requireCitizen()
			if err != nil {
				return err
			}
			if needID == "" || candidate == "" {
				return fmt.Errorf("--need and --candidate are required")
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				if err := w.Market.Vote(ctx, needID, wr.Day, citizenID, candidate); err != nil {
					return err
				}
				fmt.Printf("vote counted: %s -> %s on %s\n", citizenID, candidate, needID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&needID, "need", "", "need id")
	cmd.Flags().StringVar(&candidate, "candidate", "", "citizen whose submission you back")
	return cmd
}

func needCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "need", Short: "Inspect the task market"}
	cmd.AddCommand(needListCmd())
	cmd.AddCommand(needShowCmd())
	cmd.AddCommand(needHistoryCmd())
	return cmd
}

func needListCmd() *cobra.Command {
	var day int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				d, err := resolveDay(ctx, w, day)
				if err != nil {
					return err
				}
				needs, err := w.Market.OpenNeeds(ctx, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(needs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Day", "Title", "Reward", "Status", "External"})
				for _, n := range needs {
					tw.AppendRow(table.Row{n.ID, n.Day, n.Title, n.Reward, n.Status, n.External})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&day, "day", 0, "day (defaults to today)")
	return cmd
}

func needShowCmd() *cobra.Command {
	var day int
	cmd := &cobra.Command{
		Use:   "show <need-id>",
		Short: "Show a need with submissions and votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				d, err := resolveDay(ctx, w, day)
				if err != nil {
					return err
				}
				need, err := w.Market.GetNeed(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printJSONOrTable(need)
			})
		},
	}
	cmd.Flags().IntVar(&day, "day", 0, "day (defaults to today)")
	return cmd
}

func needHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				needs, err := w.Market.History(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(needs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Day", "Status", "Winner", "Reward"})
				for _, n := range needs {
					winner := ""
					if n.WinnerID != nil {
						winner = *n.WinnerID
					}
					tw.AppendRow(table.Row{n.ID, n.Day, n.Status, winner, n.Reward})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "number of needs")
	return cmd
}

func plazaCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "plaza",
		Short: "Show the latest plaza messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				msgs, err := w.Plaza.Recent(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					fmt.Printf("[D%d] %s: %s\n", m.Day, m.CitizenID, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 10, "number of messages")
	return cmd
}

func chronicleCmd() *cobra.Command {
	var day, limit int
	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Read the chronicle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				if day > 0 {
					events, err := w.Chronicle.Day(ctx, day)
					if err != nil {
						return err
					}
					return printJSONOrTable(events)
				}
				events, err := w.Chronicle.Tail(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&day, "day", 0, "show one day")
	cmd.Flags().IntVar(&limit, "n", 20, "number of events")
	return cmd
}

func treasuryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treasury",
		Short: "Treasury status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				status, err := w.Ledger.TreasuryStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	var limit int
	log := &cobra.Command{
		Use:   "log",
		Short: "Treasury audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				entries, err := w.Ledger.TreasuryLog(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	log.Flags().IntVar(&limit, "n", 50, "number of entries")
	cmd.AddCommand(log)
	return cmd
}

func outputCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "output", Short: "External outputs"}
	var outputType, title, path string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an output produced for the outside world",
		RunE: func(cmd *cobra.Command, args []string) error {
			citizenID, err := requireCitizen()
			if err != nil {
				return err
			}
			if outputType == "" || title == "" {
				return fmt.Errorf("--type and --title are required")
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				out, err := w.External.RegisterOutput(ctx, citizenID, outputType, title, path, wr.Day)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	register.Flags().StringVar(&outputType, "type", "", "output type")
	register.Flags().StringVar(&title, "title", "", "output title")
	register.Flags().StringVar(&path, "path", "", "content path")
	cmd.AddCommand(register)

	var limit int
	var citizen string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				outs, err := w.External.Outputs(ctx, citizen, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(outs)
			})
		},
	}
	list.Flags().IntVar(&limit, "n", 50, "number of outputs")
	list.Flags().StringVar(&citizen, "of", "", "filter by citizen id")
	cmd.AddCommand(list)
	return cmd
}

func incomeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "income", Short: "External income"}
	var amount int
	var source string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record external income; the treasury takes its tax cut",
		RunE: func(cmd *cobra.Command, args []string) error {
			citizenID, err := requireCitizen()
			if err != nil {
				return err
			}
			if amount <= 0 || source == "" {
				return fmt.Errorf("a positive --amount and --source are required")
			}
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				wr, err := w.Current(ctx)
				if err != nil {
					return err
				}
				entry, err := w.External.RecordIncome(ctx, citizenID, amount, source, wr.Day)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	record.Flags().IntVar(&amount, "amount", 0, "tokens earned outside")
	record.Flags().StringVar(&source, "source", "", "where the income came from")
	cmd.AddCommand(record)

	var limit int
	log := &cobra.Command{
		Use:   "log",
		Short: "List income entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				entries, err := w.External.IncomeLog(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	log.Flags().IntVar(&limit, "n", 50, "number of entries")
	cmd.AddCommand(log)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorld(cmd.Context(), func(ctx context.Context, w *world.World) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GENESIS_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GENESIS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{World: w, BasePath: basePath, Auth: authCfg})
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
				fmt.Printf("Serving Genesis API on http://%s%s\n", addr, basePath)
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

func withWorld(ctx context.Context, fn func(context.Context, *world.World) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(ctx, conn, workspace)
	if err != nil {
		return err
	}

	var decider agent.Decider = agent.NullDecider{}
	if len(cfg.Agents.Command) > 0 {
		decider = agent.ExecDecider{
			Command:       cfg.Agents.Command,
			SessionPrefix: cfg.Agents.SessionPrefix,
			Timeout:       time.Duration(cfg.Agents.DecideTimeout) * time.Second,
		}
	}
	pub := publish.NewMarkdown(cfg.OutputDir(workspace))
	return fn(ctx, world.New(conn, cfg, decider, pub))
}

func resolveDay(ctx context.Context, w *world.World, override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	wr, err := w.Current(ctx)
	if err != nil {
		return 0, err
	}
	return wr.Day, nil
}

func requireCitizen() (string, error) {
	id := viper.GetString("citizen")
	if id == "" {
		return "", fmt.Errorf("--citizen is required (or set GENESIS_CITIZEN)")
	}
	return id, nil
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
