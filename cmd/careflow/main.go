package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/domain/triage"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/db"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/sweepflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careflow",
		Short: "ED triage case routing and escalation engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(responderCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the in-process escalation sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	e := newEcho(cfg, logger, a)

	// SWEEP_INTERVAL=0 leaves sweeping to `careflow worker`.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.svc.Run(ctx, cfg.SweepInterval)
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-sweepDone
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	cmd.PersistentFlags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, os.DirFS(dir)))
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.SweepEscalations(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker that executes the sweep schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			a, err := buildApp(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := dialTemporal(cfg.TemporalHost, cfg.TemporalNamespace, sweepflow.NewLogger(logger))
			if err != nil {
				return err
			}
			defer c.Close()

			w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
			w.RegisterWorkflow(sweepflow.SweepWorkflow)
			w.RegisterActivity(sweepflow.NewActivities(a.svc))

			logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Msg("worker listening")
			return w.Run(worker.InterruptCh())
		},
	}
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the durable sweep schedule",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sweep schedule workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = cfg.SweepInterval
			}
			iterations, _ := cmd.Flags().GetInt("iterations")

			c, err := dialTemporal(cfg.TemporalHost, cfg.TemporalNamespace, sweepflow.NewLogger(newLogger(cfg)))
			if err != nil {
				return err
			}
			defer c.Close()

			run, err := sweepflow.Start(context.Background(), c, cfg.TemporalTaskQueue, sweepflow.Input{
				Interval:   interval,
				Iterations: iterations,
			})
			if err != nil {
				return fmt.Errorf("start schedule: %w", err)
			}
			fmt.Printf("Sweep schedule running: workflow %s run %s every %s\n", run.GetID(), run.GetRunID(), interval)
			return nil
		},
	}
	startCmd.Flags().Duration("interval", 0, "Time between sweeps (default SWEEP_INTERVAL)")
	startCmd.Flags().Int("iterations", sweepflow.DefaultIterations, "Sweeps per workflow run before continue-as-new")
	cmd.AddCommand(startCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show sweep schedule totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := dialTemporal(cfg.TemporalHost, cfg.TemporalNamespace, sweepflow.NewLogger(newLogger(cfg)))
			if err != nil {
				return err
			}
			defer c.Close()

			state, err := sweepflow.Status(context.Background(), c)
			if err != nil {
				return fmt.Errorf("query schedule: %w", err)
			}
			return printJSON(state)
		},
	})
	return cmd
}

func dialTemporal(host, namespace string, logger sweepflow.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to temporal at %s: %w", host, err)
	}
	return c, nil
}

func responderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Manage the responder roster",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &triage.Responder{}
			r.ID, _ = cmd.Flags().GetString("id")
			r.DisplayName, _ = cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			r.Role = triage.Role(role)
			r.Zone, _ = cmd.Flags().GetString("zone")
			r.Available, _ = cmd.Flags().GetBool("available")
			if err := r.Validate(); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			type upserter interface {
				Upsert(ctx context.Context, r *triage.Responder) error
			}
			var store upserter = a.directory
			if u, ok := a.roster.(upserter); ok {
				store = u
			}
			if err := store.Upsert(ctx, r); err != nil {
				return err
			}
			return printJSON(r)
		},
	}
	addCmd.Flags().String("id", "", "Responder id, as it appears in tokens")
	addCmd.Flags().String("name", "", "Display name")
	addCmd.Flags().String("role", "", "physician, senior_physician or charge_nurse")
	addCmd.Flags().String("zone", "", "ED zone")
	addCmd.Flags().Bool("available", true, "Whether the responder can take cases")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List responders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.roster.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(all)
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			sub, _ := cmd.Flags().GetString("sub")
			rolesRaw, _ := cmd.Flags().GetString("roles")
			zone, _ := cmd.Flags().GetString("zone")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			roles := splitRoles(rolesRaw)
			if sub == "" || len(roles) == 0 {
				return fmt.Errorf("--sub and --roles are required")
			}
			tok, err := auth.IssueToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, cfg.AuthAudience, sub, roles, zone, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "User id")
	cmd.Flags().String("roles", "", "Comma-separated roles")
	cmd.Flags().String("zone", "", "ED zone")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func splitRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
