// package main get's the people going
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/larntz/status-dispatch/cmd/controller"
	"github.com/larntz/status-dispatch/cmd/dispatcher"
	"github.com/larntz/status-dispatch/cmd/sweeper"
	"github.com/larntz/status-dispatch/cmd/worker"
	"github.com/larntz/status-dispatch/internal/application"
	"github.com/larntz/status-dispatch/internal/config"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/escalation"
)

func main() {
	log, err := application.NewLogger()
	if err != nil {
		fmt.Println("Unable to setup logger. Exiting...")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = newRootCmd(log).ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error("exiting", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// component is one long running part of the pipeline
type component func(ctx context.Context, app *application.State) error

func newRootCmd(log *zap.Logger) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "status",
		Short:         "Distributed monitor check dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional yaml config file, the environment overrides it")

	load := func(role config.Role, adjust func(*config.Config)) (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if adjust != nil {
			adjust(&cfg)
		}
		return cfg, cfg.Validate(role)
	}

	serve := func(role config.Role, adjust func(*config.Config), parts ...component) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(role, adjust)
			if err != nil {
				return err
			}
			log.Info("Starting", zap.String("role", string(role)), zap.String("region", cfg.Region))
			return run(cmd.Context(), cfg, log, parts...)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "dispatcher",
			Short: "Enqueue check jobs for due monitors",
			Args:  cobra.NoArgs,
			RunE:  serve(config.RoleDispatcher, nil, runDispatcher),
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Consume check jobs and record results",
			Args:  cobra.NoArgs,
			RunE:  serve(config.RoleWorker, nil, runWorker),
		},
		&cobra.Command{
			Use:   "sweeper",
			Short: "Delete expired check results of this region",
			Args:  cobra.NoArgs,
			RunE:  serve(config.RoleSweeper, nil, runSweeper),
		},
		&cobra.Command{
			Use:   "standalone",
			Short: "Run dispatcher, worker and sweeper in one process on embedded storage",
			Args:  cobra.NoArgs,
			RunE:  serve(config.RoleStandalone, (*config.Config).Standalone, runDispatcher, runWorker, runSweeper),
		},
		&cobra.Command{
			Use:   "create-dev-checks <csv>",
			Short: "Create monitors from a rank,domain csv file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load(config.RoleSeed, nil)
				if err != nil {
					return err
				}
				return createDevChecks(cmd.Context(), cfg, log, args[0])
			},
		},
	)
	return root
}

// run connects the shared state and runs parts until ctx is done or one fails.
// The ops server runs alongside when an address is configured.
func run(ctx context.Context, cfg config.Config, log *zap.Logger, parts ...component) error {
	app, err := application.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		part := part
		g.Go(func() error { return part(gctx, app) })
	}
	if cfg.OpsAddr != "" {
		g.Go(func() error { return controller.New(app).StartController(gctx) })
	}
	return g.Wait()
}

func runDispatcher(ctx context.Context, app *application.State) error {
	return dispatcher.New(app).Run(ctx)
}

func runWorker(ctx context.Context, app *application.State) error {
	esc, err := escalation.New(app.Config.SMTP, app.Log.Named("escalation"))
	if err != nil {
		return err
	}
	return worker.FromApp(app, esc).RunWorker(ctx)
}

func runSweeper(ctx context.Context, app *application.State) error {
	return sweeper.New(app).Run(ctx)
}

func createDevChecks(ctx context.Context, cfg config.Config, log *zap.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	db, err := data.Open(ctx, cfg.DB.Driver, cfg.DB.ConnectionString)
	if err != nil {
		return err
	}
	defer db.Disconnect(context.WithoutCancel(ctx))

	_, err = data.CreateDevChecks(ctx, db, f, cfg.Region, cfg.DevCheckInterval, log.With(zap.String("file", path)))
	return err
}
