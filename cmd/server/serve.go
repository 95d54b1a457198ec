package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/ptcgate/pkg/config"
	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/ptc"
	"github.com/rhuss/ptcgate/pkg/sandbox"
	"github.com/rhuss/ptcgate/pkg/sandbox/docker"
	"github.com/rhuss/ptcgate/pkg/storage"
	"github.com/rhuss/ptcgate/pkg/storage/memory"
	"github.com/rhuss/ptcgate/pkg/storage/postgres"
	transporthttp "github.com/rhuss/ptcgate/pkg/transport/http"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec, rt, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	journal, err := newJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer journal.Close()

	ptcCfg, err := ptc.FromConfig(cfg.PTC)
	if err != nil {
		return err
	}
	orch := ptc.New(ptcCfg, exec, journal)

	if cfg.PTC.Enabled {
		info, err := rt.Info(ctx)
		if err != nil {
			slog.Warn("container runtime not reachable, sessions will fail until it is", "error", err.Error())
		} else {
			slog.Info("container runtime", "name", info.Name, "version", info.Version, "os", info.OS)
		}
	} else {
		slog.Info("programmatic tool calling is disabled")
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	srv := transporthttp.NewServer(orch,
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithMetricsPath(metricsPath),
	)

	serveErr := srv.ListenAndServe(ctx)

	// The HTTP server has drained; retire what is left.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orch.Close(closeCtx); err != nil {
		slog.Error("releasing sandboxes", "error", err.Error())
	}
	return serveErr
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)
	debug.Log("config", "configuration loaded", "port", cfg.Server.Port, "ptc_enabled", cfg.PTC.Enabled, "journal", cfg.Journal.Type)
	return cfg, nil
}

func newExecutor(cfg *config.Config) (*sandbox.Executor, sandbox.Runtime, error) {
	rt, err := docker.New(docker.Config{
		Host:         cfg.PTC.Sandbox.DockerHost,
		PullPolicy:   cfg.PTC.Sandbox.PullPolicy,
		RegistryAuth: cfg.PTC.Sandbox.RegistryAuth,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating docker runtime: %w", err)
	}
	return sandbox.NewExecutor(rt, cfg.PTC.Sandbox.User), rt, nil
}

func newJournal(ctx context.Context, cfg config.JournalConfig) (storage.Journal, error) {
	switch cfg.Type {
	case "postgres":
		j, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MigrateOnStart:  cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("creating postgres journal: %w", err)
		}
		slog.Info("session journal", "type", "postgres")
		return j, nil
	default:
		slog.Info("session journal", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	}
}
