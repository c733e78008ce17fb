package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RugbyTeam/Rugby/internal/api"
	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/registry"
	"github.com/RugbyTeam/Rugby/internal/remote"
	"github.com/RugbyTeam/Rugby/internal/service"
	"github.com/RugbyTeam/Rugby/internal/vmconf"
	"github.com/RugbyTeam/Rugby/internal/worker"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the supervisor and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var flagLogPath string // value of _worker --log

var workerCmd = &cobra.Command{
	Use:    service.WorkerCommand,
	Short:  "internal command",
	Args:   cobra.NoArgs,
	RunE:   doWorker,
	Hidden: true,
}

func init() {
	workerCmd.Flags().StringVar(&flagLogPath, "log", "", "job log")
	_ = workerCmd.MarkFlagRequired("log")
}

func doRun(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("rugby",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	if err := os.MkdirAll(config.RootDir, 0o755); err != nil {
		return fmt.Errorf("creating root directory: %w", err)
	}
	reg, err := registry.Open(ctx, config.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = reg.Close()
	}()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating rugby binary: %w", err)
	}
	spawner := service.ExecSpawner{
		Path:   exe,
		Args:   workerArgs(),
		LogDir: config.LogDir(),
	}
	supervisor := service.NewSupervisor(spawner, reg, config.PollInterval)

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           api.New(reg, supervisor).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", config.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// workerArgs passes the configuration down to worker processes.
func workerArgs() []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if config.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

func doWorker(cmd *cobra.Command, _ []string) error {
	p := worker.Process{
		Stdin:   os.Stdin,
		Channel: os.NewFile(service.ChannelFD, "channel"),
		LogPath: flagLogPath,
		Verbose: config.Verbose,
	}
	opts := worker.Options{
		RootDir:   config.BuildsDir(),
		SourceDir: config.SourceDir,
		Password:  config.SSH.Password,
	}
	deps := worker.Deps{
		Loader: vmconf.Loader{
			SiteYML:  config.Vagrant.SiteYML,
			Box:      config.Vagrant.Box,
			Template: config.Vagrant.Template,
		},
		VMs:  worker.VagrantFactory(config.Vagrant.Binary),
		Exec: remote.SSH{Timeout: config.SSH.Timeout},
	}
	return worker.RunProcess(cmd.Context(), p, opts, deps)
}
