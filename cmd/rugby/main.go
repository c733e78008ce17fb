package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/RugbyTeam/Rugby/internal/service"
)

const envConfig = "RUGBYCONFIG"

var (
	configPath string // actual config file used (if any)
	config     model.Config
	logOut     io.WriteCloser

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is rugby.yaml in current directory, $"+envConfig+" takes precedence")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initRugby
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logOut != nil {
			_ = logOut.Close()
		}
	}

	buildsCmd.AddCommand(buildsListCmd)
	buildsCmd.AddCommand(buildsGetCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(buildsCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("rugby failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rugby",
	Short:        "Continuous integration running builds in vagrant VMs",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of rugby",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("rugby: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("rugby:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initRugby(cmd *cobra.Command, _ []string) error {
	if env, ok := os.LookupEnv(envConfig); ok {
		configPath = env
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if exists("rugby.yaml") {
		configPath = "rugby.yaml"
	}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		configPath = abs
	}

	var err error
	config, err = model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	// a worker process logs into its job log, which is its stderr until
	// the log file is opened
	dest := config.Log
	if cmd.Name() == service.WorkerCommand {
		dest = log.Stderr
	}
	logOut = log.Output(dest)
	slog.SetDefault(log.New(logOut, config.Verbose))

	slog.Debug("rugby run", "configPath", configPath)
	slog.Debug("rugby run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
