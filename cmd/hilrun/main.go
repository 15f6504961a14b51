package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dutlab/hilrun/internal/history"
	"github.com/dutlab/hilrun/internal/log"
	"github.com/dutlab/hilrun/internal/model"
	"github.com/dutlab/hilrun/internal/supervise"
	"github.com/dutlab/hilrun/internal/worker"
)

var (
	userConfigPath string // /default/config/path/hilrun on given OS
	configPath     string // actual config file used (if loaded)
	config         *model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagWorkload   string
	flagReportBase string
	flagAuxLog     string
	flagState      string
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "hilrun")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is hilrun.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	workerCmd.Flags().StringVar(&flagWorkload, "workload", "", "workload identifier")
	workerCmd.Flags().StringVar(&flagReportBase, "report-base", "", "directory to create the report directory under")
	workerCmd.Flags().StringVar(&flagAuxLog, "aux-log", "", "path of the auxiliary log file")
	workerCmd.Flags().StringVar(&flagState, "state", "", "path of the completed-loop counter file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initHilrun

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("hilrun failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "hilrun",
	Short:        "Controller driving hardware-in-the-loop test workloads",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <workload-id>",
	Short: "run supervises one workload run according to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of hilrun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("hilrun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("hilrun: %s\n", info.Main.Version)
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

func doWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if flagWorkload == "" {
		return fmt.Errorf("missing --workload")
	}
	attrs := slog.Group("hilrun",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	code := worker.Main(ctx, worker.Params{
		WorkloadID: flagWorkload,
		ReportBase: flagReportBase,
		AuxLogPath: flagAuxLog,
		StatePath:  flagState,
		Stability:  config.Stability,
		Registry:   worker.NewRegistry(),
	}, os.Stdout)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workloadID := args[0]

	attrs := slog.Group("hilrun",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	sup, err := supervisorFromConfig(ctx, config.Service)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		slog.InfoContext(ctx, "signal received, stopping run")
		sup.Stop()
		cancel()
	}()

	if config.Service.Mode != model.ServiceModeTimer {
		code := runOnce(ctx, sup, workloadID)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	}

	trigger := make(chan struct{}, 1)
	sched, err := supervise.NewScheduler(ctx, config.Service.Schedule, func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("timer mode failed: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			code := runOnce(ctx, sup, workloadID)
			slog.InfoContext(ctx, "scheduled run finished", "exit_code", code)
		}
	}
}

func runOnce(ctx context.Context, sup *supervise.Supervisor, workloadID string) int {
	if err := sup.Start(ctx, workloadID); err != nil {
		slog.ErrorContext(ctx, "starting run", "err", err)
		return 1
	}
	for u := range sup.Updates() {
		switch u.Kind {
		case supervise.UpdateLog:
			fmt.Println(u.Line)
		case supervise.UpdateProgress:
			fmt.Printf("progress: %d%%\n", u.Percent)
		case supervise.UpdateETA:
			fmt.Printf("eta: %s\n", u.ETA.Round(time.Second))
		case supervise.UpdateReportDir:
			fmt.Printf("report directory: %s\n", u.Path)
		}
	}
	return sup.Wait()
}

func supervisorFromConfig(ctx context.Context, svc model.Service) (*supervise.Supervisor, error) {
	opts := supervise.Options{
		Logger:  slog.Default(),
		Verbose: svc.Verbose != nil && *svc.Verbose,
	}
	if svc.ReportDir != nil {
		opts.ReportBase = *svc.ReportDir
	}
	opts.StateDir = filepath.Join(userConfigPath, "state")

	if svc.History != nil {
		db, err := history.InitDB(ctx, *svc.History)
		if err != nil {
			return nil, fmt.Errorf("opening history database: %w", err)
		}
		opts.HistoryDB = db
	}
	return supervise.New(opts), nil
}

func initHilrun(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("HILRUNCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "hilrun.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		def := model.DefaultConfig()
		config = &def
		configPath = filepath.Join(userConfigPath, "hilrun.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// workload command sections are read through viper
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	// --verbose has a precedence over config file
	verbose := flagVerbose
	if config.Service.Verbose != nil && *config.Service.Verbose {
		verbose = true
	}

	slog.SetDefault(log.New(verbose))

	slog.Debug("hilrun", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
