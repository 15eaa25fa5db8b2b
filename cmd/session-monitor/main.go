package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/session-monitor/internal/audit"
	"github.com/breeze-rmm/session-monitor/internal/config"
	"github.com/breeze-rmm/session-monitor/internal/health"
	"github.com/breeze-rmm/session-monitor/internal/logging"
	"github.com/breeze-rmm/session-monitor/internal/monitor"
	"github.com/breeze-rmm/session-monitor/internal/procctl"
	"github.com/breeze-rmm/session-monitor/internal/session"
	"github.com/breeze-rmm/session-monitor/internal/workerpool"
)

// eventSource is the Windows Event Log source the service writes to.
const eventSource = "User Session Monitor"

const shutdownTimeout = 30 * time.Second

var (
	version = "0.1.0"
	cfgFile string
	log     = logging.L("main")
)

var rootCmd = &cobra.Command{
	Use:   "session-monitor",
	Short: "User session lock monitor",
	Long: `session-monitor terminates the robot agent process in a user session that
stays locked longer than the configured grace period, or that disconnects.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		if isWindowsService() {
			return runAsService(func() (*components, error) { return startMonitor(false) })
		}
		return runForeground()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Session Monitor v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions and target processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkStatus(cmd.OutOrStdout())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, e := range cfg.Validate() {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", e)
		}
		out, err := cfg.Render()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is session-monitor.yaml in "+config.ConfigDir()+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config. An unparsable grace period is reported on
// stderr and replaced by the default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	var gpErr *config.GracePeriodError
	if errors.As(err, &gpErr) {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", gpErr)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// components holds everything started by startMonitor so it can be torn
// down in order.
type components struct {
	cfg       *config.Config
	monitor   *monitor.Monitor
	pool      *workerpool.Pool
	audit     *audit.Logger
	health    *health.Monitor
	logFile   *logging.RotatingWriter
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// startMonitor loads the config, sets up logging, audit and the worker
// pool, and creates the monitor. With watch set, a polling detector feeds
// session events; otherwise the caller delivers them (Windows SCM).
func startMonitor(watch bool) (*components, error) {
	cfg, loadErr := config.Load(cfgFile)
	var gpErr *config.GracePeriodError
	if loadErr != nil && !errors.As(loadErr, &gpErr) {
		return nil, fmt.Errorf("failed to load config: %w", loadErr)
	}
	problems := cfg.Validate()

	comps := &components{cfg: cfg}
	comps.logFile = initLogging(cfg)

	if sink, err := logging.OpenEventLog(eventSource); err == nil {
		logging.SetSink(sink)
	} else {
		log.Debug("event log unavailable", logging.KeyError, err.Error())
	}

	if gpErr != nil {
		log.Warn("invalid grace period, using default", logging.KeyError, gpErr.Error())
	}
	for _, p := range problems {
		log.Warn("config validation", logging.KeyError, p.Error())
	}

	if cfg.AuditEnabled {
		al, err := audit.NewLogger(filepath.Join(config.DataDir(), "audit"), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			log.Warn("audit log disabled", logging.KeyError, err.Error())
		} else {
			comps.audit = al
		}
	}
	comps.audit.Log(audit.EventServiceStart, "", map[string]any{"version": version})
	comps.audit.Log(audit.EventConfigLoaded, "", map[string]any{
		"gracePeriodMinutes": cfg.GracePeriodMinutes,
		"targetProcess":      cfg.TargetProcess,
	})

	comps.health = health.NewMonitor()
	comps.pool = workerpool.New(cfg.MaxConcurrentTerminations, cfg.TerminationQueueSize)
	comps.monitor = monitor.New(monitor.Config{
		GracePeriod:   cfg.GracePeriod(),
		TargetProcess: cfg.TargetProcess,
		Processes:     procctl.New(),
		Dispatch:      func(task func()) bool { return comps.pool.Submit(task) },
		Audit:         comps.audit,
		Health:        comps.health,
	})

	if !watch {
		comps.health.Update(health.SessionEvents, health.Healthy, "service control manager")
		return comps, nil
	}

	det := session.NewDetector(cfg.PollInterval())
	if _, err := det.ListSessions(); err != nil {
		if errors.Is(err, session.ErrUnsupported) {
			shutdownMonitor(comps)
			return nil, err
		}
		comps.health.Update(health.SessionEvents, health.Degraded, err.Error())
	} else {
		comps.health.Update(health.SessionEvents, health.Healthy, "polling")
	}

	ctx, cancel := context.WithCancel(context.Background())
	comps.stopWatch = cancel
	comps.watchDone = make(chan struct{})
	go watchSessions(ctx, det, comps)

	return comps, nil
}

func watchSessions(ctx context.Context, det session.Detector, comps *components) {
	defer close(comps.watchDone)
	for evt := range det.WatchSessions(ctx) {
		comps.monitor.HandleSessionEvent(evt)
	}
}

// initLogging applies the log settings. A log file, when configured, gets
// size-based rotation; stdout is kept as well when a console is attached.
func initLogging(cfg *config.Config) *logging.RotatingWriter {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		log.Warn("failed to open log file, logging to stdout", "path", cfg.LogFile, logging.KeyError, err.Error())
		return nil
	}

	var out io.Writer = rw
	if hasConsole() {
		out = io.MultiWriter(os.Stdout, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return rw
}

func runForeground() error {
	comps, err := startMonitor(true)
	if err != nil {
		return err
	}
	log.Info("session monitor started", "version", version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	shutdownMonitor(comps)
	return nil
}

// shutdownMonitor stops event intake first, then cancels the grace timer,
// drains pending terminations and finally closes audit and log outputs.
func shutdownMonitor(comps *components) {
	if comps.stopWatch != nil {
		comps.stopWatch()
		<-comps.watchDone
	}

	comps.monitor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := comps.pool.Shutdown(ctx); err != nil {
		log.Warn("terminations still running at shutdown", logging.KeyError, err.Error())
	}

	log.Info("session monitor stopped",
		"health", comps.health.Summary(),
		"terminations", comps.pool.Stats())

	comps.audit.Log(audit.EventServiceStop, "", nil)
	if err := comps.audit.Close(); err != nil {
		log.Warn("failed to close audit log", logging.KeyError, err.Error())
	}

	logging.SetSink(nil)
	if comps.logFile != nil {
		logging.Init(comps.cfg.LogFormat, comps.cfg.LogLevel, nil)
		comps.logFile.Close()
	}
}

// hasConsole reports whether stdout is connected to a terminal.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func checkStatus(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(w, "Status: Not configured")
		return err
	}
	cfg.Validate()

	fmt.Fprintf(w, "Grace period: %s\n", cfg.GracePeriod())
	fmt.Fprintf(w, "Target process: %s\n", cfg.TargetProcess)

	sessions, err := session.NewDetector(cfg.PollInterval()).ListSessions()
	if err != nil {
		fmt.Fprintf(w, "Sessions: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Sessions: %d\n", len(sessions))
		for _, s := range sessions {
			fmt.Fprintf(w, "  %d\t%s\tremote=%t connected=%t locked=%t\n", s.ID, s.Username, s.Remote, s.Connected, s.Locked)
		}
	}

	procs, err := procctl.New().ListByName(cfg.TargetProcess)
	if err != nil {
		fmt.Fprintf(w, "Processes: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "Processes: %d\n", len(procs))
	for _, p := range procs {
		fmt.Fprintf(w, "  pid %d\t%s\tsession %d\n", p.PID, p.Name, p.SessionID)
	}
	return nil
}
