//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/breeze-rmm/session-monitor/internal/logging"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the session monitor Windows service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// withService connects to the SCM, opens the monitor service and runs fn.
func withService(fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to SCM (run as Administrator): %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(windowsServiceName)
	if err != nil {
		return fmt.Errorf("open service %s: %w", windowsServiceName, err)
	}
	defer s.Close()

	return fn(s)
}

// waitForState polls the service until it reaches want or timeout passes.
func waitForState(s *mgr.Service, want svc.State, timeout time.Duration) bool {
	for deadline := time.Now().Add(timeout); time.Now().Before(deadline); time.Sleep(500 * time.Millisecond) {
		st, err := s.Query()
		if err != nil {
			return false
		}
		if st.State == want {
			return true
		}
	}
	return false
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the monitor as a Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		runArgs := []string{"run"}
		if cfgFile != "" {
			runArgs = append(runArgs, "--config", cfgFile)
		}

		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:  eventSource,
			Description:  "Terminates the robot agent in user sessions that stay locked or disconnect",
			StartType:    mgr.StartAutomatic,
			ErrorControl: mgr.ErrorNormal,
		}, runArgs...)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer s.Close()

		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set recovery actions: %v\n", err)
		}

		if err := logging.InstallEventSource(eventSource); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to register event log source: %v\n", err)
		}

		fmt.Printf("Service %q installed successfully.\n", windowsServiceName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the monitor Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if st, err := s.Query(); err == nil && st.State != svc.Stopped {
				_, _ = s.Control(svc.Stop)
				waitForState(s, svc.Stopped, 15*time.Second)
			}
			if err := s.Delete(); err != nil {
				return fmt.Errorf("delete service: %w", err)
			}
			if err := logging.RemoveEventSource(eventSource); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove event log source: %v\n", err)
			}
			fmt.Printf("Service %q uninstalled.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitor Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if err := s.Start(); err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			if !waitForState(s, svc.Running, 10*time.Second) {
				fmt.Fprintln(os.Stderr, "Warning: service did not report running within 10s")
			}
			fmt.Printf("Service %q started.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the monitor Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if _, err := s.Control(svc.Stop); err != nil {
				return fmt.Errorf("stop service: %w", err)
			}
			fmt.Printf("Service %q stop requested.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the monitor Windows service state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			st, err := s.Query()
			if err != nil {
				return fmt.Errorf("query service: %w", err)
			}
			fmt.Printf("Service %q: %s (pid %d)\n", windowsServiceName, stateName(st.State), st.ProcessId)
			return nil
		})
	},
}

func stateName(s svc.State) string {
	switch s {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "start pending"
	case svc.StopPending:
		return "stop pending"
	case svc.Running:
		return "running"
	case svc.Paused:
		return "paused"
	default:
		return fmt.Sprintf("state %d", s)
	}
}
