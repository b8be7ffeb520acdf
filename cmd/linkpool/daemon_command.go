package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"linkpool/internal/daemon"
	"linkpool/internal/daemonctl"
	"linkpool/internal/daemonrun"
)

const daemonBinary = "linkpoold"

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or control the linkpool daemon",
	}
	cmd.AddCommand(newDaemonRunCommand(ctx))
	cmd.AddCommand(newDaemonStartCommand(ctx))
	cmd.AddCommand(newDaemonStopCommand(ctx))
	cmd.AddCommand(newDaemonStatusCommand(ctx))
	cmd.AddCommand(newDaemonJobCommand(ctx))
	return cmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled jobs and status API in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	return cmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	var executable string
	var logLevel string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch linkpoold in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if executable == "" {
				executable, err = resolveDaemonBinary()
				if err != nil {
					return err
				}
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), cfg, executable, daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath(),
				LogLevel:   logLevel,
			}, wait)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&executable, "exec", "", "Path to the linkpoold binary (default: next to linkpool, then PATH)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the daemon")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the status API")
	return cmd
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := daemonctl.StopAndTerminate(cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon killed after %s (pid %d)\n", grace, result.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Time to wait before forcing the daemon down")
	return cmd
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and job history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			status, err := daemonctl.ClientFromConfig(cfg).Status(cmd.Context())
			if err != nil && !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				return err
			}
			if asJSON {
				if status == nil {
					status = &daemon.Status{}
				}
				return writeJSON(cmd, status)
			}
			out := cmd.OutOrStdout()
			w := newStatusWriter(out)
			w.section("Daemon")
			if status == nil {
				w.line("Daemon", statusWarn, "Not running (run `linkpool daemon start`)")
				w.flush()
				return nil
			}
			w.line("Daemon", statusOK, "Running")
			w.line("API", statusInfo, status.APIAddr)
			w.line("Owner", statusInfo, status.Owner)
			w.line("Database", statusInfo, status.DBPath)
			w.flush()
			fmt.Fprintln(out, renderTable([]column{
				textColumn("Job"), textColumn("Schedule"), numberColumn("Runs"), textColumn("Last Run"), textColumn("Result").capped(60),
			}, buildJobRows(status.Jobs)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildJobRows(jobs []daemon.JobStatus) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		schedule := job.Schedule
		if schedule == "" {
			schedule = "manual"
		}
		lastRun := "never"
		if !job.LastRun.IsZero() {
			lastRun = job.LastRun.Local().Format(time.DateTime)
		}
		result := "ok"
		switch {
		case job.Running:
			result = "running"
		case job.Runs == 0:
			result = "-"
		case job.Error != "":
			result = job.Error
		}
		rows = append(rows, []string{job.Name, schedule, strconv.Itoa(job.Runs), lastRun, result})
	}
	return rows
}

func newDaemonJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "job <name>",
		Short:     "Run one daemon job now and wait for it",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{daemon.JobConvert, daemon.JobRepair, daemon.JobDedup, daemon.JobReclaim, daemon.JobRequeue},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := daemonctl.ClientFromConfig(cfg).RunJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s finished\n", args[0])
			return nil
		},
	}
}

func resolveDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), daemonBinary)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(daemonBinary)
	if err != nil {
		return "", fmt.Errorf("locate %s: %w", daemonBinary, err)
	}
	return path, nil
}
