package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/internal/supervisor"
)

const superviseLogPrefix = "cmd:supervise"

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

// newSupervisor builds a Supervisor from the configured manifest. Components
// without an explicit command re-execute this binary.
func newSupervisor(cfg *config.Config) (*supervisor.Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	m, err := supervisor.LoadManifest(cfg.SupervisorManifest, exe)
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Options{Manifest: m, StateDir: cfg.SupervisorStateDir})
}

func newUpCmd() *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every component and supervise it until interrupted",
		Long: `Starts the components of SUPERVISOR_MANIFEST in order, waiting for each
to report ready before starting the next. Runs until SIGINT or SIGTERM,
then stops every component it started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.SetupLogging()
			return runUp(cmd.Context(), cmd.OutOrStdout(), cfg, stopTimeout)
		},
	}

	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "max wait for every component to stop")
	return cmd
}

func runUp(ctx context.Context, out io.Writer, cfg *config.Config, stopTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := newSupervisor(cfg)
	if err != nil {
		return err
	}

	started, startErr := sup.StartAll(ctx)
	for _, r := range started {
		green.Fprintf(out, "started %s (%s) pid %d handle %s\n", r.Label, r.Name, r.PID, r.Handle)
	}
	if startErr == nil {
		<-ctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutdown requested, stopping components", superviseLogPrefix))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := sup.StopAll(stopCtx)
	sup.Wait()
	return errors.Join(startErr, stopErr)
}

func newStopCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [handle|name|label]",
		Short: "Stop a supervised component",
		Long: `Signals the process group of every recorded component whose handle,
name or label matches. Other components keep running.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all takes no target")
			}
			if !all && len(args) != 1 {
				return errors.New("requires exactly one target (handle, name or label) or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.SetupLogging()
			sup, err := newSupervisor(cfg)
			if err != nil {
				return err
			}
			if all {
				if err := sup.StopAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All components stopped.")
				return nil
			}
			stopped, err := sup.Stop(cmd.Context(), args[0])
			for _, r := range stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s (%s) pid %d\n", r.Label, r.Name, r.PID)
			}
			if errors.Is(err, supervisor.ErrNotRunning) {
				yellow.Fprintf(cmd.ErrOrStderr(), "%s is not running\n", args[0])
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "stop every recorded component")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervised components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sup, err := newSupervisor(cfg)
			if err != nil {
				return err
			}
			statuses, err := sup.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
}

func printStatus(out io.Writer, statuses []supervisor.ComponentStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLABEL\tPID\tHANDLE\tUPTIME\tSTATE")
	for _, st := range statuses {
		pid, uptime := "-", "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		if st.Running && !st.Started.IsZero() {
			uptime = time.Since(st.Started).Truncate(time.Second).String()
		}
		handle := st.Handle
		if handle == "" {
			handle = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Name, st.Label, pid, handle, uptime, stateLabel(st))
	}
	w.Flush()
}

func stateLabel(st supervisor.ComponentStatus) string {
	switch {
	case st.Ready:
		return green.Sprint("ready")
	case st.Running:
		return yellow.Sprint("starting")
	case st.PID > 0:
		return red.Sprint("dead")
	default:
		return "stopped"
	}
}
