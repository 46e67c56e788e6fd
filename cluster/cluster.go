// Package cluster runs the pool across multiple worker processes. The leader
// re-executes its own binary once per worker with an index marker in the
// environment; each worker binds its own listen port and serves an
// independent pool. Workers that exit unexpectedly are restarted with
// backoff until their restart budget is exhausted.
package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentpool/logging"
)

const (
	// WorkerIndexEnv marks a process as worker n. Absent in the leader.
	WorkerIndexEnv = "AGENTPOOL_WORKER_INDEX"
	// WorkerAddrEnv carries the listen address assigned to a worker.
	WorkerAddrEnv = "AGENTPOOL_SERVER_ADDR"

	// DefaultBasePort is the first worker port; worker i binds base+i.
	DefaultBasePort = 9100
	// DefaultMaxRestarts is the consecutive restart budget per worker.
	DefaultMaxRestarts = 5
	// DefaultRestartBackoff is the base delay between restarts; it grows
	// linearly with consecutive failures.
	DefaultRestartBackoff = time.Second

	// stableUptime is how long a worker must run for its restart counter to
	// reset.
	stableUptime = time.Minute
)

// WorkerIndex reports this process's worker index, or false for the leader.
func WorkerIndex() (int, bool) {
	raw, ok := os.LookupEnv(WorkerIndexEnv)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Options configures a Supervisor.
type Options struct {
	Logger logging.Logger
	// Workers is the process count. Zero means one per CPU.
	Workers int
	// BasePort is the first worker listen port.
	BasePort int
	// Command overrides the worker command line. Defaults to re-executing
	// the current binary with its original arguments.
	Command []string
	// Env is appended to each worker's environment after the index and
	// address markers.
	Env []string

	MaxRestarts    int
	RestartBackoff time.Duration
}

// Supervisor forks and supervises the worker processes from the leader.
type Supervisor struct {
	opts   Options
	logger logging.Logger
}

// NewSupervisor builds a supervisor for the given worker count.
func NewSupervisor(optFns ...func(o *Options)) *Supervisor {
	opts := Options{
		BasePort:       DefaultBasePort,
		MaxRestarts:    DefaultMaxRestarts,
		RestartBackoff: DefaultRestartBackoff,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}

	return &Supervisor{
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger).With("component", "cluster"),
	}
}

// Workers returns the configured worker count.
func (s *Supervisor) Workers() int { return s.opts.Workers }

// Run forks the workers and blocks until the context is cancelled or a
// worker exhausts its restart budget. Cancellation terminates the remaining
// workers and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	command := s.opts.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		command = append([]string{exe}, os.Args[1:]...)
	}

	s.logger.Info("starting workers", "count", s.opts.Workers, "base_port", s.opts.BasePort)

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		idx := i
		g.Go(func() error {
			return s.superviseWorker(ctx, idx, command)
		})
	}
	if err := g.Wait(); err != nil && parent.Err() == nil {
		return err
	}
	return nil
}

func (s *Supervisor) superviseWorker(ctx context.Context, idx int, command []string) error {
	logger := s.logger.With("worker", idx)
	restarts := 0

	for {
		started := time.Now()
		err := s.runOnce(ctx, idx, command)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) >= stableUptime {
			restarts = 0
		}
		restarts++
		if restarts > s.opts.MaxRestarts {
			return fmt.Errorf("worker %d exceeded restart budget (%d): %w", idx, s.opts.MaxRestarts, err)
		}

		backoff := time.Duration(restarts) * s.opts.RestartBackoff
		logger.Warn("worker exited, restarting",
			"error", err,
			"restarts", restarts,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, idx int, command []string) error {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", WorkerIndexEnv, idx),
		fmt.Sprintf("%s=:%d", WorkerAddrEnv, s.opts.BasePort+idx),
	)
	cmd.Env = append(cmd.Env, s.opts.Env...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", idx, err)
	}
	s.logger.Info("worker started", "worker", idx, "pid", cmd.Process.Pid, "port", s.opts.BasePort+idx)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("worker %d: %w", idx, err)
	}
	return fmt.Errorf("worker %d exited", idx)
}
