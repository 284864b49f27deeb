// Package supervisor owns the worker subprocess and its channel.
//
// The supervisor launches the worker with a fresh channel identifier, waits
// for it to connect, watches for unexpected exits, and relaunches crashed
// workers under a bounded restart policy. The channel reference is a
// single-writer, multiple-reader resource: only the launch path and the exit
// handler replace it, always under the supervisor mutex, so a concurrent
// requester either completes against the old (now erroring) connection or
// observes "not connected", never a half-torn-down state.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mattjoyce/sigbridge/internal/channel"
	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/log"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateNotStarted         State = "not_started"
	StateLaunching          State = "launching"
	StateAwaitingConnection State = "awaiting_connection"
	StateReady              State = "ready"
	StateFaulted            State = "faulted"
	// StateDegraded is terminal: the worker kept failing and the supervisor
	// stopped retrying. Requests return nothing until an operator intervenes.
	StateDegraded     State = "degraded"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

const (
	// DefaultConnectTimeout bounds how long a launch waits for the worker to
	// connect back.
	DefaultConnectTimeout = 3000 * time.Millisecond

	// terminationGracePeriod is the time we wait after closing the channel
	// (and again after SIGTERM) before escalating during shutdown.
	terminationGracePeriod = 5 * time.Second
)

// RestartConfig bounds the automatic relaunch behavior. The zero value gets
// sensible defaults from applyDefaults.
type RestartConfig struct {
	// MaxConsecutiveFailures is how many launches in a row may fail to reach
	// ready before the supervisor gives up and goes degraded.
	MaxConsecutiveFailures int
	// BaseDelay is the first relaunch backoff; it doubles per consecutive
	// failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RateEvery and RateBurst feed the restart storm limiter: more than
	// RateBurst relaunches arriving faster than one per RateEvery trips
	// degraded mode even if individual launches succeed briefly.
	RateEvery time.Duration
	RateBurst int
}

// Config configures a Supervisor.
type Config struct {
	// WorkerPath is the worker binary. Launched with the channel identifier
	// as its sole argument.
	WorkerPath     string
	ConnectTimeout time.Duration
	Restart        RestartConfig
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Restart.MaxConsecutiveFailures <= 0 {
		c.Restart.MaxConsecutiveFailures = 5
	}
	if c.Restart.BaseDelay <= 0 {
		c.Restart.BaseDelay = 250 * time.Millisecond
	}
	if c.Restart.MaxDelay <= 0 {
		c.Restart.MaxDelay = 5 * time.Second
	}
	if c.Restart.RateEvery <= 0 {
		c.Restart.RateEvery = time.Second
	}
	if c.Restart.RateBurst <= 0 {
		c.Restart.RateBurst = 5
	}
}

// Supervisor manages one worker process at a time.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	journal *journal.Journal // optional
	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	endpoint  *channel.Endpoint
	conn      *channel.Conn
	cmd       *exec.Cmd
	exited    chan struct{} // closed by the watcher once cmd.Wait returns
	gen       int           // launch generation; stale watchers are ignored
	failures  int           // consecutive launches that never reached ready
	restarts  int           // total automatic relaunches
	startedAt time.Time
}

// New creates a Supervisor. jnl may be nil to disable journaling.
func New(cfg Config, jnl *journal.Journal) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:     cfg,
		logger:  log.WithComponent("supervisor"),
		journal: jnl,
		limiter: rate.NewLimiter(rate.Every(cfg.Restart.RateEvery), cfg.Restart.RateBurst),
		state:   StateNotStarted,
	}
}

// Start launches the worker and blocks until it connects or the launch fails.
// A failed launch leaves the supervisor faulted; requests observe "not
// connected" until a later relaunch succeeds.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateFaulted:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("supervisor: cannot start from state %q", st)
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	return s.launch(ctx)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the current connection, or nil when the worker is not ready.
// Callers must tolerate the returned connection dying underneath them; a
// crashed worker surfaces as read/write errors, never as a blocked call.
func (s *Supervisor) Conn() *channel.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil
	}
	return s.conn
}

// ChannelID returns the identifier of the current channel, if any.
func (s *Supervisor) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return ""
	}
	return s.endpoint.ID()
}

// WorkerPID returns the pid of the current worker process, or zero.
func (s *Supervisor) WorkerPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Restarts returns how many automatic relaunches have happened.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// StartedAt returns when Start was first called.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// launch performs one launch attempt: fresh identifier, listen, spawn, accept.
func (s *Supervisor) launch(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateTerminated || s.state == StateDegraded {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: launch aborted in state %q", s.state)
	}
	s.state = StateLaunching
	s.gen++
	gen := s.gen

	id := channel.NewIdentifier()
	logger := s.logger.With("channel_id", id)
	logger.Info("launching worker", "worker_path", s.cfg.WorkerPath)
	s.record(ctx, journal.KindLaunch, id, 0, "")

	ep, err := channel.Listen(id)
	if err != nil {
		s.state = StateFaulted
		s.mu.Unlock()
		logger.Error("channel listen failed", "error", err)
		return s.failLaunch(ctx, fmt.Errorf("supervisor: listen: %w", err))
	}

	cmd := exec.Command(s.cfg.WorkerPath, id)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SIGBRIDGE_CONNECT_TIMEOUT_MS=%d", s.cfg.ConnectTimeout.Milliseconds()))
	if err := cmd.Start(); err != nil {
		s.state = StateFaulted
		_ = ep.Close()
		s.mu.Unlock()
		logger.Error("worker spawn failed", "error", err)
		return s.failLaunch(ctx, fmt.Errorf("supervisor: spawn worker: %w", err))
	}

	exited := make(chan struct{})
	s.endpoint = ep
	s.cmd = cmd
	s.exited = exited
	s.state = StateAwaitingConnection
	s.mu.Unlock()

	go s.watch(gen, cmd, exited)

	// Accept outside the lock: requesters must see "not connected"
	// immediately while we wait, not block behind the mutex.
	conn, err := ep.AcceptConnection(s.cfg.ConnectTimeout)

	s.mu.Lock()
	if s.gen != gen || s.state != StateAwaitingConnection {
		// Shutdown or a crash won the race while we were accepting.
		st := s.state
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("supervisor: launch superseded in state %q", st)
	}
	if err != nil {
		// Supersede the generation so the watcher's exit notification does
		// not also count this as a crash; this path owns the failure.
		s.gen++
		s.state = StateFaulted
		s.endpoint = nil
		s.cmd = nil
		_ = ep.Close()
		s.mu.Unlock()
		logger.Error("worker never connected", "error", err)
		s.terminateProcess(cmd, exited)
		return s.failLaunch(ctx, fmt.Errorf("supervisor: accept: %w", err))
	}

	s.conn = conn
	s.state = StateReady
	s.failures = 0
	pid := cmd.Process.Pid
	s.mu.Unlock()

	logger.Info("worker connected", "worker_pid", pid)
	s.record(ctx, journal.KindConnected, id, pid, "")
	return nil
}

// failLaunch records a failed launch attempt and decides whether to schedule
// another one.
func (s *Supervisor) failLaunch(ctx context.Context, err error) error {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.record(ctx, journal.KindCrash, "", 0, err.Error())
	s.maybeScheduleRelaunch(failures)
	return err
}

// watch waits for the worker process to exit and routes the notification to
// the handler, unless this launch generation has been superseded.
func (s *Supervisor) watch(gen int, cmd *exec.Cmd, exited chan struct{}) {
	waitErr := cmd.Wait()
	close(exited)
	s.onExit(gen, cmd, waitErr)
}

// onExit is the process-exit notification handler. It is the only writer that
// tears down and replaces the channel reference outside the launch path.
func (s *Supervisor) onExit(gen int, cmd *exec.Cmd, waitErr error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	if s.state == StateShuttingDown || s.state == StateTerminated {
		// Intentional termination; Shutdown owns the rest.
		s.mu.Unlock()
		return
	}

	detail := "exited cleanly"
	if waitErr != nil {
		detail = waitErr.Error()
	} else if cmd.ProcessState != nil {
		detail = cmd.ProcessState.String()
	}

	var id string
	if s.endpoint != nil {
		id = s.endpoint.ID()
	}
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	// Tear down the stale channel atomically. A requester mid-read on the old
	// connection gets an immediate error instead of a hang.
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.endpoint != nil {
		_ = s.endpoint.Close()
		s.endpoint = nil
	}
	s.cmd = nil
	s.state = StateFaulted
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("worker exited unexpectedly", "channel_id", id, "worker_pid", pid, "detail", detail)
	s.record(context.Background(), journal.KindCrash, id, pid, detail)

	s.maybeScheduleRelaunch(failures)
}

// maybeScheduleRelaunch applies the restart policy: bounded consecutive
// failures, rate-limited restart storms, exponential backoff.
func (s *Supervisor) maybeScheduleRelaunch(failures int) {
	if failures > s.cfg.Restart.MaxConsecutiveFailures {
		s.degrade(fmt.Sprintf("%d consecutive launch failures", failures))
		return
	}
	if !s.limiter.Allow() {
		s.degrade("restart storm detected")
		return
	}

	delay := s.backoff(failures)
	s.logger.Info("scheduling worker relaunch", "delay", delay, "consecutive_failures", failures)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != StateFaulted {
			s.mu.Unlock()
			return
		}
		s.restarts++
		s.mu.Unlock()

		s.record(context.Background(), journal.KindRestart, "", 0, "")
		if err := s.launch(context.Background()); err != nil {
			s.logger.Warn("relaunch failed", "error", err)
		}
	})
}

// backoff doubles the base delay per consecutive failure, capped at MaxDelay.
func (s *Supervisor) backoff(failures int) time.Duration {
	delay := s.cfg.Restart.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.cfg.Restart.MaxDelay {
			return s.cfg.Restart.MaxDelay
		}
	}
	return delay
}

// degrade moves the supervisor to the terminal degraded state.
func (s *Supervisor) degrade(reason string) {
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	s.mu.Unlock()

	s.logger.Error("supervisor degraded, no further relaunches", "reason", reason)
	s.record(context.Background(), journal.KindDegraded, "", 0, reason)
}

// Shutdown terminates the worker intentionally. The state moves to shutting
// down before anything else so the exit handler performs zero relaunches.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShuttingDown
	conn := s.conn
	ep := s.endpoint
	cmd := s.cmd
	exited := s.exited
	s.conn = nil
	s.endpoint = nil
	s.cmd = nil
	s.mu.Unlock()

	var id string
	if ep != nil {
		id = ep.ID()
	}
	s.logger.Info("shutting down worker", "channel_id", id)

	// Closing the channel is the polite shutdown signal: the worker's read
	// loop sees end-of-channel and exits 0.
	if conn != nil {
		_ = conn.Close()
	}
	if ep != nil {
		_ = ep.Close()
	}

	if cmd != nil && cmd.Process != nil {
		s.terminateProcess(cmd, exited)
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	s.record(ctx, journal.KindShutdown, id, 0, "")
	return nil
}

// terminateProcess waits for a voluntary exit, then escalates SIGTERM and
// finally SIGKILL.
func (s *Supervisor) terminateProcess(cmd *exec.Cmd, exited chan struct{}) {
	if exited == nil {
		return
	}
	select {
	case <-exited:
		return
	case <-time.After(terminationGracePeriod):
	}

	s.logger.Warn("worker did not exit on channel close, sending SIGTERM")
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(terminationGracePeriod):
	}

	s.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	_ = cmd.Process.Kill()
	<-exited
}

// record journals a lifecycle event when a journal is attached.
func (s *Supervisor) record(ctx context.Context, kind, channelID string, pid int, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, kind, channelID, pid, detail); err != nil {
		s.logger.Warn("journal write failed", "kind", kind, "error", err)
	}
}
