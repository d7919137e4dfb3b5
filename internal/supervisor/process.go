// Package supervisor implements the Worker Supervisor: spawn,
// readiness probe, crash-restart with windowed rate limit, log capture, and
// health monitoring for the colocated worker subprocess.
//
// suture handles restart backoff; the hard restart cap and quiet window are
// layered on top, since suture alone restarts indefinitely.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/monitoring"
)

// Status is the externally-visible lifecycle state of the supervised
// subprocess.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusGaveUp   Status = "gave_up"
)

// HealthProbe is the subset of internal/workerclient.Client the supervisor
// depends on for both readiness and liveness checks.
type HealthProbe interface {
	Healthy(ctx context.Context) bool
}

// Supervisor manages the colocated worker subprocess as a suture.Service.
// It is both the suture.Service implementation and the start/stop/restart/
// status control surface.
type Supervisor struct {
	cfg    config.SupervisorConfig
	health HealthProbe
	logger *zap.Logger
	logFile *os.File

	mu          sync.Mutex
	status      Status
	cmd         *exec.Cmd
	restartCount int
	windowStart time.Time

	metrics *monitoring.Metrics
}

// SetMetrics wires the Prometheus metrics recorder after construction
// (matching the Fulfiller/Cache/Session post-construction-setter idiom).
func (s *Supervisor) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// New constructs a Supervisor. logFile receives append-only stdout/stderr
// with header markers per restart.
func New(cfg config.SupervisorConfig, health HealthProbe, logFile *os.File, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		health:  health,
		logFile: logFile,
		logger:  logger,
		status:  StatusStopped,
	}
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetWorkerSupervisorUp(st == StatusRunning)
	}
}

// String implements fmt.Stringer so suture can identify this service in
// event logs.
func (s *Supervisor) String() string {
	return "worker-supervisor"
}

// Serve implements suture.Service: spawn the worker, wait for it to exit or
// ctx to cancel, and report a restartable error on unexpected exit. Suture
// drives timing (backoff, failure threshold); Serve itself enforces the
// hard restart cap by returning suture.ErrDoNotRestart once exceeded.
func (s *Supervisor) Serve(ctx context.Context) error {
	if s.cfg.Executable == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	if giveUp := s.checkRestartBudget(); giveUp {
		s.setStatus(StatusGaveUp)
		s.logger.Error("worker supervisor giving up after exceeding restart cap",
			zap.Int("max_restarts", s.cfg.MaxRestarts))
		return suture.ErrDoNotRestart
	}

	s.setStatus(StatusStarting)
	if err := s.spawn(ctx); err != nil {
		s.setStatus(StatusCrashed)
		return fmt.Errorf("spawn worker: %w", err)
	}

	if !s.waitReady(ctx) {
		s.terminate()
		s.setStatus(StatusCrashed)
		return fmt.Errorf("%w: worker did not become healthy within startup timeout", apperr.ErrSubprocessCrash)
	}
	s.setStatus(StatusRunning)
	s.logger.Info("worker subprocess ready")

	return s.waitForExit(ctx)
}

// checkRestartBudget applies the quiet-window reset and hard cap.
func (s *Supervisor) checkRestartBudget() (giveUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) > s.cfg.QuietWindow {
		s.restartCount = 0
		s.windowStart = now
	}
	if s.restartCount >= s.cfg.MaxRestarts {
		return true
	}
	s.restartCount++
	return false
}

func (s *Supervisor) spawn(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Executable)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = os.Environ()
	cmd.Stdin = nil

	fmt.Fprintf(s.logFile, "\n===== worker start %s =====\n", time.Now().UTC().Format(time.RFC3339))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	go copyLines(s.logFile, stdout, "stdout")
	go copyLines(s.logFile, stderr, "stderr")

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	return nil
}

func copyLines(dst *os.File, src io.Reader, tag string) {
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		fmt.Fprintf(dst, "[%s] %s\n", tag, scanner.Text())
	}
}

// waitReady polls the health endpoint until ready or startup timeout.
func (s *Supervisor) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if s.health.Healthy(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return false
}

func (s *Supervisor) waitForExit(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		s.terminate()
		<-done
		s.setStatus(StatusStopped)
		return ctx.Err()
	case err := <-done:
		fmt.Fprintf(s.logFile, "===== worker exit %s: %v =====\n", time.Now().UTC().Format(time.RFC3339), err)
		s.setStatus(StatusCrashed)
		return fmt.Errorf("%w: %v", apperr.ErrSubprocessCrash, err)
	}
}

// terminate sends SIGTERM, escalating to SIGKILL if the process is still
// alive after the grace period.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}
}

// Restart forces the current subprocess to exit, letting the owning suture
// supervisor's restart policy bring it back up.
func (s *Supervisor) Restart() {
	s.terminate()
}
