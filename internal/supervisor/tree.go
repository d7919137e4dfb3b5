package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// Tree owns the suture.Supervisor that runs the worker Supervisor service,
// plus the long-interval health monitor that detects a dead worker the tree
// believes is running.
type Tree struct {
	root   *suture.Supervisor
	proc   *Supervisor
	logger *zap.Logger
}

// NewTree constructs a Tree around proc.
func NewTree(proc *Supervisor, logger *zap.Logger) *Tree {
	root := suture.New("worker-supervisor-tree", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn("suture event", zap.String("event", ev.String()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	root.Add(proc)
	return &Tree{root: root, proc: proc, logger: logger}
}

// Run starts the supervisor tree and the health monitor; it blocks until ctx
// is cancelled.
func (t *Tree) Run(ctx context.Context) error {
	go t.monitorHealth(ctx)
	return t.root.Serve(ctx)
}

// Status returns the worker subprocess's current lifecycle state.
func (t *Tree) Status() Status {
	return t.proc.Status()
}

// Restart forces the supervised worker to exit so suture restarts it.
func (t *Tree) Restart() {
	t.proc.Restart()
}

// monitorHealth polls the worker's health endpoint on a long interval and
// forces a restart if a worker believed to be running has gone unhealthy.
func (t *Tree) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(t.proc.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.proc.Status() != StatusRunning {
				continue
			}
			if !t.proc.health.Healthy(ctx) {
				t.logger.Warn("worker supervisor health monitor detected dead worker, forcing restart")
				t.proc.Restart()
			}
		}
	}
}
