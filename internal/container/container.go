// Package container wires the construction-time dependency graph: Config ->
// Store -> Worker Client -> Queue Engine -> Stem Cache/Fulfiller -> Engine
// Session -> Callback Router -> Worker Supervisor -> HTTP server. No
// singletons; construction order matters because later components hold
// handles to earlier ones.
package container

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/callback"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/enginesession"
	"github.com/veza-dj/control-plane/internal/httpapi"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/queue"
	"github.com/veza-dj/control-plane/internal/stems"
	"github.com/veza-dj/control-plane/internal/store"
	"github.com/veza-dj/control-plane/internal/supervisor"
	"github.com/veza-dj/control-plane/internal/workerclient"
)

// Container holds every long-lived component, assembled once at startup.
type Container struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *store.DB
	worker    *workerclient.Client
	queue     *queue.Engine
	metrics   *monitoring.Metrics
	stemCache *stems.Cache
	fulfiller *stems.Fulfiller
	engine    *enginesession.Session
	router    *callback.Router
	http      *httpapi.Router
	supTree   *supervisor.Tree
	supLog    *os.File
}

// Build constructs every component in dependency order. Callers own the
// returned Container's lifetime and must call Close when done.
func Build(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	db, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	worker := workerclient.New(cfg.Worker, logger.Named("workerclient"))

	metrics := monitoring.New(logger.Named("metrics"))

	callbackURL := fmt.Sprintf("http://localhost:%s/internal/callback", cfg.Server.Port)
	q := queue.New(db.Jobs(), worker, logger.Named("queue"), cfg.Queue, callbackURL)
	q.SetMetrics(metrics)

	if err := os.MkdirAll(cfg.StemCache.RootPath, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stem cache root: %w", err)
	}
	stemCache := stems.NewCache(cfg.StemCache.RootPath, cfg.StemCache.MaxSizeBytes, db.StemSets(), logger.Named("stemcache"))
	stemCache.SetMetrics(metrics)

	fulfiller := stems.NewFulfiller(stemCache, q, db.Tracks(), db.Jobs(), db.Waveforms(), nil, cfg.Worker.UploadTimeout, logger.Named("stemfulfiller"))

	engineSession := enginesession.New(cfg.Engine, db.Tracks(), db.HotCues(), db.DeckStates(), q, fulfiller, logger.Named("enginesession"))
	engineSession.SetMetrics(metrics)
	fulfiller.SetEngineNotifier(engineSession)

	router := callback.New(db.Jobs(), db.Tracks(), db.Waveforms(), q, engineSession, fulfiller, logger.Named("callback"))

	httpRouter := httpapi.New(router, db.Jobs(), metrics, logger.Named("httpapi"))

	var supTree *supervisor.Tree
	var supLog *os.File
	if cfg.Supervisor.Executable != "" {
		logPath := filepath.Join(cfg.Supervisor.WorkingDir, "worker-supervisor.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open supervisor log: %w", err)
		}
		supLog = f
		proc := supervisor.New(cfg.Supervisor, worker, f, logger.Named("supervisor"))
		proc.SetMetrics(metrics)
		supTree = supervisor.NewTree(proc, logger.Named("supervisor"))
	}

	return &Container{
		cfg: cfg, logger: logger,
		db: db, worker: worker, queue: q, metrics: metrics,
		stemCache: stemCache, fulfiller: fulfiller, engine: engineSession,
		router: router, http: httpRouter, supTree: supTree, supLog: supLog,
	}, nil
}

// Run starts every background loop and blocks until ctx is cancelled:
// crash recovery, the Queue Engine scheduler, the Engine Session
// connect/reconnect loop, the stem cache eviction sweep, job history
// cleanup, and (if configured) the Worker Supervisor tree.
func (c *Container) Run(ctx context.Context) error {
	if err := c.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}

	go c.queue.Run(ctx)
	go c.runJobAuditLog(ctx)
	go c.engine.Run(ctx)
	go c.runStemCacheSweep(ctx)
	go c.runHistoryCleanup(ctx)

	if c.cfg.Supervisor.Autostart && c.supTree != nil {
		go func() {
			if err := c.supTree.Run(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("worker supervisor tree exited", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()

	// The scheduling loop has stopped dequeuing; let submissions already on
	// the wire finish before the caller closes the store underneath them.
	if !c.queue.DrainSubmissions(c.cfg.Server.ShutdownTimeout) {
		c.logger.Warn("worker submissions still in flight at shutdown timeout")
	}
	return nil
}

// runJobAuditLog drains the queue's event channel, logging every job
// lifecycle transition with its full state.
func (c *Container) runJobAuditLog(ctx context.Context) {
	audit := c.logger.Named("job-audit")
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.queue.Events():
			fields := []zap.Field{
				zap.String("event", string(evt.Type)),
				zap.Time("at", evt.Timestamp),
			}
			if evt.Job != nil {
				fields = append(fields,
					zap.Int64("job_id", evt.Job.ID),
					zap.String("content_hash", evt.Job.ContentHash),
					zap.String("status", string(evt.Job.Status)),
					zap.String("priority", string(evt.Job.Priority)),
					zap.Int("retry_count", evt.Job.RetryCount),
					zap.Int("progress", evt.Job.Progress()),
				)
			}
			if evt.Err != nil {
				fields = append(fields, zap.Error(evt.Err))
			}
			audit.Info("analysis job transition", fields...)
		}
	}
}

func (c *Container) runStemCacheSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Queue.TickInterval * 12)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.stemCache.EvictSweep(ctx)
		}
	}
}

func (c *Container) runHistoryCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Queue.TickInterval * 120)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.db.Jobs().CleanupOlderThan(ctx, c.cfg.Queue.JobHistoryRetainDays); err != nil {
				c.logger.Warn("job history cleanup failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("cleaned up old job history", zap.Int64("rows", n))
			}
		}
	}
}

// HTTPHandler builds the Gin engine ready to be wrapped in an *http.Server
// by the caller (cmd/controlplane).
func (c *Container) HTTPHandler() http.Handler {
	return c.http.Build(c.cfg.Server.Environment)
}

// Close releases every resource the container owns.
func (c *Container) Close() error {
	if c.supLog != nil {
		c.supLog.Close()
	}
	return c.db.Close()
}
