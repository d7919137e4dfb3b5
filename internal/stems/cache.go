// Package stems implements the Stem Cache and the Stem
// Fulfilment pipeline: cache lookup, remote request, parallel
// download, format normalisation, persistent caching, and delivery.
package stems

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/store"
)

// Cache is the content-addressed, on-disk store of normalised stem files.
// Hits are durable across restarts; deletions outside eviction are
// forbidden.
type Cache struct {
	root     string
	maxBytes int64
	store    *store.StemSetStore
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewCache constructs a Cache rooted at root, evicting when total size
// exceeds maxBytes.
func NewCache(root string, maxBytes int64, st *store.StemSetStore, logger *zap.Logger) *Cache {
	return &Cache{root: root, maxBytes: maxBytes, store: st, logger: logger}
}

// SetMetrics wires the Prometheus metrics recorder after construction
// (matching the Fulfiller/EngineSession post-construction-setter idiom used
// to avoid forward references in the container's dependency graph).
func (c *Cache) SetMetrics(m *monitoring.Metrics) {
	c.metrics = m
}

func (c *Cache) dirFor(hash string) string {
	return filepath.Join(c.root, hash[:2], hash)
}

// Get returns the stem set for hash, if present, bumping its LRU access
// time.
func (c *Cache) Get(ctx context.Context, hash string) (*model.StemSet, bool, error) {
	set, err := c.store.ByHash(ctx, hash)
	if err == apperr.ErrNotFound {
		if c.metrics != nil {
			c.metrics.RecordStemCacheMiss()
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stem cache get: %w", err)
	}
	if err := c.store.Touch(ctx, hash); err != nil {
		c.logger.Warn("failed to bump stem cache access time", zap.String("content_hash", hash), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordStemCacheHit()
	}
	return set, true, nil
}

// Set copies the four files at srcPaths (keyed by stem name) into a staging
// directory, atomically renames it into the content-addressed directory for
// hash, then records the set. The source files are left in place. Callers must have already confirmed all four files exist
// and are in the target format.
func (c *Cache) Set(ctx context.Context, hash string, srcPaths map[model.StemName]string) (*model.StemSet, error) {
	if len(srcPaths) != len(model.AllStems) {
		return nil, fmt.Errorf("refusing to cache incomplete stem set for %s", hash)
	}

	destDir := c.dirFor(hash)
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return nil, fmt.Errorf("create stem cache parent dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp(filepath.Dir(destDir), "stageset-*")
	if err != nil {
		return nil, fmt.Errorf("create stem staging dir: %w", err)
	}
	staged := make(map[model.StemName]string, len(model.AllStems))
	for _, name := range model.AllStems {
		src, ok := srcPaths[name]
		if !ok {
			os.RemoveAll(tmpDir)
			return nil, fmt.Errorf("stem set missing %s", name)
		}
		dest := filepath.Join(tmpDir, string(name)+".pcm")
		if err := copyFile(src, dest); err != nil {
			os.RemoveAll(tmpDir)
			return nil, fmt.Errorf("stage stem %s: %w", name, err)
		}
		staged[name] = dest
	}

	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("clear prior stem dir: %w", err)
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("atomic rename stem dir: %w", err)
	}

	finalPaths := make(map[model.StemName]string, len(model.AllStems))
	for _, name := range model.AllStems {
		finalPaths[name] = filepath.Join(destDir, string(name)+".pcm")
	}
	set := &model.StemSet{ContentHash: hash, Paths: finalPaths}
	if err := c.store.Put(ctx, set); err != nil {
		return nil, fmt.Errorf("record stem set: %w", err)
	}

	c.evictIfOverBudget(ctx)
	return set, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// EvictSweep runs the LRU eviction pass.
// It is safe to call on a timer in addition to the on-insert check in Set.
func (c *Cache) EvictSweep(ctx context.Context) {
	c.evictIfOverBudget(ctx)
}

func (c *Cache) evictIfOverBudget(ctx context.Context) {
	total, err := c.totalSize()
	if err != nil {
		c.logger.Warn("failed to compute stem cache size", zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.SetStemCacheBytes(float64(total))
	}
	if total <= c.maxBytes {
		return
	}
	sets, err := c.store.ListLRU(ctx)
	if err != nil {
		c.logger.Warn("failed to list stem sets for eviction", zap.Error(err))
		return
	}
	for _, set := range sets {
		if total <= c.maxBytes {
			return
		}
		dir := c.dirFor(set.ContentHash)
		size, _ := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("eviction: failed to remove stem dir", zap.String("content_hash", set.ContentHash), zap.Error(err))
			continue
		}
		if err := c.store.Delete(ctx, set.ContentHash); err != nil {
			c.logger.Warn("eviction: failed to delete stem set record", zap.String("content_hash", set.ContentHash), zap.Error(err))
		}
		total -= size
		if c.metrics != nil {
			c.metrics.RecordStemCacheEviction()
			c.metrics.SetStemCacheBytes(float64(total))
		}
		c.logger.Info("evicted stem set", zap.String("content_hash", set.ContentHash), zap.Int64("freed_bytes", size))
	}
}

func (c *Cache) totalSize() (int64, error) {
	return dirSize(c.root)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}
