package stems

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/store"
)

func newTestCache(t *testing.T, maxBytes int64) (*Cache, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	return NewCache(root, maxBytes, db.StemSets(), zap.NewNop()), db
}

func writeStemSources(t *testing.T, contents map[model.StemName]string) map[model.StemName]string {
	t.Helper()
	dir := t.TempDir()
	out := make(map[model.StemName]string, len(contents))
	for name, body := range contents {
		p := filepath.Join(dir, string(name)+".raw")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		out[name] = p
	}
	return out
}

func TestCacheMissThenSetThenHit(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	ctx := context.Background()
	hash := "hash-one"

	_, hit, err := cache.Get(ctx, hash)
	require.NoError(t, err)
	assert.False(t, hit)

	srcs := writeStemSources(t, map[model.StemName]string{
		model.StemVocals: "vocals-data",
		model.StemDrums:  "drums-data",
		model.StemBass:   "bass-data",
		model.StemOther:  "other-data",
	})
	set, err := cache.Set(ctx, hash, srcs)
	require.NoError(t, err)
	assert.Len(t, set.Paths, 4)
	for _, p := range set.Paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}

	got, hit, err := cache.Get(ctx, hash)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, hash, got.ContentHash)
}

func TestSetRejectsIncompleteStemSet(t *testing.T) {
	cache, _ := newTestCache(t, 1<<30)
	srcs := writeStemSources(t, map[model.StemName]string{
		model.StemVocals: "vocals-data",
		model.StemDrums:  "drums-data",
	})
	_, err := cache.Set(context.Background(), "hash-incomplete", srcs)
	assert.Error(t, err, "a stem set missing any of the four stems must be refused, not partially cached")
}

func TestEvictionRemovesLeastRecentlyUsedSet(t *testing.T) {
	cache, db := newTestCache(t, 1) // budget of 1 byte forces eviction on every insert
	ctx := context.Background()

	for _, hash := range []string{"hash-a", "hash-b"} {
		srcs := writeStemSources(t, map[model.StemName]string{
			model.StemVocals: "vvvvvvvvvv",
			model.StemDrums:  "dddddddddd",
			model.StemBass:   "bbbbbbbbbb",
			model.StemOther:  "oooooooooo",
		})
		_, err := cache.Set(ctx, hash, srcs)
		require.NoError(t, err)
	}

	// The oldest set (hash-a) should have been evicted: with a 1-byte budget
	// every insert pushes the cache over, so it is already gone by the time
	// hash-b has been inserted.
	_, hitA, err := cache.Get(ctx, "hash-a")
	require.NoError(t, err)
	assert.False(t, hitA, "least recently used stem set should have been evicted")

	_, err = db.StemSets().ByHash(ctx, "hash-a")
	assert.Error(t, err)
}
