package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
)

// StemSetStore is the database-side record of which content hashes have a
// complete stem set on disk. The authoritative bytes live in the Stem Cache
// directory; this table lets the fulfilment pipeline answer "do we have
// this" without touching the filesystem.
type StemSetStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Put records a complete stem set. Callers must only call this once all four
// files are confirmed written.
func (s *StemSetStore) Put(ctx context.Context, set *model.StemSet) error {
	if !set.Complete() {
		return fmt.Errorf("refusing to persist incomplete stem set for %s", set.ContentHash)
	}
	raw, err := json.Marshal(set.Paths)
	if err != nil {
		return fmt.Errorf("marshal stem paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stem_sets (content_hash, paths) VALUES (?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET paths = excluded.paths`,
		set.ContentHash, string(raw))
	if err != nil {
		return fmt.Errorf("upsert stem set: %w", err)
	}
	return nil
}

// ByHash returns the stem set for hash, if any.
func (s *StemSetStore) ByHash(ctx context.Context, hash string) (*model.StemSet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT paths FROM stem_sets WHERE content_hash = ?`, hash)
	var raw string
	if err := row.Scan(&raw); errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scan stem set: %w", err)
	}
	set := &model.StemSet{ContentHash: hash}
	if err := json.Unmarshal([]byte(raw), &set.Paths); err != nil {
		return nil, fmt.Errorf("unmarshal stem paths: %w", err)
	}
	return set, nil
}

// Delete removes the record for hash — used when the cache evicts the set.
func (s *StemSetStore) Delete(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stem_sets WHERE content_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete stem set: %w", err)
	}
	return nil
}

// Touch bumps the access time for hash, used to drive LRU eviction ordering.
func (s *StemSetStore) Touch(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stem_sets SET accessed_at = CURRENT_TIMESTAMP WHERE content_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("touch stem set: %w", err)
	}
	return nil
}

// ListLRU returns every stem set ordered oldest-accessed first, used by the
// eviction sweep.
func (s *StemSetStore) ListLRU(ctx context.Context) ([]*model.StemSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, paths FROM stem_sets ORDER BY accessed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list stem sets by lru: %w", err)
	}
	defer rows.Close()
	var out []*model.StemSet
	for rows.Next() {
		var hash, raw string
		if err := rows.Scan(&hash, &raw); err != nil {
			return nil, fmt.Errorf("scan stem set: %w", err)
		}
		set := &model.StemSet{ContentHash: hash}
		if err := json.Unmarshal([]byte(raw), &set.Paths); err != nil {
			return nil, fmt.Errorf("unmarshal stem paths: %w", err)
		}
		out = append(out, set)
	}
	return out, rows.Err()
}
