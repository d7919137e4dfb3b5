package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
)

// HotCueStore persists named cue points per track.
type HotCueStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Put inserts or replaces a cue by (track, index, source) — a user edit on
// the engine overwrites a prior user cue at the same index.
func (s *HotCueStore) Put(ctx context.Context, cue *model.HotCue) error {
	existing, err := s.ByTrackIndexSource(ctx, cue.TrackID, cue.Index, cue.Source)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if existing != nil {
		cue.ID = existing.ID
		_, err := s.db.ExecContext(ctx, `
			UPDATE hot_cues SET position = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			cue.Position, cue.ID)
		if err != nil {
			return fmt.Errorf("update hot cue: %w", err)
		}
		return nil
	}

	if cue.ID == "" {
		cue.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hot_cues (id, track_id, cue_index, position, source) VALUES (?, ?, ?, ?, ?)`,
		cue.ID, cue.TrackID, cue.Index, cue.Position, string(cue.Source))
	if err != nil {
		return fmt.Errorf("insert hot cue: %w", err)
	}
	return nil
}

// ByTrackIndexSource finds the cue at (trackID, index, source), if any — used
// by Put to find the row that a set-cue edit overwrites.
func (s *HotCueStore) ByTrackIndexSource(ctx context.Context, trackID uint, index int, source model.CueSource) (*model.HotCue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, cue_index, position, source, created_at, updated_at
		FROM hot_cues WHERE track_id = ? AND cue_index = ? AND source = ?`, trackID, index, string(source))
	return scanHotCue(row)
}

// ByTrack returns every cue for trackID, ordered by index — used to populate
// getTrackInfo's hotCues[] reply.
func (s *HotCueStore) ByTrack(ctx context.Context, trackID uint) ([]*model.HotCue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, track_id, cue_index, position, source, created_at, updated_at
		FROM hot_cues WHERE track_id = ? ORDER BY cue_index ASC`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query hot cues: %w", err)
	}
	defer rows.Close()

	var out []*model.HotCue
	for rows.Next() {
		c, err := scanHotCue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteByTrackIndexSource removes the cue at (trackID, index, source), used
// by cuePointRemoved.
func (s *HotCueStore) DeleteByTrackIndexSource(ctx context.Context, trackID uint, index int, source model.CueSource) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM hot_cues WHERE track_id = ? AND cue_index = ? AND source = ?`,
		trackID, index, string(source))
	if err != nil {
		return fmt.Errorf("delete hot cue: %w", err)
	}
	return nil
}

func scanHotCue(row rowScanner) (*model.HotCue, error) {
	var (
		c                     model.HotCue
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.TrackID, &c.Index, &c.Position, &c.Source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan hot cue: %w", err)
	}
	if c.CreatedAt, err = parseUTC(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseUTC(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}
