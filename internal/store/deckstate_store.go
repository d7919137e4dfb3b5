package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/model"
)

// DeckStateStore persists the two-slot deck/track mapping so it survives a
// control-plane restart. The in-memory copy held by
// Engine Session is the one actually read on the hot path; this store is
// the durable backing for it.
type DeckStateStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Load returns the persisted deck state, defaulting to both decks empty.
func (s *DeckStateStore) Load(ctx context.Context) (*model.DeckState, error) {
	var a, b sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT deck_a, deck_b FROM deck_state WHERE id = 1`)
	if err := row.Scan(&a, &b); err != nil {
		return nil, err
	}
	ds := &model.DeckState{}
	if a.Valid {
		ds.Set(model.DeckA, uint(a.Int64))
	}
	if b.Valid {
		ds.Set(model.DeckB, uint(b.Int64))
	}
	return ds, nil
}

// Save overwrites the persisted deck state with ds.
func (s *DeckStateStore) Save(ctx context.Context, ds *model.DeckState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deck_state SET deck_a = ?, deck_b = ? WHERE id = 1`,
		deckPtrToNull(ds.A), deckPtrToNull(ds.B))
	return err
}

func deckPtrToNull(p *uint) any {
	if p == nil {
		return nil
	}
	return *p
}
