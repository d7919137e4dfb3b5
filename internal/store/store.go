// Package store is the SQLite persistence layer for tracks, analysis jobs,
// waveforms, stem sets, hot cues, and deck state.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the raw *sql.DB plus the logger shared by every table-specific
// store built on top of it.
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string, logger *zap.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{conn: conn, logger: logger}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Jobs returns the AnalysisJob-backed store.
func (d *DB) Jobs() *JobStore {
	return &JobStore{db: d.conn, logger: d.logger.Named("jobstore")}
}

// Tracks returns the Track-backed store.
func (d *DB) Tracks() *TrackStore {
	return &TrackStore{db: d.conn, logger: d.logger.Named("trackstore")}
}

// Waveforms returns the Waveform-backed store.
func (d *DB) Waveforms() *WaveformStore {
	return &WaveformStore{db: d.conn, logger: d.logger.Named("waveformstore")}
}

// StemSets returns the StemSet-backed store.
func (d *DB) StemSets() *StemSetStore {
	return &StemSetStore{db: d.conn, logger: d.logger.Named("stemsetstore")}
}

// HotCues returns the HotCue-backed store.
func (d *DB) HotCues() *HotCueStore {
	return &HotCueStore{db: d.conn, logger: d.logger.Named("hotcuestore")}
}

// DeckStates returns the DeckState-backed store.
func (d *DB) DeckStates() *DeckStateStore {
	return &DeckStateStore{db: d.conn, logger: d.logger.Named("deckstatestore")}
}
