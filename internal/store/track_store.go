package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
)

// TrackStore is typed persistence for track metadata and derived audio
// features. Rows are keyed by ID and also looked up by content hash;
// duplicate files get separate rows that share one hash.
type TrackStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// Create inserts a new track row. The content hash is immutable once set; a
// row must exist before any derived feature can be stored against it.
func (s *TrackStore) Create(ctx context.Context, t *model.Track) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (content_hash, path, size, last_modified, title, artist, album,
			album_artist, genre, year, track_number, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ContentHash, t.Path, t.Size, nullableTime(t.LastModified),
		t.Title, t.Artist, t.Album, t.AlbumArtist, t.Genre, t.Year, t.TrackNumber, t.Comment)
	if err != nil {
		return fmt.Errorf("insert track: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("track insert id: %w", err)
	}
	t.ID = uint(id)
	return nil
}

// ByContentHash returns the track row matching hash, if any.
func (s *TrackStore) ByContentHash(ctx context.Context, hash string) (*model.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE content_hash = ?`, hash)
	return scanTrack(row)
}

// ByID returns the track row with the given ID.
func (s *TrackStore) ByID(ctx context.Context, id uint) (*model.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id)
	return scanTrack(row)
}

// beatsToString/stringToBeats serialise ordered float sequences as a
// comma-joined string — simple enough not to warrant a JSON column, and
// queryable with LIKE for debugging.
func beatsToString(beats []float64) string {
	if len(beats) == 0 {
		return ""
	}
	parts := make([]string, len(beats))
	for i, b := range beats {
		parts[i] = strconv.FormatFloat(b, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func stringToBeats(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// BasicFeatures is the subset of Track fields produced by the basic_features
// analysis stage, after tolerant field-name aliasing has been resolved by
// the Callback Router.
type BasicFeatures struct {
	Tempo             float64
	MusicalKey        int
	Mode              int
	TimeSignature     string
	Beats             []float64
	Downbeats         []float64
	FirstBeatOffset   float64
	FirstPhraseBeatNo int
	AudibleStartTime  float64
	AudibleEndTime    float64
}

// ApplyBasicFeatures persists the tempo/key/beat fields delivered by the
// basic_features callback stage.
func (s *TrackStore) ApplyBasicFeatures(ctx context.Context, trackID uint, f BasicFeatures) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracks SET tempo = ?, musical_key = ?, mode = ?, time_signature = ?,
			beats = ?, downbeats = ?, first_beat_offset = ?, first_phrase_beat_no = ?,
			audible_start_time = ?, audible_end_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		f.Tempo, f.MusicalKey, f.Mode, f.TimeSignature,
		beatsToString(f.Beats), beatsToString(f.Downbeats), f.FirstBeatOffset, f.FirstPhraseBeatNo,
		f.AudibleStartTime, f.AudibleEndTime, trackID)
	if err != nil {
		return fmt.Errorf("apply basic features: %w", err)
	}
	return nil
}

// Characteristics is the subset of Track fields produced by the
// characteristics analysis stage.
type Characteristics struct {
	Danceability      bool
	Acousticness      bool
	Instrumentalness  bool
	Valence           float64
	Arousal           float64
	Energy            float64
	Loudness          float64
	SpectralCentroid  float64
	SpectralRolloff   float64
	SpectralBandwidth float64
	ZeroCrossingRate  float64
	AnalysisVersion   string
}

// ApplyCharacteristics persists the characteristics stage's fields and stamps
// the analysis timestamp.
func (s *TrackStore) ApplyCharacteristics(ctx context.Context, trackID uint, c Characteristics) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracks SET danceability = ?, acousticness = ?, instrumentalness = ?,
			valence = ?, arousal = ?, energy = ?, loudness = ?, spectral_centroid = ?,
			spectral_rolloff = ?, spectral_bandwidth = ?, zero_crossing_rate = ?,
			analysis_timestamp = CURRENT_TIMESTAMP, analysis_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		boolToInt(c.Danceability), boolToInt(c.Acousticness), boolToInt(c.Instrumentalness),
		c.Valence, c.Arousal, c.Energy, c.Loudness, c.SpectralCentroid, c.SpectralRolloff,
		c.SpectralBandwidth, c.ZeroCrossingRate, c.AnalysisVersion, trackID)
	if err != nil {
		return fmt.Errorf("apply characteristics: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const trackColumns = `id, content_hash, path, size, last_modified, title, artist, album,
	album_artist, genre, year, track_number, comment, tempo, musical_key, mode, time_signature,
	beats, downbeats, first_beat_offset, first_phrase_beat_no, audible_start_time, audible_end_time,
	danceability, acousticness, instrumentalness, valence, arousal, energy, loudness,
	spectral_centroid, spectral_rolloff, spectral_bandwidth, zero_crossing_rate,
	analysis_timestamp, analysis_version, created_at, updated_at`

func scanTrack(row rowScanner) (*model.Track, error) {
	var (
		t                                model.Track
		lastModified, analysisTimestamp sql.NullString
		createdAt, updatedAt            string
		beats, downbeats                string
		tempo, firstBeatOffset          sql.NullFloat64
		audibleStart, audibleEnd        sql.NullFloat64
		musicalKey, mode, firstPhrase   sql.NullInt64
		timeSignature                   sql.NullString
		danceability, acousticness      sql.NullInt64
		instrumental                    sql.NullInt64
		valence, arousal, energy        sql.NullFloat64
		loudness                        sql.NullFloat64
		centroid, rolloff, bandwidth    sql.NullFloat64
		zcr                             sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.ContentHash, &t.Path, &t.Size, &lastModified, &t.Title, &t.Artist, &t.Album,
		&t.AlbumArtist, &t.Genre, &t.Year, &t.TrackNumber, &t.Comment, &tempo, &musicalKey, &mode,
		&timeSignature, &beats, &downbeats, &firstBeatOffset, &firstPhrase,
		&audibleStart, &audibleEnd, &danceability, &acousticness, &instrumental,
		&valence, &arousal, &energy, &loudness, &centroid, &rolloff,
		&bandwidth, &zcr, &analysisTimestamp, &t.AnalysisVersion,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan track: %w", err)
	}

	t.Tempo = nullFloatPtr(tempo)
	t.FirstBeatOffset = nullFloatPtr(firstBeatOffset)
	t.AudibleStartTime = nullFloatPtr(audibleStart)
	t.AudibleEndTime = nullFloatPtr(audibleEnd)
	t.Valence = nullFloatPtr(valence)
	t.Arousal = nullFloatPtr(arousal)
	t.Energy = nullFloatPtr(energy)
	t.Loudness = nullFloatPtr(loudness)
	t.SpectralCentroid = nullFloatPtr(centroid)
	t.SpectralRolloff = nullFloatPtr(rolloff)
	t.SpectralBandwidth = nullFloatPtr(bandwidth)
	t.ZeroCrossingRate = nullFloatPtr(zcr)

	t.MusicalKey = nullIntPtr(musicalKey)
	t.Mode = nullIntPtr(mode)
	t.FirstPhraseBeatNo = nullIntPtr(firstPhrase)
	if timeSignature.Valid {
		v := timeSignature.String
		t.TimeSignature = &v
	}
	if danceability.Valid {
		v := danceability.Int64 != 0
		t.Danceability = &v
	}
	if acousticness.Valid {
		v := acousticness.Int64 != 0
		t.Acousticness = &v
	}
	if instrumental.Valid {
		v := instrumental.Int64 != 0
		t.Instrumentalness = &v
	}

	t.Beats = stringToBeats(beats)
	t.Downbeats = stringToBeats(downbeats)

	if lastModified.Valid {
		lm, err := parseUTC(lastModified.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_modified: %w", err)
		}
		t.LastModified = lm
	}
	if analysisTimestamp.Valid {
		at, err := parseUTC(analysisTimestamp.String)
		if err != nil {
			return nil, fmt.Errorf("parse analysis_timestamp: %w", err)
		}
		t.AnalysisTimestamp = &at
	}
	if t.CreatedAt, err = parseUTC(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseUTC(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func nullFloatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
