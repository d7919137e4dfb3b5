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

// WaveformStore persists multi-zoom waveform blobs keyed by (content hash,
// zoom level, stems flag), shared across duplicate tracks.
type WaveformStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// waveformPayload is the JSON shape stored in the payload column — only the
// arrays that are actually populated for this record are marshalled. The
// stems flag itself is a column, not part of the payload, since it is part
// of the record's key.
type waveformPayload struct {
	LowAmp  []float32 `json:"low_freq_amplitude,omitempty"`
	LowInt  []float32 `json:"low_freq_intensity,omitempty"`
	MidAmp  []float32 `json:"mid_freq_amplitude,omitempty"`
	MidInt  []float32 `json:"mid_freq_intensity,omitempty"`
	HighAmp []float32 `json:"high_freq_amplitude,omitempty"`
	HighInt []float32 `json:"high_freq_intensity,omitempty"`

	VocalsAmp []float32 `json:"vocals_amplitude,omitempty"`
	VocalsInt []float32 `json:"vocals_intensity,omitempty"`
	DrumsAmp  []float32 `json:"drums_amplitude,omitempty"`
	DrumsInt  []float32 `json:"drums_intensity,omitempty"`
	BassAmp   []float32 `json:"bass_amplitude,omitempty"`
	BassInt   []float32 `json:"bass_intensity,omitempty"`
	OtherAmp  []float32 `json:"other_amplitude,omitempty"`
	OtherInt  []float32 `json:"other_intensity,omitempty"`
}

// Upsert stores or replaces the waveform for (w.ContentHash, w.ZoomLevel,
// w.Stems). The Callback Router and the stems Fulfiller are its writers.
func (s *WaveformStore) Upsert(ctx context.Context, w *model.Waveform) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	payload := waveformPayload{
		LowAmp: w.LowAmp, LowInt: w.LowInt, MidAmp: w.MidAmp, MidInt: w.MidInt,
		HighAmp: w.HighAmp, HighInt: w.HighInt,
		VocalsAmp: w.VocalsAmp, VocalsInt: w.VocalsInt, DrumsAmp: w.DrumsAmp, DrumsInt: w.DrumsInt,
		BassAmp: w.BassAmp, BassInt: w.BassInt, OtherAmp: w.OtherAmp, OtherInt: w.OtherInt,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal waveform payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO waveforms (content_hash, zoom_level, stems, sample_rate, samples_per_px, num_pixels, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, zoom_level, stems) DO UPDATE SET
			sample_rate = excluded.sample_rate, samples_per_px = excluded.samples_per_px,
			num_pixels = excluded.num_pixels, payload = excluded.payload`,
		w.ContentHash, int(w.ZoomLevel), w.Stems, w.SampleRate, w.SamplesPerPx, w.NumPixels, string(raw))
	if err != nil {
		return fmt.Errorf("upsert waveform: %w", err)
	}
	return nil
}

// ByHashAndZoom returns the waveform for (hash, zoom, stems), if any. Two
// tracks sharing a content hash return byte-equal payloads.
func (s *WaveformStore) ByHashAndZoom(ctx context.Context, hash string, zoom model.WaveformZoom, stems bool) (*model.Waveform, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, zoom_level, stems, sample_rate, samples_per_px, num_pixels, payload
		FROM waveforms WHERE content_hash = ? AND zoom_level = ? AND stems = ?`, hash, int(zoom), stems)

	var (
		w       model.Waveform
		zoomRaw int
		payload string
	)
	err := row.Scan(&w.ContentHash, &zoomRaw, &w.Stems, &w.SampleRate, &w.SamplesPerPx, &w.NumPixels, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan waveform: %w", err)
	}
	w.ZoomLevel = model.WaveformZoom(zoomRaw)

	var p waveformPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("unmarshal waveform payload: %w", err)
	}
	w.LowAmp, w.LowInt, w.MidAmp, w.MidInt = p.LowAmp, p.LowInt, p.MidAmp, p.MidInt
	w.HighAmp, w.HighInt = p.HighAmp, p.HighInt
	w.VocalsAmp, w.VocalsInt, w.DrumsAmp, w.DrumsInt = p.VocalsAmp, p.VocalsInt, p.DrumsAmp, p.DrumsInt
	w.BassAmp, w.BassInt, w.OtherAmp, w.OtherInt = p.BassAmp, p.BassInt, p.OtherAmp, p.OtherInt
	return &w, nil
}

// DeleteByHash removes every zoom level for hash. Deletion is content-hash
// scoped, not track-scoped.
func (s *WaveformStore) DeleteByHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waveforms WHERE content_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete waveforms: %w", err)
	}
	return nil
}
