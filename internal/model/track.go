// Package model defines the core data types of the control plane:
// Track, Waveform, AnalysisJob, StemSet, DeckState, and HotCue.
package model

import "time"

// Track is a single library entry, keyed by an opaque ID and shared across
// duplicate files via ContentHash.
type Track struct {
	ID uint `json:"id" db:"id"`

	// File identity.
	Path         string    `json:"path" db:"path"`
	Size         int64     `json:"size" db:"size"`
	LastModified time.Time `json:"last_modified" db:"last_modified"`
	ContentHash  string    `json:"content_hash" db:"content_hash"`

	// Tag metadata.
	Title       string `json:"title" db:"title"`
	Artist      string `json:"artist" db:"artist"`
	Album       string `json:"album" db:"album"`
	AlbumArtist string `json:"album_artist" db:"album_artist"`
	Genre       string `json:"genre" db:"genre"`
	Year        int    `json:"year" db:"year"`
	TrackNumber int    `json:"track_number" db:"track_number"`
	Comment     string `json:"comment" db:"comment"`

	// Derived features (populated progressively by the Callback Router).
	Tempo             *float64  `json:"tempo,omitempty" db:"tempo"`
	MusicalKey        *int      `json:"musical_key,omitempty" db:"musical_key"`
	Mode              *int      `json:"mode,omitempty" db:"mode"`
	TimeSignature     *string   `json:"time_signature,omitempty" db:"time_signature"`
	Beats             []float64 `json:"beats,omitempty" db:"-"`
	Downbeats         []float64 `json:"downbeats,omitempty" db:"-"`
	FirstBeatOffset   *float64  `json:"first_beat_offset,omitempty" db:"first_beat_offset"`
	FirstPhraseBeatNo *int      `json:"first_phrase_beat_no,omitempty" db:"first_phrase_beat_no"`
	AudibleStartTime  *float64  `json:"audible_start_time,omitempty" db:"audible_start_time"`
	AudibleEndTime    *float64  `json:"audible_end_time,omitempty" db:"audible_end_time"`

	Danceability      *bool    `json:"danceability,omitempty" db:"danceability"`
	Acousticness      *bool    `json:"acousticness,omitempty" db:"acousticness"`
	Instrumentalness  *bool    `json:"instrumentalness,omitempty" db:"instrumentalness"`
	Valence           *float64 `json:"valence,omitempty" db:"valence"`
	Arousal           *float64 `json:"arousal,omitempty" db:"arousal"`
	Energy            *float64 `json:"energy,omitempty" db:"energy"`
	Loudness          *float64 `json:"loudness,omitempty" db:"loudness"`
	SpectralCentroid  *float64 `json:"spectral_centroid,omitempty" db:"spectral_centroid"`
	SpectralRolloff   *float64 `json:"spectral_rolloff,omitempty" db:"spectral_rolloff"`
	SpectralBandwidth *float64 `json:"spectral_bandwidth,omitempty" db:"spectral_bandwidth"`
	ZeroCrossingRate  *float64 `json:"zero_crossing_rate,omitempty" db:"zero_crossing_rate"`

	AnalysisTimestamp *time.Time `json:"analysis_timestamp,omitempty" db:"analysis_timestamp"`
	AnalysisVersion   string     `json:"analysis_version,omitempty" db:"analysis_version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasTempo reports whether basic-features analysis has populated this track,
// used by Engine Session to decide between an immediate reply and an
// "analysis in progress" response.
func (t *Track) HasTempo() bool {
	return t.Tempo != nil
}

// WaveformZoom enumerates the three precomputed zoom resolutions.
type WaveformZoom int

const (
	WaveformZoomOverview WaveformZoom = 0
	WaveformZoomNormal   WaveformZoom = 1
	WaveformZoomDetailed WaveformZoom = 2
)

// Waveform is keyed by (content hash, zoom level, stems flag) and shared
// across tracks with identical audio.
type Waveform struct {
	ContentHash    string       `json:"content_hash" db:"content_hash"`
	ZoomLevel      WaveformZoom `json:"zoom_level" db:"zoom_level"`
	Stems          bool         `json:"stems" db:"stems"`
	SampleRate     int          `json:"sample_rate" db:"sample_rate"`
	SamplesPerPx   int          `json:"samples_per_pixel" db:"samples_per_pixel"`
	NumPixels      int          `json:"num_pixels" db:"num_pixels"`

	// Non-stem waveforms populate low/mid/high; stem waveforms populate the
	// four stem channels instead. Exactly one group is non-empty.
	LowAmp   []float32 `json:"low_freq_amplitude,omitempty" db:"-"`
	LowInt   []float32 `json:"low_freq_intensity,omitempty" db:"-"`
	MidAmp   []float32 `json:"mid_freq_amplitude,omitempty" db:"-"`
	MidInt   []float32 `json:"mid_freq_intensity,omitempty" db:"-"`
	HighAmp  []float32 `json:"high_freq_amplitude,omitempty" db:"-"`
	HighInt  []float32 `json:"high_freq_intensity,omitempty" db:"-"`

	VocalsAmp []float32 `json:"vocals_amplitude,omitempty" db:"-"`
	VocalsInt []float32 `json:"vocals_intensity,omitempty" db:"-"`
	DrumsAmp  []float32 `json:"drums_amplitude,omitempty" db:"-"`
	DrumsInt  []float32 `json:"drums_intensity,omitempty" db:"-"`
	BassAmp   []float32 `json:"bass_amplitude,omitempty" db:"-"`
	BassInt   []float32 `json:"bass_intensity,omitempty" db:"-"`
	OtherAmp  []float32 `json:"other_amplitude,omitempty" db:"-"`
	OtherInt  []float32 `json:"other_intensity,omitempty" db:"-"`
}

// Validate enforces the pixel-count-length invariant across whichever arrays
// are populated for this record.
func (w *Waveform) Validate() error {
	check := func(name string, arr []float32) error {
		if arr != nil && len(arr) != w.NumPixels {
			return errInvalidWaveform(name, len(arr), w.NumPixels)
		}
		return nil
	}
	arrays := map[string][]float32{
		"low_freq_amplitude": w.LowAmp, "low_freq_intensity": w.LowInt,
		"mid_freq_amplitude": w.MidAmp, "mid_freq_intensity": w.MidInt,
		"high_freq_amplitude": w.HighAmp, "high_freq_intensity": w.HighInt,
		"vocals_amplitude": w.VocalsAmp, "vocals_intensity": w.VocalsInt,
		"drums_amplitude": w.DrumsAmp, "drums_intensity": w.DrumsInt,
		"bass_amplitude": w.BassAmp, "bass_intensity": w.BassInt,
		"other_amplitude": w.OtherAmp, "other_intensity": w.OtherInt,
	}
	for name, arr := range arrays {
		if err := check(name, arr); err != nil {
			return err
		}
	}
	return nil
}
