// Package callback implements the Callback Router: it receives
// per-stage results from the worker, validates them, fans out to the
// Track/Waveform stores and the Engine Session delivery hook, and enforces
// idempotency per (job, stage).
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/store"
)

// Stage names not in model.Stage — these are signal stages, not analysis
// outputs.
const (
	stageJobCompleted = "job_completed"
	stageJobFailed    = "job_failed"
	stageError        = "error"
)

// Callback is the envelope the worker posts per stage.
type Callback struct {
	JobID  string          `json:"job_id" validate:"required"`
	Stage  string          `json:"stage" validate:"required"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// QueueEngine is the subset of internal/queue.Engine the router depends on.
type QueueEngine interface {
	CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error)
	FailJob(ctx context.Context, jobID int64, cause error) error
}

// EngineNotifier is the subset of internal/enginesession.Session the router
// depends on to fire delivery hooks.
type EngineNotifier interface {
	DeliverTrackInfo(ctx context.Context, trackID uint, correlationID string) error
}

// StemHandler processes the stems callback stage, kept as an
// interface here so internal/stems can own the fulfilment pipeline without a
// circular import.
type StemHandler interface {
	HandleCallback(ctx context.Context, job *model.AnalysisJob, data json.RawMessage) error
}

// Router dispatches inbound callbacks by stage.
type Router struct {
	jobs      *store.JobStore
	tracks    *store.TrackStore
	waveforms *store.WaveformStore
	queue     QueueEngine
	engine    EngineNotifier
	stems     StemHandler
	logger    *zap.Logger
}

// New constructs a Router with its full dependency graph.
func New(jobs *store.JobStore, tracks *store.TrackStore, waveforms *store.WaveformStore, queue QueueEngine, engine EngineNotifier, stems StemHandler, logger *zap.Logger) *Router {
	return &Router{jobs: jobs, tracks: tracks, waveforms: waveforms, queue: queue, engine: engine, stems: stems, logger: logger}
}

// Handle dispatches an inbound callback by stage.
func (r *Router) Handle(ctx context.Context, cb Callback) error {
	if cb.JobID == "" || cb.Stage == "" {
		return fmt.Errorf("%w: job_id and stage are required", apperr.ErrValidation)
	}

	job, err := r.jobs.ByWorkerJobID(ctx, cb.JobID)
	if err != nil {
		if err == apperr.ErrNotFound {
			// No matching incomplete-or-any job for this worker id — most
			// likely a late callback for a job that was already cancelled
			// and swept out. Log and drop.
			r.logger.Info("dropping callback with no matching job", zap.String("worker_job_id", cb.JobID), zap.String("stage", cb.Stage))
			return nil
		}
		return fmt.Errorf("handle callback: %w", err)
	}

	switch cb.Stage {
	case string(model.StageBasicFeatures):
		return r.handleBasicFeatures(ctx, job, cb.Data)
	case string(model.StageCharacteristics):
		return r.handleCharacteristics(ctx, job, cb.Data)
	case string(model.StageStems):
		if r.stems == nil {
			return fmt.Errorf("%w: stems handler not configured", apperr.ErrValidation)
		}
		return r.stems.HandleCallback(ctx, job, cb.Data)
	case string(model.StageGenre), string(model.StageSegments), string(model.StageTransitions):
		return r.handleReservedStage(ctx, job, model.Stage(cb.Stage))
	case stageJobCompleted:
		_, err := r.queue.CompleteJob(ctx, job.ID)
		return err
	case stageJobFailed, stageError:
		return r.queue.FailJob(ctx, job.ID, fmt.Errorf("%w: %s", apperr.ErrJobFailure, errorMessage(cb)))
	default:
		return fmt.Errorf("%w: unknown stage %q", apperr.ErrValidation, cb.Stage)
	}
}

func errorMessage(cb Callback) string {
	var payload struct {
		Error string `json:"error"`
	}
	if len(cb.Data) > 0 {
		_ = json.Unmarshal(cb.Data, &payload)
	}
	if payload.Error != "" {
		return payload.Error
	}
	return "worker reported failure with no detail"
}

func (r *Router) alreadyDelivered(job *model.AnalysisJob, stage model.Stage) bool {
	return job.HasCompletedStage(stage) && job.Status == model.JobStatusCompleted
}

func (r *Router) handleBasicFeatures(ctx context.Context, job *model.AnalysisJob, data json.RawMessage) error {
	stage := model.StageBasicFeatures
	if r.alreadyDelivered(job, stage) {
		return nil
	}

	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: basic_features data: %v", apperr.ErrValidation, err)
	}

	tempo, ok := raw.float("tempo", "bpm")
	if !ok {
		return fmt.Errorf("%w: basic_features missing tempo/bpm", apperr.ErrValidation)
	}
	key, _ := raw.int("key", "musical_key")
	mode, _ := raw.int("mode")
	timeSig, _ := raw.str("time_signature")
	beats := raw.floatSlice("beats")
	downbeats := raw.floatSlice("downbeats")
	if err := validateBeatSequences(beats, downbeats); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	firstBeatOffset, _ := raw.float("firstBeatOffset", "first_beat_offset")
	firstPhraseBeatNo, _ := raw.int("firstPhraseBeatNo", "first_phrase_beat_no")
	audibleStart, _ := raw.float("audibleStartTime", "audible_start_time")
	audibleEnd, _ := raw.float("audibleEndTime", "audible_end_time")

	if err := r.tracks.ApplyBasicFeatures(ctx, job.TrackID, store.BasicFeatures{
		Tempo: tempo, MusicalKey: key, Mode: mode, TimeSignature: timeSig,
		Beats: beats, Downbeats: downbeats,
		FirstBeatOffset: firstBeatOffset, FirstPhraseBeatNo: firstPhraseBeatNo,
		AudibleStartTime: audibleStart, AudibleEndTime: audibleEnd,
	}); err != nil {
		return fmt.Errorf("persist basic features: %w", err)
	}

	if err := r.persistWaveforms(ctx, job.ContentHash, raw); err != nil {
		return fmt.Errorf("persist waveforms: %w", err)
	}

	if err := r.recordStageAndMaybeComplete(ctx, job, stage); err != nil {
		return err
	}

	if job.Hook != nil && job.Hook.Kind == model.HookTrackInfo && r.engine != nil {
		if err := r.engine.DeliverTrackInfo(ctx, job.TrackID, job.Hook.CorrelationID); err != nil {
			r.logger.Warn("track-info delivery failed", zap.Uint("track_id", job.TrackID), zap.Error(err))
		}
	}
	return nil
}

type waveformEntry struct {
	ZoomLevel       int       `json:"zoom_level"`
	SampleRate      int       `json:"sample_rate"`
	SamplesPerPixel int       `json:"samples_per_pixel"`
	NumPixels       int       `json:"num_pixels"`
	LowAmp          []float32 `json:"low_freq_amplitude"`
	LowInt          []float32 `json:"low_freq_intensity"`
	MidAmp          []float32 `json:"mid_freq_amplitude"`
	MidInt          []float32 `json:"mid_freq_intensity"`
	HighAmp         []float32 `json:"high_freq_amplitude"`
	HighInt         []float32 `json:"high_freq_intensity"`
}

func (r *Router) persistWaveforms(ctx context.Context, hash string, raw rawFields) error {
	wfRaw, ok := raw["waveforms"]
	if !ok {
		return nil
	}
	var entries []waveformEntry
	if err := json.Unmarshal(wfRaw, &entries); err != nil {
		return fmt.Errorf("%w: waveforms: %v", apperr.ErrValidation, err)
	}
	for _, e := range entries {
		w := &model.Waveform{
			ContentHash:  hash,
			ZoomLevel:    model.WaveformZoom(e.ZoomLevel),
			SampleRate:   e.SampleRate,
			SamplesPerPx: e.SamplesPerPixel,
			NumPixels:    e.NumPixels,
			LowAmp:       e.LowAmp, LowInt: e.LowInt,
			MidAmp: e.MidAmp, MidInt: e.MidInt,
			HighAmp: e.HighAmp, HighInt: e.HighInt,
		}
		if err := r.waveforms.Upsert(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) handleCharacteristics(ctx context.Context, job *model.AnalysisJob, data json.RawMessage) error {
	stage := model.StageCharacteristics
	if r.alreadyDelivered(job, stage) {
		return nil
	}

	var raw rawFields
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: characteristics data: %v", apperr.ErrValidation, err)
	}
	required := []string{"danceability", "acousticness", "instrumentalness", "valence", "arousal", "energy", "loudness"}
	for _, f := range required {
		if _, ok := raw[f]; !ok {
			return fmt.Errorf("%w: characteristics missing field %q", apperr.ErrValidation, f)
		}
	}
	dance, _ := raw.bool("danceability")
	acoustic, _ := raw.bool("acousticness")
	instrumental, _ := raw.bool("instrumentalness")
	valence, _ := raw.float("valence")
	arousal, _ := raw.float("arousal")
	energy, _ := raw.float("energy")
	loudness, _ := raw.float("loudness")
	centroid, _ := raw.float("spectral_centroid")
	rolloff, _ := raw.float("spectral_rolloff")
	bandwidth, _ := raw.float("spectral_bandwidth")
	zcr, _ := raw.float("zero_crossing_rate")

	if err := r.tracks.ApplyCharacteristics(ctx, job.TrackID, store.Characteristics{
		Danceability: dance, Acousticness: acoustic, Instrumentalness: instrumental,
		Valence: valence, Arousal: arousal, Energy: energy, Loudness: loudness,
		SpectralCentroid: centroid, SpectralRolloff: rolloff, SpectralBandwidth: bandwidth,
		ZeroCrossingRate: zcr,
	}); err != nil {
		return fmt.Errorf("persist characteristics: %w", err)
	}

	return r.recordStageAndMaybeComplete(ctx, job, stage)
}

func (r *Router) handleReservedStage(ctx context.Context, job *model.AnalysisJob, stage model.Stage) error {
	if r.alreadyDelivered(job, stage) {
		return nil
	}
	return r.recordStageAndMaybeComplete(ctx, job, stage)
}

// recordStageAndMaybeComplete records stage completion and, if that was the
// last requested stage, calls the Queue Engine's completion path. Redundant with a job_completed signal arriving from the
// worker; CompleteJob is idempotent.
func (r *Router) recordStageAndMaybeComplete(ctx context.Context, job *model.AnalysisJob, stage model.Stage) error {
	updated, err := r.jobs.RecordStage(ctx, job.ID, stage)
	if err != nil {
		return fmt.Errorf("record stage %s: %w", stage, err)
	}
	if updated.AllRequestedStagesComplete() {
		if _, err := r.queue.CompleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("complete job after stage %s: %w", stage, err)
		}
	}
	return nil
}

// validateBeatSequences rejects beats/downbeats that are not non-decreasing
// and downbeats that are not a subsequence of beats. Floating-point times
// are compared with a small tolerance since the worker may round
// differently between the two arrays.
func validateBeatSequences(beats, downbeats []float64) error {
	if !nonDecreasing(beats) {
		return fmt.Errorf("beats are not non-decreasing")
	}
	if !nonDecreasing(downbeats) {
		return fmt.Errorf("downbeats are not non-decreasing")
	}
	if len(downbeats) == 0 {
		return nil
	}
	const epsilon = 1e-6
	bi := 0
	for _, d := range downbeats {
		found := false
		for bi < len(beats) {
			if math.Abs(beats[bi]-d) < epsilon {
				found = true
				bi++
				break
			}
			bi++
		}
		if !found {
			return fmt.Errorf("downbeats are not a subsequence of beats")
		}
	}
	return nil
}

func nonDecreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[i-1] {
			return false
		}
	}
	return true
}
