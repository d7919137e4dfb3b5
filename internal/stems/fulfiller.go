package stems

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/pkg/validator"
)

// pcmFormat is the engine's required container for cached stems.
const pcmFormat = "wav"

// QueueEngine is the subset of internal/queue.Engine the fulfiller depends on
// to re-request stems-only jobs on partial failure and to signal completion
// once the stems stage is the job's last outstanding one.
type QueueEngine interface {
	Request(ctx context.Context, track *model.Track, opts model.Options, priority model.Priority, hook *model.DeliveryHook, force bool) (*model.AnalysisJob, error)
	CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error)
}

// TrackLookup is the subset of internal/store.TrackStore the fulfiller needs
// to resolve a job's track for re-request.
type TrackLookup interface {
	ByID(ctx context.Context, id uint) (*model.Track, error)
}

// WaveformUpsert is the subset of internal/store.WaveformStore the fulfiller
// needs to persist the per-stem waveforms delivered with the stems callback.
type WaveformUpsert interface {
	Upsert(ctx context.Context, w *model.Waveform) error
}

// JobRecorder is the subset of internal/store.JobStore the fulfiller needs to
// record stage completion once stems are durably cached and to apply the (job, stage) idempotency
// gate.
type JobRecorder interface {
	RecordStage(ctx context.Context, jobID int64, stage model.Stage) (*model.AnalysisJob, error)
}

// EngineNotifier is the subset of internal/enginesession.Session the
// fulfiller depends on to push completed stems.
type EngineNotifier interface {
	DeliverStemsReady(ctx context.Context, trackID uint, paths map[model.StemName]string, correlationID string) error
}

// Fulfiller is the on-demand stem pipeline: cache probe, request,
// download-or-decode, format conversion, persistent caching,
// retry-on-partial, and delivery.
type Fulfiller struct {
	cache     *Cache
	queue     QueueEngine
	tracks    TrackLookup
	jobs      JobRecorder
	waveforms WaveformUpsert
	engine    EngineNotifier
	validate  *validator.Validator
	logger    *zap.Logger
	http      *http.Client
	downloadTimeout time.Duration
}

// NewFulfiller constructs a Fulfiller.
func NewFulfiller(cache *Cache, queue QueueEngine, tracks TrackLookup, jobs JobRecorder, waveforms WaveformUpsert, engine EngineNotifier, downloadTimeout time.Duration, logger *zap.Logger) *Fulfiller {
	return &Fulfiller{
		cache:           cache,
		queue:           queue,
		tracks:          tracks,
		jobs:            jobs,
		waveforms:       waveforms,
		engine:          engine,
		validate:        validator.New(),
		logger:          logger,
		http:            &http.Client{Timeout: downloadTimeout},
		downloadTimeout: downloadTimeout,
	}
}

// SetEngineNotifier wires the engine notifier after construction, breaking
// the construction-order cycle between the Fulfiller and the Engine Session
// (each needs a handle to the other).
func (f *Fulfiller) SetEngineNotifier(engine EngineNotifier) {
	f.engine = engine
}

// EnsureForTrack handles an engine stems request: probe the cache, push on
// hit, enqueue a high-priority stems-only job on miss.
func (f *Fulfiller) EnsureForTrack(ctx context.Context, track *model.Track, correlationID string) error {
	set, hit, err := f.cache.Get(ctx, track.ContentHash)
	if err != nil {
		return fmt.Errorf("stem cache probe: %w", err)
	}
	if hit {
		if f.engine != nil {
			return f.engine.DeliverStemsReady(ctx, track.ID, set.Paths, correlationID)
		}
		return nil
	}

	hook := &model.DeliveryHook{Kind: model.HookStems, EngineTrackID: fmt.Sprint(track.ID), CorrelationID: correlationID}
	_, err = f.queue.Request(ctx, track, model.Options{Stems: true}, model.PriorityHigh, hook, false)
	if err != nil {
		return fmt.Errorf("enqueue stems job: %w", err)
	}
	return nil
}

// stemsPayload is the callback shape for the stems stage. Stem values are
// filesystem paths in "path" mode; in "callback" mode they are either HTTP
// URLs or, from legacy workers, base64-encoded audio bytes.
type stemsPayload struct {
	DeliveryMode   string              `json:"delivery_mode"`
	Format         string              `json:"format"`
	Stems          map[string]string   `json:"stems"`
	Waveforms      []stemWaveformEntry `json:"waveforms"`
	ProcessingTime float64             `json:"processing_time"`
}

// stemWaveformEntry is the optional per-stem waveform summary delivered
// alongside the stem locations.
type stemWaveformEntry struct {
	ZoomLevel       int `json:"zoom_level"`
	SampleRate      int `json:"sample_rate"`
	SamplesPerPixel int `json:"samples_per_pixel"`
	NumPixels       int `json:"num_pixels"`

	VocalsAmp []float32 `json:"vocals_amplitude"`
	VocalsInt []float32 `json:"vocals_intensity"`
	DrumsAmp  []float32 `json:"drums_amplitude"`
	DrumsInt  []float32 `json:"drums_intensity"`
	BassAmp   []float32 `json:"bass_amplitude"`
	BassInt   []float32 `json:"bass_intensity"`
	OtherAmp  []float32 `json:"other_amplitude"`
	OtherInt  []float32 `json:"other_intensity"`
}

// HandleCallback processes a stems stage callback: obtain the four stem
// files per the declared delivery mode, transcode if needed, cache, and
// deliver.
func (f *Fulfiller) HandleCallback(ctx context.Context, job *model.AnalysisJob, data json.RawMessage) error {
	if job.HasCompletedStage(model.StageStems) && job.Status == model.JobStatusCompleted {
		return nil
	}

	var payload stemsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: stems data: %v", apperr.ErrValidation, err)
	}
	if len(payload.Stems) != len(model.AllStems) {
		return fmt.Errorf("%w: stems payload must name all four stems", apperr.ErrValidation)
	}

	paths, tmpDir, err := f.obtain(ctx, payload)
	if tmpDir != "" {
		defer os.RemoveAll(tmpDir)
	}
	if err != nil {
		return f.recoverFromFailure(ctx, job, err)
	}

	if payload.Format != "" && payload.Format != pcmFormat {
		converted, convDir, err := f.transcodeAll(ctx, paths)
		if convDir != "" {
			defer os.RemoveAll(convDir)
		}
		if err != nil {
			return f.recoverFromFailure(ctx, job, fmt.Errorf("transcode: %w", err))
		}
		paths = converted
	}

	set, err := f.cache.Set(ctx, job.ContentHash, paths)
	if err != nil {
		return f.recoverFromFailure(ctx, job, fmt.Errorf("cache insert: %w", err))
	}

	if err := f.persistStemWaveforms(ctx, job.ContentHash, payload.Waveforms); err != nil {
		return fmt.Errorf("persist stem waveforms: %w", err)
	}

	updated, err := f.jobs.RecordStage(ctx, job.ID, model.StageStems)
	if err != nil {
		return fmt.Errorf("record stems stage: %w", err)
	}
	if updated.AllRequestedStagesComplete() {
		if _, err := f.queue.CompleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("complete job after stems stage: %w", err)
		}
	}

	if job.Hook != nil && job.Hook.Kind == model.HookStems && f.engine != nil {
		if err := f.engine.DeliverStemsReady(ctx, job.TrackID, set.Paths, job.Hook.CorrelationID); err != nil {
			f.logger.Warn("stems delivery failed", zap.Uint("track_id", job.TrackID), zap.Error(err))
		}
	}
	return nil
}

// recoverFromFailure issues a single high-priority re-request of the same
// stems-only job; repeated failures fall through to the originating job's
// normal retry policy.
func (f *Fulfiller) recoverFromFailure(ctx context.Context, job *model.AnalysisJob, cause error) error {
	f.logger.Warn("stem fulfilment failed, re-requesting", zap.Int64("job_id", job.ID), zap.String("content_hash", job.ContentHash), zap.Error(cause))
	track, err := f.tracks.ByID(ctx, job.TrackID)
	if err != nil {
		return fmt.Errorf("%w: %v (could not look up track for retry)", apperr.ErrStemPartial, cause)
	}
	if _, err := f.queue.Request(ctx, track, model.Options{Stems: true}, model.PriorityHigh, job.Hook, true); err != nil {
		return fmt.Errorf("%w: %v (re-request failed: %v)", apperr.ErrStemPartial, cause, err)
	}
	return fmt.Errorf("%w: %v", apperr.ErrStemPartial, cause)
}

// obtain resolves the four stem files per the declared delivery mode,
// returning local paths plus the temp directory they live under (caller
// removes it after use).
func (f *Fulfiller) obtain(ctx context.Context, payload stemsPayload) (map[model.StemName]string, string, error) {
	switch payload.DeliveryMode {
	case "path":
		for name, p := range payload.Stems {
			if err := f.validate.SafeFSPath(p); err != nil {
				return nil, "", fmt.Errorf("%w: stem %q path: %v", apperr.ErrValidation, name, err)
			}
		}
		return pathsFromPayload(payload.Stems), "", nil
	case "callback":
		// Current workers send four URLs; legacy workers send four
		// base64-encoded blobs under the same mode. Sniff per value and
		// refuse a payload that mixes the two.
		urls := 0
		for _, v := range payload.Stems {
			if f.validate.SafeURL(v) == nil {
				urls++
			}
		}
		switch urls {
		case len(payload.Stems):
			return f.downloadAll(ctx, payload.Stems)
		case 0:
			return f.decodeAll(payload.Stems)
		default:
			return nil, "", fmt.Errorf("%w: stems mix urls and inline data", apperr.ErrValidation)
		}
	default:
		return nil, "", fmt.Errorf("%w: unknown stem delivery_mode %q", apperr.ErrValidation, payload.DeliveryMode)
	}
}

// persistStemWaveforms upserts the stems-flagged waveform records delivered
// with the callback, keyed by content hash like their non-stem counterparts.
func (f *Fulfiller) persistStemWaveforms(ctx context.Context, hash string, entries []stemWaveformEntry) error {
	if f.waveforms == nil {
		return nil
	}
	for _, e := range entries {
		w := &model.Waveform{
			ContentHash:  hash,
			ZoomLevel:    model.WaveformZoom(e.ZoomLevel),
			Stems:        true,
			SampleRate:   e.SampleRate,
			SamplesPerPx: e.SamplesPerPixel,
			NumPixels:    e.NumPixels,
			VocalsAmp:    e.VocalsAmp, VocalsInt: e.VocalsInt,
			DrumsAmp: e.DrumsAmp, DrumsInt: e.DrumsInt,
			BassAmp: e.BassAmp, BassInt: e.BassInt,
			OtherAmp: e.OtherAmp, OtherInt: e.OtherInt,
		}
		if err := f.waveforms.Upsert(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func pathsFromPayload(raw map[string]string) map[model.StemName]string {
	out := make(map[model.StemName]string, len(raw))
	for name, path := range raw {
		out[model.StemName(name)] = path
	}
	return out
}

// downloadAll fetches all four stems in parallel, all-or-nothing: if any stem fails, the whole temp directory is discarded.
func (f *Fulfiller) downloadAll(ctx context.Context, urls map[string]string) (map[model.StemName]string, string, error) {
	tmpDir, err := os.MkdirTemp("", "stems-download-*")
	if err != nil {
		return nil, "", fmt.Errorf("create download temp dir: %w", err)
	}

	type result struct {
		name model.StemName
		path string
		err  error
	}
	results := make(chan result, len(urls))
	var wg sync.WaitGroup
	for name, url := range urls {
		wg.Add(1)
		go func(name model.StemName, url string) {
			defer wg.Done()
			dlCtx, cancel := context.WithTimeout(ctx, f.downloadTimeout)
			defer cancel()
			path, err := f.downloadOne(dlCtx, url, filepath.Join(tmpDir, string(name)+".raw"))
			results <- result{name: name, path: path, err: err}
		}(model.StemName(name), url)
	}
	wg.Wait()
	close(results)

	paths := make(map[model.StemName]string, len(urls))
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("download %s: %w", r.name, r.err)
			continue
		}
		paths[r.name] = r.path
	}
	if firstErr != nil {
		return nil, tmpDir, firstErr
	}
	return paths, tmpDir, nil
}

func (f *Fulfiller) downloadOne(ctx context.Context, url, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}

// decodeAll decodes base64-encoded stems to temp files.
func (f *Fulfiller) decodeAll(raw map[string]string) (map[model.StemName]string, string, error) {
	tmpDir, err := os.MkdirTemp("", "stems-b64-*")
	if err != nil {
		return nil, "", fmt.Errorf("create decode temp dir: %w", err)
	}
	paths := make(map[model.StemName]string, len(raw))
	for name, encoded := range raw {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, tmpDir, fmt.Errorf("decode %s: %w", name, err)
		}
		dest := filepath.Join(tmpDir, name+".raw")
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, tmpDir, fmt.Errorf("write %s: %w", name, err)
		}
		paths[model.StemName(name)] = dest
	}
	return paths, tmpDir, nil
}

// transcodeAll converts every stem to the engine's required PCM format via
// ffmpeg, run in parallel.
func (f *Fulfiller) transcodeAll(ctx context.Context, in map[model.StemName]string) (map[model.StemName]string, string, error) {
	tmpDir, err := os.MkdirTemp("", "stems-transcode-*")
	if err != nil {
		return nil, "", fmt.Errorf("create transcode temp dir: %w", err)
	}

	type result struct {
		name model.StemName
		path string
		err  error
	}
	results := make(chan result, len(in))
	var wg sync.WaitGroup
	for name, src := range in {
		wg.Add(1)
		go func(name model.StemName, src string) {
			defer wg.Done()
			dest := filepath.Join(tmpDir, string(name)+".wav")
			err := runFFmpeg(ctx, src, dest)
			results <- result{name: name, path: dest, err: err}
		}(name, src)
	}
	wg.Wait()
	close(results)

	out := make(map[model.StemName]string, len(in))
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transcode %s: %w", r.name, r.err)
			continue
		}
		out[r.name] = r.path
	}
	if firstErr != nil {
		return nil, tmpDir, firstErr
	}
	return out, tmpDir, nil
}

func runFFmpeg(ctx context.Context, src, dest string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", src, "-f", "wav", dest)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %s: %w", string(output), err)
	}
	return nil
}
