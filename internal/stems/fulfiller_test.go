package stems

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/store"
)

type fakeQueue struct {
	requests  []model.Options
	completed []int64
}

func (f *fakeQueue) Request(ctx context.Context, track *model.Track, opts model.Options, priority model.Priority, hook *model.DeliveryHook, force bool) (*model.AnalysisJob, error) {
	f.requests = append(f.requests, opts)
	return &model.AnalysisJob{ID: int64(track.ID), ContentHash: track.ContentHash, TrackID: track.ID, Options: opts, Hook: hook}, nil
}

func (f *fakeQueue) CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error) {
	f.completed = append(f.completed, jobID)
	return &model.AnalysisJob{ID: jobID, Status: model.JobStatusCompleted}, nil
}

type fakeTracks struct {
	track *model.Track
}

func (f *fakeTracks) ByID(ctx context.Context, id uint) (*model.Track, error) {
	return f.track, nil
}

type fakeJobs struct {
	stages map[int64][]model.Stage
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{stages: make(map[int64][]model.Stage)}
}

func (f *fakeJobs) RecordStage(ctx context.Context, jobID int64, stage model.Stage) (*model.AnalysisJob, error) {
	f.stages[jobID] = append(f.stages[jobID], stage)
	return &model.AnalysisJob{ID: jobID, Options: model.Options{Stems: true}, StagesCompleted: f.stages[jobID]}, nil
}

type fakeEngine struct {
	delivered map[uint]map[model.StemName]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{delivered: make(map[uint]map[model.StemName]string)}
}

func (f *fakeEngine) DeliverStemsReady(ctx context.Context, trackID uint, paths map[model.StemName]string, correlationID string) error {
	f.delivered[trackID] = paths
	return nil
}

func newTestFulfiller(t *testing.T) (*Fulfiller, *fakeQueue, *fakeJobs, *fakeEngine, *store.DB) {
	t.Helper()
	cache, db := newTestCache(t, 1<<30)
	q := &fakeQueue{}
	jobs := newFakeJobs()
	engine := newFakeEngine()
	tracks := &fakeTracks{track: &model.Track{ID: 7, ContentHash: "hash-stems", Path: "/music/a.flac"}}
	f := NewFulfiller(cache, q, tracks, jobs, db.Waveforms(), engine, 2*time.Second, zap.NewNop())
	return f, q, jobs, engine, db
}

func TestHandleCallbackPathModeRecordsStageAndDelivers(t *testing.T) {
	f, _, jobs, engine, db := newTestFulfiller(t)
	srcs := writeStemSources(t, map[model.StemName]string{
		model.StemVocals: "v", model.StemDrums: "d", model.StemBass: "b", model.StemOther: "o",
	})
	raw := map[string]string{}
	for name, p := range srcs {
		raw[string(name)] = p
	}
	payload, err := json.Marshal(map[string]any{
		"delivery_mode": "path",
		"stems":         raw,
		"waveforms": []map[string]any{{
			"zoom_level": 1, "sample_rate": 44100, "samples_per_pixel": 512, "num_pixels": 2,
			"vocals_amplitude": []float32{1, 2}, "vocals_intensity": []float32{1, 2},
			"drums_amplitude": []float32{1, 2}, "drums_intensity": []float32{1, 2},
			"bass_amplitude": []float32{1, 2}, "bass_intensity": []float32{1, 2},
			"other_amplitude": []float32{1, 2}, "other_intensity": []float32{1, 2},
		}},
	})
	require.NoError(t, err)

	job := &model.AnalysisJob{ID: 42, ContentHash: "hash-stems", TrackID: 7,
		Options: model.Options{Stems: true},
		Hook:    &model.DeliveryHook{Kind: model.HookStems, EngineTrackID: "7", CorrelationID: "corr-1"}}

	err = f.HandleCallback(context.Background(), job, payload)
	require.NoError(t, err)

	assert.Equal(t, []model.Stage{model.StageStems}, jobs.stages[42])
	assert.Contains(t, engine.delivered, uint(7))
	assert.Len(t, engine.delivered[7], 4)

	wf, err := db.Waveforms().ByHashAndZoom(context.Background(), "hash-stems", model.WaveformZoomNormal, true)
	require.NoError(t, err, "the per-stem waveform delivered with the callback must be persisted")
	assert.Equal(t, []float32{1, 2}, wf.VocalsAmp)
}

func TestHandleCallbackIdempotentWhenJobAlreadyCompleted(t *testing.T) {
	f, q, jobs, _, _ := newTestFulfiller(t)
	job := &model.AnalysisJob{
		ID: 9, ContentHash: "hash-done", TrackID: 7,
		Options:         model.Options{Stems: true},
		Status:          model.JobStatusCompleted,
		StagesCompleted: []model.Stage{model.StageStems},
	}
	err := f.HandleCallback(context.Background(), job, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, jobs.stages[9], "a completed job's stems stage must not be reprocessed")
	assert.Empty(t, q.requests)
}

func TestHandleCallbackURLModePartialFailureReRequestsAtHighPriority(t *testing.T) {
	f, q, jobs, _, _ := newTestFulfiller(t)

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok-audio"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	payload, err := json.Marshal(map[string]any{
		"delivery_mode": "callback",
		"format":        "flac",
		"stems": map[string]string{
			"vocals": good.URL + "/v",
			"drums":  bad.URL + "/d",
			"bass":   good.URL + "/b",
			"other":  good.URL + "/o",
		},
	})
	require.NoError(t, err)

	job := &model.AnalysisJob{ID: 11, ContentHash: "hash-stems", TrackID: 7,
		Options: model.Options{Stems: true},
		Hook:    &model.DeliveryHook{Kind: model.HookStems, EngineTrackID: "7", CorrelationID: "corr-2"}}

	err = f.HandleCallback(context.Background(), job, payload)
	require.Error(t, err, "a partial download must surface as a stem-partial failure")
	require.Len(t, q.requests, 1, "failure must trigger exactly one high-priority re-request")
	assert.True(t, q.requests[0].Stems)
	assert.Empty(t, jobs.stages[11], "the stems stage must not be recorded on the failed attempt")
}

func TestHandleCallbackBase64UnderCallbackModeDecodes(t *testing.T) {
	f, _, jobs, engine, _ := newTestFulfiller(t)

	encode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	payload, err := json.Marshal(map[string]any{
		"delivery_mode": "callback",
		"stems": map[string]string{
			"vocals": encode("vocals-audio"),
			"drums":  encode("drums-audio"),
			"bass":   encode("bass-audio"),
			"other":  encode("other-audio"),
		},
	})
	require.NoError(t, err)

	job := &model.AnalysisJob{ID: 13, ContentHash: "hash-stems", TrackID: 7,
		Options: model.Options{Stems: true},
		Hook:    &model.DeliveryHook{Kind: model.HookStems, EngineTrackID: "7", CorrelationID: "corr-3"}}

	err = f.HandleCallback(context.Background(), job, payload)
	require.NoError(t, err, "legacy base64 stem values under callback mode must decode, not be rejected as bad urls")
	assert.Equal(t, []model.Stage{model.StageStems}, jobs.stages[13])
	assert.Len(t, engine.delivered[7], 4)
}

func TestHandleCallbackRejectsIncompleteStemPayload(t *testing.T) {
	f, _, jobs, _, _ := newTestFulfiller(t)
	payload, err := json.Marshal(map[string]any{
		"delivery_mode": "path",
		"stems":         map[string]string{"vocals": "/tmp/v"},
	})
	require.NoError(t, err)
	job := &model.AnalysisJob{ID: 5, ContentHash: "hash-x", TrackID: 7, Options: model.Options{Stems: true}}
	err = f.HandleCallback(context.Background(), job, payload)
	assert.Error(t, err)
	assert.Empty(t, jobs.stages[5])
}
