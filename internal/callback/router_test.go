package callback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/store"
)

type fakeQueueEngine struct {
	completed []int64
	failed    []int64
}

func (f *fakeQueueEngine) CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error) {
	f.completed = append(f.completed, jobID)
	return &model.AnalysisJob{ID: jobID, Status: model.JobStatusCompleted}, nil
}

func (f *fakeQueueEngine) FailJob(ctx context.Context, jobID int64, cause error) error {
	f.failed = append(f.failed, jobID)
	return nil
}

type fakeEngineNotifier struct {
	delivered []uint
}

func (f *fakeEngineNotifier) DeliverTrackInfo(ctx context.Context, trackID uint, correlationID string) error {
	f.delivered = append(f.delivered, trackID)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *store.DB, *fakeQueueEngine) {
	t.Helper()
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := &fakeQueueEngine{}
	engine := &fakeEngineNotifier{}
	r := New(db.Jobs(), db.Tracks(), db.Waveforms(), queue, engine, nil, zap.NewNop())
	return r, db, queue
}

func seedTrackAndJob(t *testing.T, db *store.DB, opts model.Options) (*model.Track, *model.AnalysisJob) {
	t.Helper()
	ctx := context.Background()

	track := &model.Track{
		Path: "/music/track.flac", Size: 1024, LastModified: time.Now().UTC(),
		ContentHash: "deadbeef00000000000000000000000000000000000000000000000000beef",
		Title:       "Test Track",
	}
	require.NoError(t, db.Tracks().Create(ctx, track))

	job := &model.AnalysisJob{
		ContentHash: track.ContentHash,
		TrackID:     track.ID,
		SourcePath:  track.Path,
		Options:     opts,
		Priority:    model.PriorityNormal,
		Status:      model.JobStatusProcessing,
		MaxRetries:  3,
	}
	require.NoError(t, db.Jobs().Create(ctx, job))
	require.NoError(t, db.Jobs().SetWorkerJobID(ctx, job.ID, "worker-job-1"))
	return track, job
}

func TestHandleBasicFeaturesAppliesTolerantFieldAliases(t *testing.T) {
	r, db, queue := newTestRouter(t)
	_, job := seedTrackAndJob(t, db, model.Options{BasicFeatures: true})

	data := json.RawMessage(`{"bpm": 128.0, "musical_key": 5, "mode": 1, "beats": [0.1, 0.5, 0.9]}`)
	err := r.Handle(context.Background(), Callback{JobID: "worker-job-1", Stage: "basic_features", Data: data})
	require.NoError(t, err)

	track, err := db.Tracks().ByID(context.Background(), job.TrackID)
	require.NoError(t, err)
	require.NotNil(t, track.Tempo)
	assert.Equal(t, 128.0, *track.Tempo)
	require.NotNil(t, track.MusicalKey)
	assert.Equal(t, 5, *track.MusicalKey)
	assert.Equal(t, []int64{job.ID}, queue.completed)
}

func TestHandleBasicFeaturesMissingTempoIsValidationError(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedTrackAndJob(t, db, model.Options{BasicFeatures: true})

	data := json.RawMessage(`{"musical_key": 5}`)
	err := r.Handle(context.Background(), Callback{JobID: "worker-job-1", Stage: "basic_features", Data: data})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHandleBasicFeaturesIsIdempotent(t *testing.T) {
	r, db, queue := newTestRouter(t)
	seedTrackAndJob(t, db, model.Options{BasicFeatures: true})

	data := json.RawMessage(`{"tempo": 120.0, "beats": [0.0, 1.0]}`)
	ctx := context.Background()
	require.NoError(t, r.Handle(ctx, Callback{JobID: "worker-job-1", Stage: "basic_features", Data: data}))
	require.NoError(t, r.Handle(ctx, Callback{JobID: "worker-job-1", Stage: "basic_features", Data: data}))

	assert.Len(t, queue.completed, 1, "a second identical callback must not re-trigger completion")
}

func TestHandleUnknownJobIDIsDropped(t *testing.T) {
	r, _, queue := newTestRouter(t)
	err := r.Handle(context.Background(), Callback{JobID: "no-such-job", Stage: "basic_features", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, queue.completed)
}

func TestHandleJobFailedInvokesFailJob(t *testing.T) {
	r, db, queue := newTestRouter(t)
	seedTrackAndJob(t, db, model.Options{BasicFeatures: true})

	err := r.Handle(context.Background(), Callback{JobID: "worker-job-1", Stage: "job_failed", Data: json.RawMessage(`{"error":"decode failed"}`)})
	require.NoError(t, err)
	assert.Len(t, queue.failed, 1)
}

func TestValidateBeatSequences(t *testing.T) {
	cases := []struct {
		name      string
		beats     []float64
		downbeats []float64
		wantErr   bool
	}{
		{"empty is fine", nil, nil, false},
		{"non-decreasing beats, subsequence downbeats", []float64{0, 0.5, 1, 1.5}, []float64{0, 1}, false},
		{"decreasing beats rejected", []float64{1, 0.5}, nil, true},
		{"downbeat not in beats rejected", []float64{0, 0.5, 1}, []float64{0.75}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateBeatSequences(c.beats, c.downbeats)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
