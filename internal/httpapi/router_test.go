package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/callback"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/monitoring"
	"github.com/veza-dj/control-plane/internal/store"
)

type fakeQueueEngine struct{}

func (fakeQueueEngine) CompleteJob(ctx context.Context, jobID int64) (*model.AnalysisJob, error) {
	return &model.AnalysisJob{ID: jobID, Status: model.JobStatusCompleted}, nil
}

func (fakeQueueEngine) FailJob(ctx context.Context, jobID int64, cause error) error {
	return nil
}

type fakeEngineNotifier struct{}

func (fakeEngineNotifier) DeliverTrackInfo(ctx context.Context, trackID uint, correlationID string) error {
	return nil
}

func newTestRouter(t *testing.T) (*Router, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cbRouter := callback.New(db.Jobs(), db.Tracks(), db.Waveforms(), fakeQueueEngine{}, fakeEngineNotifier{}, nil, zap.NewNop())
	metrics := monitoring.New(zap.NewNop())
	r := New(cbRouter, db.Jobs(), metrics, zap.NewNop())
	return r, db
}

func TestHandleCallbackMalformedBodyReturns400(t *testing.T) {
	r, _ := newTestRouter(t)
	engine := r.Build("test")

	req := httptest.NewRequest(http.MethodPost, "/internal/callback", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCallbackUnknownJobReturnsNoContent(t *testing.T) {
	r, _ := newTestRouter(t)
	engine := r.Build("test")

	body := `{"job_id":"no-such-job","stage":"basic_features","data":{}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code, "an unresolvable job id must be dropped quietly, not surfaced as a server error")
}

func TestHandleCallbackValidationErrorReturns400(t *testing.T) {
	r, db := newTestRouter(t)
	engine := r.Build("test")
	ctx := context.Background()

	track := &model.Track{Path: "/music/x.flac", Size: 1, LastModified: time.Now().UTC(), ContentHash: "hash-x"}
	require.NoError(t, db.Tracks().Create(ctx, track))
	job := &model.AnalysisJob{ContentHash: track.ContentHash, TrackID: track.ID, SourcePath: track.Path, Options: model.Options{BasicFeatures: true}, Priority: model.PriorityNormal, Status: model.JobStatusProcessing, MaxRetries: 3}
	require.NoError(t, db.Jobs().Create(ctx, job))
	require.NoError(t, db.Jobs().SetWorkerJobID(ctx, job.ID, "worker-job-x"))

	body := `{"job_id":"worker-job-x","stage":"basic_features","data":{"musical_key":5}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code, "a callback missing required fields must map to 400, not 500")
}

func TestHandleQueueStatsReturnsSnapshot(t *testing.T) {
	r, db := newTestRouter(t)
	engine := r.Build("test")
	ctx := context.Background()

	track := &model.Track{Path: "/music/y.flac", Size: 1, LastModified: time.Now().UTC(), ContentHash: "hash-y"}
	require.NoError(t, db.Tracks().Create(ctx, track))
	job := &model.AnalysisJob{ContentHash: track.ContentHash, TrackID: track.ID, SourcePath: track.Path, Options: model.Options{BasicFeatures: true}, Priority: model.PriorityNormal, Status: model.JobStatusQueued, MaxRetries: 3}
	require.NoError(t, db.Jobs().Create(ctx, job))

	req := httptest.NewRequest(http.MethodGet, "/internal/queue/stats", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats store.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queued)
}

func TestHandleHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	engine := r.Build("test")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
