package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/model"
	"github.com/veza-dj/control-plane/internal/store"
)

type fakeWorkerClient struct {
	submitErr error
	submitted int
	unhealthy bool
}

func (f *fakeWorkerClient) Submit(ctx context.Context, job *model.AnalysisJob, callbackURL string) (string, error) {
	f.submitted++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "worker-job-id", nil
}

func (f *fakeWorkerClient) Cancel(ctx context.Context, workerJobID string) error {
	return nil
}

func (f *fakeWorkerClient) Healthy(ctx context.Context) bool {
	return !f.unhealthy
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrent:     4,
		TickInterval:      10 * time.Millisecond,
		RetryDelayBase:    time.Millisecond,
		MaxRetries:        3,
		ProcessingTimeout: time.Hour,
		QueuedTimeout:     time.Hour,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.DB, *fakeWorkerClient) {
	t.Helper()
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	worker := &fakeWorkerClient{}
	e := New(db.Jobs(), worker, zap.NewNop(), testConfig(), "http://localhost/internal/callback")
	return e, db, worker
}

func seedTrack(t *testing.T, db *store.DB, hash string) *model.Track {
	t.Helper()
	track := &model.Track{
		Path: "/music/" + hash + ".flac", Size: 2048, LastModified: time.Now().UTC(),
		ContentHash: hash,
	}
	require.NoError(t, db.Tracks().Create(context.Background(), track))
	return track
}

func TestRequestReturnsExistingIncompleteJob(t *testing.T) {
	e, db, _ := newTestEngine(t)
	track := seedTrack(t, db, "hash-incomplete")
	opts := model.Options{BasicFeatures: true}

	first, err := e.Request(context.Background(), track, opts, model.PriorityNormal, nil, false)
	require.NoError(t, err)

	second, err := e.Request(context.Background(), track, opts, model.PriorityHigh, nil, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a second request for the same hash while a job is still active must return the same job")
}

func TestRequestReusesCompletedJobUnlessForced(t *testing.T) {
	e, db, _ := newTestEngine(t)
	track := seedTrack(t, db, "hash-completed")
	opts := model.Options{BasicFeatures: true}

	job, err := e.Request(context.Background(), track, opts, model.PriorityNormal, nil, false)
	require.NoError(t, err)
	_, err = e.CompleteJob(context.Background(), job.ID)
	require.NoError(t, err)

	reused, err := e.Request(context.Background(), track, opts, model.PriorityNormal, nil, false)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reused.ID)

	forced, err := e.Request(context.Background(), track, opts, model.PriorityNormal, nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, forced.ID, "force=true must enqueue a fresh job over a completed one")
}

func TestCompleteJobIsIdempotent(t *testing.T) {
	e, db, _ := newTestEngine(t)
	track := seedTrack(t, db, "hash-idempotent")
	job, err := e.Request(context.Background(), track, model.Options{BasicFeatures: true}, model.PriorityNormal, nil, false)
	require.NoError(t, err)

	first, err := e.CompleteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, first.Status)

	second, err := e.CompleteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, second.Status)
}

func TestFailJobRetriesThenGivesUp(t *testing.T) {
	e, db, _ := newTestEngine(t)
	track := seedTrack(t, db, "hash-retries")
	job, err := e.Request(context.Background(), track, model.Options{BasicFeatures: true}, model.PriorityNormal, nil, false)
	require.NoError(t, err)

	cause := errors.New("worker crashed")
	for i := 0; i < testConfig().MaxRetries-1; i++ {
		require.NoError(t, e.FailJob(context.Background(), job.ID, cause))
		current, err := db.Jobs().ByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, current.Status, "job must be requeued while retries remain")
	}

	require.NoError(t, e.FailJob(context.Background(), job.ID, cause))
	final, err := db.Jobs().ByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status, "job must be terminally failed once retries are exhausted")
}

func TestSweepFailsStaleProcessingJobs(t *testing.T) {
	e, db, _ := newTestEngine(t)
	track := seedTrack(t, db, "hash-stale")
	job, err := e.Request(context.Background(), track, model.Options{BasicFeatures: true}, model.PriorityNormal, nil, false)
	require.NoError(t, err)
	require.NoError(t, db.Jobs().UpdateStatus(context.Background(), job.ID, model.JobStatusProcessing))

	// Force the job well past the processing timeout by using a near-zero
	// timeout config on a fresh engine pointed at the same store.
	staleCfg := testConfig()
	staleCfg.ProcessingTimeout = 0
	staleEngine := New(db.Jobs(), &fakeWorkerClient{}, zap.NewNop(), staleCfg, "http://localhost/internal/callback")

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, staleEngine.Sweep(context.Background()))

	final, err := db.Jobs().ByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
}

func TestTickSkipsDequeueWhenWorkerUnhealthy(t *testing.T) {
	e, db, worker := newTestEngine(t)
	track := seedTrack(t, db, "hash-unhealthy")
	_, err := e.Request(context.Background(), track, model.Options{BasicFeatures: true}, model.PriorityNormal, nil, false)
	require.NoError(t, err)

	worker.unhealthy = true
	e.tick(context.Background())
	assert.Equal(t, 0, worker.submitted, "an unhealthy worker must not receive a submission this tick")

	job, err := db.Jobs().ByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status, "job must remain queued while the worker is unhealthy")

	worker.unhealthy = false
	e.tick(context.Background())
	assert.Eventually(t, func() bool { return worker.submitted == 1 }, time.Second, time.Millisecond,
		"dequeue must proceed once the worker reports healthy")
}
