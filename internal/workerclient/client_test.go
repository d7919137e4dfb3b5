package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/model"
)

func testCfg(serverURL string, remote bool) config.WorkerConfig {
	return config.WorkerConfig{
		ServerURL:      serverURL,
		Remote:         remote,
		RequestTimeout: time.Second,
		UploadTimeout:  time.Second,
		HealthInterval: time.Second,
	}
}

func TestSubmitLocalSendsFilePathNotBytes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			FilePath string `json:"file_path"`
		}
		_ = readJSON(r, &body)
		gotPath = body.FilePath
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"worker-job-123"}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, false), zap.NewNop())
	job := &model.AnalysisJob{SourcePath: "/music/track.flac", ContentHash: "abc123"}

	id, err := c.Submit(context.Background(), job, "http://localhost/internal/callback")
	require.NoError(t, err)
	assert.Equal(t, "worker-job-123", id)
	assert.Equal(t, "/music/track.flac", gotPath, "local mode must reference the shared-filesystem path, not upload bytes")
}

func TestSubmitRemoteUploadsFileBytes(t *testing.T) {
	tmp := t.TempDir() + "/track.flac"
	require.NoError(t, os.WriteFile(tmp, []byte("fake audio bytes"), 0o644))

	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"worker-job-456"}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, true), zap.NewNop())
	job := &model.AnalysisJob{SourcePath: tmp, ContentHash: "def456"}

	id, err := c.Submit(context.Background(), job, "http://localhost/internal/callback")
	require.NoError(t, err)
	assert.Equal(t, "worker-job-456", id)
	assert.Contains(t, contentType, "multipart/form-data")
}

func TestSubmitMapsServerErrorsToSentinelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, false), zap.NewNop())
	job := &model.AnalysisJob{SourcePath: "/music/track.flac", ContentHash: "abc"}

	_, err := c.Submit(context.Background(), job, "http://localhost/internal/callback")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestStatusNotFoundReturnsErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, false), zap.NewNop())
	_, err := c.Status(context.Background(), "missing-job")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancelTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, false), zap.NewNop())
	assert.NoError(t, c.Cancel(context.Background(), "already-gone"))
}

func TestCancelEmptyWorkerJobIDIsNoop(t *testing.T) {
	c := New(testCfg("http://unused.invalid", false), zap.NewNop())
	assert.NoError(t, c.Cancel(context.Background(), ""))
}

func TestHealthyReflectsProbeStatus(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL, false), zap.NewNop())
	assert.True(t, c.Healthy(context.Background()))

	healthy = false
	assert.False(t, c.Healthy(context.Background()))
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
