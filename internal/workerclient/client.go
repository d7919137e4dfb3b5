// Package workerclient is the transport to the feature-extraction worker:
// local-path and remote-upload submission modes, status/cancel queries, and
// a circuit-breaker-guarded health probe.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/veza-dj/control-plane/internal/apperr"
	"github.com/veza-dj/control-plane/internal/config"
	"github.com/veza-dj/control-plane/internal/model"
)

// Client submits analysis jobs to the worker and queries/cancels them.
// Control calls use a short timeout; remote uploads get a longer one.
type Client struct {
	cfg     config.WorkerConfig
	logger  *zap.Logger
	http    *http.Client
	upload  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Client. cfg.ServerURL must not end with a slash: paths
// such as "/jobs" are appended to it directly.
func New(cfg config.WorkerConfig, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-health",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		cfg:     cfg,
		logger:  logger,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		upload:  &http.Client{Timeout: cfg.UploadTimeout},
		breaker: breaker,
	}
}

// submitRequest is the JSON body for local-mode submission.
type submitRequest struct {
	FilePath        string        `json:"file_path"`
	TrackHash       string        `json:"track_hash"`
	Options         model.Options `json:"options"`
	CallbackURL     string        `json:"callback_url"`
	StemDeliveryMode string       `json:"stem_delivery_mode"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit dispatches job to the worker in the configured mode.
// Local mode sends a small structured message referencing the shared
// filesystem path; remote mode uploads the file bytes as multipart.
func (c *Client) Submit(ctx context.Context, job *model.AnalysisJob, callbackURL string) (string, error) {
	if c.cfg.Remote {
		return c.submitRemote(ctx, job, callbackURL)
	}
	return c.submitLocal(ctx, job, callbackURL)
}

func (c *Client) submitLocal(ctx context.Context, job *model.AnalysisJob, callbackURL string) (string, error) {
	body, err := json.Marshal(submitRequest{
		FilePath:         job.SourcePath,
		TrackHash:        job.ContentHash,
		Options:          job.Options,
		CallbackURL:      callbackURL,
		StemDeliveryMode: "path",
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doSubmit(req)
}

func (c *Client) submitRemote(ctx context.Context, job *model.AnalysisJob, callbackURL string) (string, error) {
	f, err := os.Open(job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: open source file: %v", apperr.ErrValidation, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(job.SourcePath))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy file into form: %w", err)
	}

	optsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return "", fmt.Errorf("marshal options: %w", err)
	}
	_ = mw.WriteField("track_hash", job.ContentHash)
	_ = mw.WriteField("options", string(optsJSON))
	_ = mw.WriteField("callback_url", callbackURL)
	_ = mw.WriteField("stem_delivery_mode", "callback")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/jobs", &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doSubmitWith(c.upload, req)
}

func (c *Client) doSubmit(req *http.Request) (string, error) {
	return c.doSubmitWith(c.http, req)
}

func (c *Client) doSubmitWith(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: submit job: %v", apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: worker returned %d", apperr.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: worker rejected job: %d", apperr.ErrValidation, resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return out.JobID, nil
}

// Status queries the worker-side status of workerJobID.
func (c *Client) Status(ctx context.Context, workerJobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/jobs/"+workerJobID, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: query status: %v", apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", apperr.ErrNotFound
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return out.Status, nil
}

// Cancel best-effort cancels workerJobID.
func (c *Client) Cancel(ctx context.Context, workerJobID string) error {
	if workerJobID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.ServerURL+"/jobs/"+workerJobID, nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cancel job: %v", apperr.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected cancel status %d", resp.StatusCode)
	}
	return nil
}

// Healthy probes the worker's liveness endpoint through the circuit breaker,
// used by the Queue Engine before dequeuing.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("worker health status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		c.logger.Debug("worker health probe failed", zap.Error(err))
		return false
	}
	return true
}
