package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/yirzhou/backfill"
)

const apiPrefix = "/api/v1/backfill"

// APIError is an error response from the backfill API.
type APIError struct {
	StatusCode int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backfill API returned %d: %s", e.StatusCode, e.Msg)
}

// Unwrap lets callers match the orchestrator's sentinels across the wire.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return backfill.ErrValidation
	case http.StatusConflict:
		return backfill.ErrConflict
	case http.StatusNotFound:
		return backfill.ErrNotFound
	case http.StatusServiceUnavailable:
		return backfill.ErrDisposed
	}
	return nil
}

// Client calls a running backfill server.
type Client struct {
	Base   string
	Client *http.Client
}

// NewClient returns a client for the server at base, e.g. http://127.0.0.1:8090.
func NewClient(base string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		Base:   strings.TrimSuffix(base, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, v interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+apiPrefix+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach backfill server at %s", c.Base)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		var simple SimpleApiResp
		if json.Unmarshal(resBody, &simple) == nil && simple.Msg != "" {
			apiErr.Msg = simple.Msg
		} else {
			apiErr.Msg = http.StatusText(res.StatusCode)
		}
		return apiErr
	}
	if v == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(resBody, v), "invalid response from backfill server")
}

func (c *Client) CreateJob(ctx context.Context, req backfill.CreateJobRequest) (*backfill.Job, error) {
	job := &backfill.Job{}
	if err := c.do(ctx, http.MethodPost, "/jobs", req, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Client) PreviewJob(ctx context.Context, req backfill.CreateJobRequest) (*backfill.JobPreview, error) {
	preview := &backfill.JobPreview{}
	if err := c.do(ctx, http.MethodPost, "/preview", req, preview); err != nil {
		return nil, err
	}
	return preview, nil
}

// GetJob returns nil, nil when the server does not know the job.
func (c *Client) GetJob(ctx context.Context, jobID string) (*backfill.Job, error) {
	job := &backfill.Job{}
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, job)
	if errors.Is(err, backfill.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobStatus returns nil, nil when the server does not know the job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*backfill.JobStatusReport, error) {
	report := &backfill.JobStatusReport{}
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/status", nil, report)
	if errors.Is(err, backfill.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Client) ListJobs(ctx context.Context, filter *backfill.JobFilter) ([]*backfill.Job, error) {
	query := url.Values{}
	if filter != nil {
		for _, s := range filter.Statuses {
			query.Add("status", string(s))
		}
		for _, t := range filter.Types {
			query.Add("type", string(t))
		}
		if filter.Limit > 0 {
			query.Set("limit", strconv.Itoa(filter.Limit))
		}
		if filter.Offset > 0 {
			query.Set("offset", strconv.Itoa(filter.Offset))
		}
	}
	path := "/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var jobs []*backfill.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob returns false when the job already finished and ErrNotFound
// when it does not exist.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	var resp cancelResp
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp)
	if errors.Is(err, backfill.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) GetRateLimitConfig(ctx context.Context) (backfill.RateLimitConfig, error) {
	var cfg backfill.RateLimitConfig
	err := c.do(ctx, http.MethodGet, "/ratelimit", nil, &cfg)
	return cfg, err
}

func (c *Client) UpdateRateLimitConfig(ctx context.Context, partial *backfill.RateLimitOverrides) (backfill.RateLimitConfig, error) {
	var cfg backfill.RateLimitConfig
	err := c.do(ctx, http.MethodPut, "/ratelimit", partial, &cfg)
	return cfg, err
}

func (c *Client) RecoverIncompleteJobs(ctx context.Context) (*backfill.RecoveryResult, error) {
	result := &backfill.RecoveryResult{}
	if err := c.do(ctx, http.MethodPost, "/recovery", nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) GetRecoveryStatus(ctx context.Context) (backfill.RecoveryStatus, error) {
	var status backfill.RecoveryStatus
	err := c.do(ctx, http.MethodGet, "/recovery", nil, &status)
	return status, err
}

func (c *Client) CleanupOldJobs(ctx context.Context, retention time.Duration) (int, error) {
	var resp cleanupResp
	path := "/jobs?older_than=" + url.QueryEscape(retention.String())
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}
