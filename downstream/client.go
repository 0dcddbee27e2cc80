// Package downstream is an HTTP client for the collector service that
// scrapes districts, stores snapshots and computes analytics. Client
// implements the collaborator interfaces the orchestrator needs.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yirzhou/backfill"
)

const defaultHTTPTimeout = 30 * time.Second

// Version is sent in the User-Agent header.
var Version = "0.1.0"

// Client talks to the collector service at Base. Token, when set, is sent
// as a bearer token.
type Client struct {
	Base   string
	Token  string
	Client *http.Client
}

var (
	_ backfill.RefreshService   = (*Client)(nil)
	_ backfill.AnalyticsService = (*Client)(nil)
	_ backfill.DistrictService  = (*Client)(nil)
	_ backfill.SnapshotService  = (*Client)(nil)
)

// NewClient returns a client for base. A zero timeout uses the default.
func NewClient(base, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		Base:   base,
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

// Collaborators returns c in every collaborator role.
func (c *Client) Collaborators() backfill.Collaborators {
	return backfill.Collaborators{Refresh: c, Analytics: c, Districts: c, Snapshots: c}
}

// NewRequest builds a request against the collector's base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, reader)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("backfill/v%s", Version))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return req, nil
}

// Do performs r. A 2xx body is decoded into v when v is not nil; anything
// else becomes an *Error. Connection failures wrap
// backfill.ErrCollaboratorUnavailable.
func (c *Client) Do(r *http.Request, v interface{}) error {
	start := time.Now()
	res, err := c.Client.Do(r)
	if err != nil {
		if r.Context().Err() != nil {
			return r.Context().Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{Title: "request timed out", Detail: err.Error(), StatusCode: http.StatusRequestTimeout}
		}
		return errors.Wrapf(backfill.ErrCollaboratorUnavailable, "%s %s: %v", r.Method, r.URL.Path, err)
	}
	defer res.Body.Close()

	log.WithFields(log.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   res.StatusCode,
		"duration": time.Since(start),
	}).Debug("Collector request finished")

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read collector response")
	}
	if res.StatusCode >= 400 {
		apiErr := &Error{}
		if jsonErr := json.Unmarshal(resBody, apiErr); jsonErr != nil || apiErr.Title == "" {
			apiErr.Title = http.StatusText(res.StatusCode)
			if jsonErr != nil && len(resBody) > 0 {
				apiErr.Detail = string(resBody)
			}
		}
		apiErr.StatusCode = res.StatusCode
		return apiErr
	}
	if v == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, v); err != nil {
		return errors.Wrapf(err, "invalid response body from %s", r.URL.Path)
	}
	return nil
}

type refreshRequest struct {
	Date      string   `json:"date"`
	Districts []string `json:"districts,omitempty"`
}

// RefreshDate asks the collector to scrape and store one date.
func (c *Client) RefreshDate(ctx context.Context, date string, districts []string) (*backfill.RefreshOutcome, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, "/v1/refresh", &refreshRequest{Date: date, Districts: districts})
	if err != nil {
		return nil, err
	}
	out := &backfill.RefreshOutcome{}
	if err := c.Do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeSnapshot asks the collector to recompute analytics for a snapshot.
func (c *Client) ComputeSnapshot(ctx context.Context, snapshotID string) error {
	req, err := c.NewRequest(ctx, http.MethodPost, "/v1/snapshots/"+url.PathEscape(snapshotID)+"/analytics", nil)
	if err != nil {
		return err
	}
	return c.Do(req, nil)
}

type districtsResponse struct {
	Districts []string `json:"districts"`
}

func (c *Client) ListDistricts(ctx context.Context) ([]string, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, "/v1/districts", nil)
	if err != nil {
		return nil, err
	}
	out := &districtsResponse{}
	if err := c.Do(req, out); err != nil {
		return nil, err
	}
	return out.Districts, nil
}

type snapshotsResponse struct {
	Snapshots []backfill.Snapshot `json:"snapshots"`
}

func (c *Client) ListSnapshots(ctx context.Context) ([]backfill.Snapshot, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, "/v1/snapshots", nil)
	if err != nil {
		return nil, err
	}
	out := &snapshotsResponse{}
	if err := c.Do(req, out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}
