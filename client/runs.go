package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/xraph/durable/api"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/run"
)

// GetRun retrieves a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	var r run.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns runs newest first.
func (c *Client) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	q := url.Values{}
	if opts.JobID != "" {
		q.Set("job_id", opts.JobID)
	}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []*run.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Tasks returns the journal and signal entries of a run.
func (c *Client) Tasks(ctx context.Context, runID string) ([]*cache.Entry, error) {
	var entries []*cache.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/tasks", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Signal delivers a signal named key with payload JSON-encoded.
func (c *Client) Signal(ctx context.Context, runID, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("durable/client: marshal signal: %w", err)
	}
	path := "/v1/runs/" + url.PathEscape(runID) + "/signals/" + url.PathEscape(key)
	return c.do(ctx, http.MethodPost, path, raw, nil)
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Jobs lists the jobs registered on the server.
func (c *Client) Jobs(ctx context.Context) ([]api.JobResponse, error) {
	var jobs []api.JobResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
