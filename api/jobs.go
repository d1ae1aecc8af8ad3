package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/raibid-labs/raibid/job"
)

// ListJobsOptions narrows and pages a job listing.
type ListJobsOptions struct {
	Status string
	Repo   string
	Branch string
	Limit  int
	Offset int
}

func (o ListJobsOptions) query() string {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Repo != "" {
		q.Set("repo", o.Repo)
	}
	if o.Branch != "" {
		q.Set("branch", o.Branch)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// JobList is one page of jobs plus the pre-pagination total.
type JobList struct {
	Jobs   []*job.Job `json:"jobs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// TriggerRequest creates a job manually.
type TriggerRequest struct {
	Repo          string   `json:"repo"`
	Branch        string   `json:"branch"`
	Commit        string   `json:"commit,omitempty"`
	Author        string   `json:"author,omitempty"`
	DisabledSteps []string `json:"disabled_steps,omitempty"`
}

// LogPage is a non-streaming slice of a job's log.
type LogPage struct {
	JobID   string         `json:"job_id"`
	Entries []job.LogEntry `json:"entries"`
}

// ListJobs fetches one page of jobs.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) (*JobList, error) {
	var list JobList
	if err := c.doRequest(ctx, http.MethodGet, "jobs"+opts.query(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.doRequest(ctx, http.MethodGet, "jobs/"+id, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// TriggerJob creates a job and returns the created record.
func (c *Client) TriggerJob(ctx context.Context, req TriggerRequest) (*job.Job, error) {
	var j job.Job
	if err := c.doRequest(ctx, http.MethodPost, "jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob requests cancellation and returns the updated record. Actual
// termination of a running job is asynchronous.
func (c *Client) CancelJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.doRequest(ctx, http.MethodPost, "jobs/"+id+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// JobLogs fetches the job's log, either the last tail entries (tail > 0) or
// everything from sequence from onward.
func (c *Client) JobLogs(ctx context.Context, id string, tail int, from int64) (*LogPage, error) {
	q := url.Values{}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	} else if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	path := "jobs/" + id + "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page LogPage
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FollowLogs streams log entries from sequence from onward, invoking fn for
// each. It returns when the server closes the stream (the job terminated),
// fn returns an error, or ctx is done.
func (c *Client) FollowLogs(ctx context.Context, id string, from int64, fn func(job.LogEntry) error) error {
	path := fmt.Sprintf("jobs/%s/logs?follow=true&from=%d", id, from)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	// No client timeout: the stream stays open for the life of the job.
	client := &http.Client{Transport: c.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e job.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("decoding log entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}
