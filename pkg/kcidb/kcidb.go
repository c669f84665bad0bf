package kcidb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Submission is the batched document the downstream reporting sink
// ingests: schema v4.0, arrays keyed by node id. Delivery is
// at-least-once; the receiver deduplicates on id.
type Submission struct {
	Version   Version    `json:"version"`
	Checkouts []Checkout `json:"checkouts,omitempty"`
	Builds    []Build    `json:"builds,omitempty"`
	Tests     []Test     `json:"tests,omitempty"`
	Issues    []Issue    `json:"issues,omitempty"`
	Incidents []Incident `json:"incidents,omitempty"`
}

func (s Submission) Empty() bool {
	return len(s.Checkouts) == 0 && len(s.Builds) == 0 && len(s.Tests) == 0 &&
		len(s.Issues) == 0 && len(s.Incidents) == 0
}

type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CurrentVersion of the sink schema this engine emits.
var CurrentVersion = Version{Major: 4, Minor: 0}

type Checkout struct {
	ID                  string         `json:"id"`
	Origin              string         `json:"origin"`
	TreeName            string         `json:"tree_name,omitempty"`
	GitRepositoryURL    string         `json:"git_repository_url,omitempty"`
	GitCommitHash       string         `json:"git_commit_hash,omitempty"`
	GitRepositoryBranch string         `json:"git_repository_branch,omitempty"`
	GitCommitName       string         `json:"git_commit_name,omitempty"`
	PatchsetHash        string         `json:"patchset_hash"`
	StartTime           string         `json:"start_time,omitempty"`
	Valid               *bool          `json:"valid,omitempty"`
	Misc                map[string]any `json:"misc,omitempty"`
}

type Build struct {
	ID           string         `json:"id"`
	CheckoutID   string         `json:"checkout_id"`
	Origin       string         `json:"origin"`
	Architecture string         `json:"architecture,omitempty"`
	Compiler     string         `json:"compiler,omitempty"`
	ConfigName   string         `json:"config_name,omitempty"`
	StartTime    string         `json:"start_time,omitempty"`
	LogURL       string         `json:"log_url,omitempty"`
	Valid        *bool          `json:"valid,omitempty"`
	Misc         map[string]any `json:"misc,omitempty"`
}

type Test struct {
	ID              string         `json:"id"`
	BuildID         string         `json:"build_id"`
	Origin          string         `json:"origin"`
	Path            string         `json:"path,omitempty"`
	Status          string         `json:"status,omitempty"`
	StartTime       string         `json:"start_time,omitempty"`
	LogURL          string         `json:"log_url,omitempty"`
	EnvironmentMisc map[string]any `json:"environment_misc,omitempty"`
	Misc            map[string]any `json:"misc,omitempty"`
}

type Issue struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Origin  string         `json:"origin"`
	Report  string         `json:"report_subject,omitempty"`
	Misc    map[string]any `json:"misc,omitempty"`
}

type Incident struct {
	ID           string `json:"id"`
	IssueID      string `json:"issue_id"`
	IssueVersion int    `json:"issue_version"`
	Origin       string `json:"origin"`
	BuildID      string `json:"build_id,omitempty"`
	TestID       string `json:"test_id,omitempty"`
	Present      bool   `json:"present"`
}

// Client submits documents to the sink.
type Client interface {
	Submit(ctx context.Context, submission Submission) error
}

type client struct {
	url        string
	token      string
	httpclient *http.Client
}

func New(url, token string) Client {
	return &client{
		url:        url,
		token:      token,
		httpclient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) Submit(ctx context.Context, submission Submission) error {
	if submission.Empty() {
		return nil
	}
	body, err := json.Marshal(submission)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return fmt.Errorf("sink rejected submission: status code = %d", resp.StatusCode)
	}
	return nil
}
