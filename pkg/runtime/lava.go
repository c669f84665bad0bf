package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
)

// lava submits job definitions to a LAVA lab over its REST API.
// Completion is not polled: the lab calls back to the callback endpoint
// with the full result bundle, quoting the token *description* we embed
// here. The token *value* never leaves the secrets table.
type lava struct {
	name       string
	url        string
	token      string
	callback   string
	tokenDesc  string
	httpclient *http.Client
}

func newLAVA(conf *config.Runtime, opts Options) *lava {
	token := ""
	desc := ""
	if opts.Tokens != nil {
		token = opts.Tokens.RuntimeToken(conf.Name())
		desc = opts.Tokens.CallbackDesc(conf.Name())
	}
	return &lava{
		name:       conf.Name(),
		url:        conf.URL(),
		token:      token,
		callback:   opts.CallbackURL,
		tokenDesc:  desc,
		httpclient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (l *lava) Name() string {
	return l.name
}

func (l *lava) Asynchronous() bool {
	return true
}

// Submit decorates the rendered definition with the notify/callback
// stanza and posts it to the lab.
func (l *lava) Submit(ctx context.Context, job RenderedJob, node domain.Node) (Handle, error) {
	definition, err := l.withCallback(job.Definition, node)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}

	body, err := json.Marshal(map[string]string{"definition": string(definition)})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, l.url+"/api/v0.2/jobs/", bytes.NewReader(body),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+l.token)

	resp, err := l.httpclient.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	defer resp.Body.Close()
	if 400 <= resp.StatusCode {
		return Handle{}, fmt.Errorf("%w: lab returned status code %d", ErrSubmit, resp.StatusCode)
	}

	var created struct {
		JobIDs []int `json:"job_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	if len(created.JobIDs) == 0 {
		return Handle{}, fmt.Errorf("%w: lab accepted the job but returned no id", ErrSubmit)
	}
	return Handle{Runtime: l.name, JobID: strconv.Itoa(created.JobIDs[0])}, nil
}

// withCallback injects the notify stanza into the job definition.
func (l *lava) withCallback(definition []byte, node domain.Node) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(definition, &doc); err != nil {
		return nil, fmt.Errorf("job definition is not yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["notify"] = map[string]any{
		"criteria": map[string]any{"status": "finished"},
		"callbacks": []any{
			map[string]any{
				"url":          l.callback + "/callback/" + l.name,
				"method":       "POST",
				"dataset":      "all",
				"content-type": "json",
				"token":        l.tokenDesc,
			},
		},
	}
	return yaml.Marshal(doc)
}

func (l *lava) Poll(ctx context.Context, h Handle) (Status, error) {
	return "", ErrNotPollable
}

func (l *lava) Cancel(ctx context.Context, h Handle) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, l.url+"/api/v0.2/jobs/"+h.JobID+"/cancel/", nil,
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+l.token)
	resp, err := l.httpclient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// lavaCallback is the result bundle a lab posts back when a job
// finishes.
type lavaCallback struct {
	ID      int               `json:"id"`
	Status  string            `json:"status"`
	Results map[string]string `json:"results"`
	Log     string            `json:"log,omitempty"`
}

// lavaSuiteResult is one entry of a results yaml document.
type lavaSuiteResult struct {
	Name     string `yaml:"name"`
	Result   string `yaml:"result"`
	Suite    string `yaml:"suite"`
	Metadata struct {
		Error string `yaml:"error_msg"`
	} `yaml:"metadata"`
}

// IngestResult parses a LAVA callback payload into the result tree.
// Suites become job nodes, cases become tests; the "lava" suite is the
// lab's own setup/teardown and maps onto the setup suite.
func (l *lava) IngestResult(ctx context.Context, node domain.Node, payload []byte) (Outcome, error) {
	var callback lavaCallback
	if err := json.Unmarshal(payload, &callback); err != nil {
		return Outcome{}, fmt.Errorf("malformed callback payload: %w", err)
	}

	outcome := Outcome{Result: domain.Incomplete}
	switch callback.Status {
	case "Complete":
		outcome.Result = domain.Pass
	case "Incomplete":
		outcome.Result = domain.Fail
	case "Canceled":
		outcome.Result = domain.Incomplete
		outcome.ErrorCode = "job_canceled"
	default:
		outcome.ErrorCode = "invalid_job_status"
		outcome.ErrorMsg = callback.Status
	}

	suites := map[string]*TestResult{}
	order := []string{}
	for suiteName, raw := range callback.Results {
		var cases []lavaSuiteResult
		if err := yaml.Unmarshal([]byte(raw), &cases); err != nil {
			return Outcome{}, fmt.Errorf("malformed results for suite %s: %w", suiteName, err)
		}

		name := suiteName
		if name == "lava" {
			name = domain.SetupJobName
		}
		suite, ok := suites[name]
		if !ok {
			suite = &TestResult{Name: name, Kind: domain.KindJob, Result: domain.Pass}
			suites[name] = suite
			order = append(order, name)
		}

		for _, c := range cases {
			result := domain.Skip
			switch c.Result {
			case "pass":
				result = domain.Pass
			case "fail":
				result = domain.Fail
				suite.Result = domain.Fail
			}
			suite.Children = append(suite.Children, TestResult{
				Name:   c.Name,
				Kind:   domain.KindTest,
				Result: result,
			})
		}
	}

	for _, name := range order {
		outcome.Tests = append(outcome.Tests, *suites[name])
	}
	if callback.Log != "" {
		outcome.Artifacts = map[string]string{"lava_log": callback.Log}
	}
	return outcome, nil
}
