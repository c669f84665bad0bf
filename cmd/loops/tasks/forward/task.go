package forward

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/kcidb"
	"github.com/opst/kite/pkg/logspec"
	"github.com/opst/kite/pkg/loop/recurring"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// Task for the forward loop.
//
// Terminal nodes not yet processed by reporting are converted into the
// sink schema and uploaded, then marked processed. Nodes with retries
// pending are marked processed without forwarding: only the chain's
// final attempt reaches the sink. Delivery is at-least-once; the mark
// is written after the upload and the receiver deduplicates on id.
func Task(
	store api.Client,
	sink kcidb.Client,
	origin string,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		now := time.Now()
		eligible, err := store.FindNodes(
			ctx,
			api.Where("state", domain.Done.String()),
			api.WhereOp("data.processed_by_reporting", api.OpNe, "true"),
			api.WhereOp("created", api.OpGt, rfctime.New(now.Add(-4*24*time.Hour)).String()),
			api.WhereOp("updated", api.OpLt, rfctime.New(now.Add(-5*time.Minute)).String()),
		)
		if err != nil {
			return seed, false, err
		}

		processed := false
		for _, node := range eligible {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}
			if err := forwardOne(ctx, store, sink, origin, node, logger); err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			processed = true
		}
		return seed, processed, nil
	}
}

// ForwardOne is the event-driven entry point: the forward loop's bus
// subscriber calls it per terminal-state event, sharing the batch
// sweep's conversion and filtering.
func ForwardOne(
	ctx context.Context,
	store api.Client,
	sink kcidb.Client,
	origin string,
	node domain.Node,
	logger *log.Logger,
) error {
	return forwardOne(ctx, store, sink, origin, node, logger)
}

func forwardOne(
	ctx context.Context,
	store api.Client,
	sink kcidb.Client,
	origin string,
	node domain.Node,
	logger *log.Logger,
) error {
	if node.Data.ProcessedByReporting {
		return nil
	}

	if retryPending(node) {
		// filtered, never forwarded; the final attempt will be
		return markProcessed(ctx, store, node)
	}

	submission, err := convert(ctx, store, origin, node, logger)
	if err != nil {
		return err
	}
	if !submission.Empty() {
		if err := sink.Submit(ctx, submission); err != nil {
			return err
		}
		logger.Printf("%s %s: forwarded", node.ID, node.Name)
	}
	return markProcessed(ctx, store, node)
}

// retryPending mirrors the retry loop's criteria: such nodes are
// superseded by a sibling and must not reach the sink.
func retryPending(node domain.Node) bool {
	if 3 <= node.Data.RetryCounter {
		return false
	}
	switch node.Kind {
	case domain.KindKbuild, domain.KindJob:
	default:
		return false
	}
	if node.Result == domain.Incomplete {
		return true
	}
	if node.Result != domain.Fail {
		return false
	}
	return node.Kind == domain.KindKbuild || strings.HasPrefix(node.Name, "baseline")
}

func markProcessed(ctx context.Context, store api.Client, node domain.Node) error {
	node.Data.ProcessedByReporting = true
	_, err := store.UpdateNode(ctx, node, domain.Done)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

func convert(
	ctx context.Context,
	store api.Client,
	origin string,
	node domain.Node,
	logger *log.Logger,
) (kcidb.Submission, error) {
	submission := kcidb.Submission{Version: kcidb.CurrentVersion}

	switch node.Kind {
	case domain.KindCheckout:
		submission.Checkouts = append(submission.Checkouts, kcidb.ConvertCheckout(origin, node))

	case domain.KindKbuild:
		checkout, err := ancestorOf(ctx, store, node, domain.KindCheckout)
		if err != nil {
			return submission, err
		}
		build := kcidb.ConvertBuild(origin, node, origin+":"+checkout.ID)
		submission.Builds = append(submission.Builds, build)
		if node.Result == domain.Fail {
			issues, incidents := analyze(ctx, origin, node, build.ID, "", logger)
			submission.Issues = append(submission.Issues, issues...)
			submission.Incidents = append(submission.Incidents, incidents...)
		}

	case domain.KindJob, domain.KindTest:
		buildID := ""
		if build, err := ancestorOf(ctx, store, node, domain.KindKbuild); err == nil {
			buildID = origin + ":" + build.ID
		}
		test := kcidb.ConvertTest(origin, node, buildID)
		submission.Tests = append(submission.Tests, test)
		if node.Result == domain.Fail && bootPath(node) {
			issues, incidents := analyze(ctx, origin, node, "", test.ID, logger)
			submission.Issues = append(submission.Issues, issues...)
			submission.Incidents = append(submission.Incidents, incidents...)
		}

	default:
		// process and regression nodes stay internal
	}
	return submission, nil
}

// bootPath reports whether the node's path within its suite starts at a
// boot job, the paths whose logs are worth mining for issues.
func bootPath(node domain.Node) bool {
	for _, part := range node.Path {
		if strings.HasPrefix(part, "boot") || strings.HasPrefix(part, "baseline") {
			return true
		}
	}
	return false
}

// analyze runs the log analysis helper over the node's log artifact and
// shapes the findings into sink issues and incidents.
func analyze(
	ctx context.Context,
	origin string,
	node domain.Node,
	buildID string,
	testID string,
	logger *log.Logger,
) ([]kcidb.Issue, []kcidb.Incident) {
	logURL, ok := node.Artifacts["log"]
	if !ok {
		if logURL, ok = node.Artifacts["lava_log"]; !ok {
			return nil, nil
		}
	}
	content, err := fetchLog(ctx, logURL)
	if err != nil {
		logger.Printf("%s: fetching log: %v", node.ID, err)
		return nil, nil
	}

	var findings []logspec.Finding
	if node.Kind == domain.KindKbuild {
		findings = logspec.AnalyzeBuildLog(content)
	} else {
		findings = logspec.AnalyzeKernelLog(content)
	}

	issues := []kcidb.Issue{}
	incidents := []kcidb.Incident{}
	for _, f := range findings {
		issues = append(issues, kcidb.Issue{
			ID:      f.ID(),
			Version: 1,
			Origin:  origin,
			Report:  f.Summary,
			Misc:    map[string]any{"type": f.Type, "line": f.Line},
		})
		incidents = append(incidents, kcidb.Incident{
			ID:           f.ID() + ":" + node.ID,
			IssueID:      f.ID(),
			IssueVersion: 1,
			Origin:       origin,
			BuildID:      buildID,
			TestID:       testID,
			Present:      true,
		})
	}
	return issues, incidents
}

func ancestorOf(
	ctx context.Context, store api.Client, node domain.Node, kind domain.NodeKind,
) (domain.Node, error) {
	current := node
	for current.Parent != "" {
		parent, err := store.GetNode(ctx, current.Parent)
		if err != nil {
			return domain.Node{}, err
		}
		if parent.Kind == kind {
			return parent, nil
		}
		current = parent
	}
	return domain.Node{}, domain.ErrMissing
}

func fetchLog(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if 400 <= resp.StatusCode {
		return "", errors.New("status code = " + resp.Status)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	return string(content), err
}
