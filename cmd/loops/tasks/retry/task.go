package retry

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/loop/recurring"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// MaxAttempts bounds a retry chain; the final sibling's result stands.
const MaxAttempts = 3

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// Task for the retry loop.
//
// An incomplete kbuild/job (or a failed kbuild or baseline) with
// attempts left gets a fresh sibling: the task republishes the appropriate ancestor
// as a synthetic event on the retry channel, with a jobfilter narrowing
// scheduling to the failed job and the counter bumped. Retries spawn
// new nodes, never mutate the original.
func Task(
	store api.Client,
	bus api.Bus,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		since := rfctime.New(time.Now().Add(-24 * time.Hour))

		candidates := []domain.Node{}
		for _, kind := range []domain.NodeKind{domain.KindKbuild, domain.KindJob} {
			nodes, err := store.FindNodes(
				ctx,
				api.Where("kind", kind.String()),
				api.Where("state", domain.Done.String()),
				api.Where("result", domain.Incomplete.String()),
				api.WhereOp("created", api.OpGt, since.String()),
			)
			if err != nil {
				return seed, false, err
			}
			candidates = append(candidates, nodes...)
		}
		// failed builds and failed baselines are retried like incomplete
		// work: only the chain's final verdict counts
		for _, query := range [][]api.Filter{
			{
				api.Where("kind", domain.KindKbuild.String()),
				api.Where("state", domain.Done.String()),
				api.Where("result", domain.Fail.String()),
				api.WhereOp("created", api.OpGt, since.String()),
			},
			{
				api.Where("kind", domain.KindJob.String()),
				api.Where("state", domain.Done.String()),
				api.Where("result", domain.Fail.String()),
				api.WhereOp("name", api.OpRe, "^baseline"),
				api.WhereOp("created", api.OpGt, since.String()),
			},
		} {
			nodes, err := store.FindNodes(ctx, query...)
			if err != nil {
				return seed, false, err
			}
			candidates = append(candidates, nodes...)
		}

		processed := false
		for _, node := range candidates {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}
			ok, err := retryOne(ctx, store, bus, node)
			if err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			if ok {
				processed = true
				logger.Printf(
					"%s %s: retry #%d submitted",
					node.ID, node.Name, node.Data.RetryCounter+1,
				)
			}
		}
		return seed, processed, nil
	}
}

func retryOne(
	ctx context.Context, store api.Client, bus api.Bus, node domain.Node,
) (bool, error) {
	if MaxAttempts <= node.Data.RetryCounter {
		return false, nil
	}

	var ancestorKind domain.NodeKind
	switch node.Kind {
	case domain.KindKbuild:
		ancestorKind = domain.KindCheckout
	case domain.KindJob:
		ancestorKind = domain.KindKbuild
	default:
		return false, nil
	}

	ancestor, err := findAncestor(ctx, store, node, ancestorKind)
	if err != nil {
		return false, err
	}

	// idempotence: skip when the sibling of the next attempt exists
	dedup := []api.Filter{
		api.Where("parent", ancestor.ID),
		api.Where("name", node.Name),
		api.Where("data.retry_counter", strconv.Itoa(node.Data.RetryCounter+1)),
	}
	if node.Data.Platform != "" {
		dedup = append(dedup, api.Where("data.platform", node.Data.Platform))
	}
	siblings, err := store.FindNodes(ctx, dedup...)
	if err != nil {
		return false, err
	}
	if 0 < len(siblings) {
		return false, nil
	}

	event := api.Event{
		Op:           "retry",
		ID:           ancestor.ID,
		Kind:         ancestor.Kind,
		Name:         ancestor.Name,
		State:        domain.Available,
		Result:       ancestor.Result,
		RetryCounter: node.Data.RetryCounter + 1,
	}
	if node.Kind == domain.KindKbuild {
		// variants of the build are retried with it
		event.JobFilter = []string{node.Name + "+"}
	} else {
		event.JobFilter = []string{node.Name}
	}
	if node.Data.Platform != "" {
		event.PlatformFilter = []string{node.Data.Platform}
	}

	if err := bus.Publish(ctx, "retry", event); err != nil {
		return false, err
	}
	return true, nil
}

func findAncestor(
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
