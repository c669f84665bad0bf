package timeout

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/loop/recurring"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// Task for the timeout loop.
//
// Sweep all pending nodes whose deadline passed and expire them with
// their whole pending subtree, children before parents, so that parent
// aggregation never sees a live child. Work still running expires
// incomplete; a node already waiting in available or closing follows
// the holdoff-completion convention and passes.
func Task(
	store api.Client,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		now := rfctime.New(time.Now())

		expired := []domain.Node{}
		for _, state := range domain.PendingStates() {
			nodes, err := store.FindNodes(
				ctx,
				api.Where("state", state.String()),
				api.WhereOp("timeout", api.OpLt, now.String()),
			)
			if err != nil {
				return seed, false, err
			}
			expired = append(expired, nodes...)
		}

		processed := false
		for _, node := range expired {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}
			if err := expire(ctx, store, node); err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			processed = true
			logger.Printf("%s %s: timeout", node.ID, node.PathString())
		}
		return seed, processed, nil
	}
}

// expire transitions node and every pending descendant to done,
// deepest first.
func expire(ctx context.Context, store api.Client, node domain.Node) error {
	children, err := store.FindNodes(ctx, api.Where("parent", node.ID))
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Terminal() {
			continue
		}
		if err := expire(ctx, store, child); err != nil {
			return err
		}
	}

	expect := node.State
	node.Result = domain.TimeoutResult(node.State)
	node.State = domain.Done
	_, err = store.UpdateNode(ctx, node, expect)
	if errors.Is(err, domain.ErrConflict) {
		// someone else moved it; their transition stands
		return nil
	}
	return err
}
