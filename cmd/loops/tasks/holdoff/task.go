package holdoff

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

// Task for the holdoff loop.
//
// A node in available whose holdoff elapsed either completes (all
// children done: aggregate and finish) or stops accepting children
// (some child alive: closing). Closing is what guarantees the
// scheduler's late dispatches are rejected by the store.
func Task(
	store api.Client,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		now := rfctime.New(time.Now())
		nodes, err := store.FindNodes(
			ctx,
			api.Where("state", domain.Available.String()),
			api.WhereOp("holdoff", api.OpLt, now.String()),
		)
		if err != nil {
			return seed, false, err
		}

		processed := false
		for _, node := range nodes {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}
			next, err := settle(ctx, store, node)
			if err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			processed = true
			logger.Printf("%s %s: holdoff elapsed -> %s", node.ID, node.PathString(), next)
		}
		return seed, processed, nil
	}
}

func settle(ctx context.Context, store api.Client, node domain.Node) (domain.NodeState, error) {
	children, err := store.FindNodes(ctx, api.Where("parent", node.ID))
	if err != nil {
		return "", err
	}

	allDone := true
	for _, child := range children {
		if !child.Terminal() {
			allDone = false
			break
		}
	}

	if allDone {
		node.State = domain.Done
		node.Result = domain.AggregateResult(children)
	} else {
		node.State = domain.Closing
	}

	if _, err := store.UpdateNode(ctx, node, domain.Available); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return node.State, nil
		}
		return "", err
	}
	return node.State, nil
}
