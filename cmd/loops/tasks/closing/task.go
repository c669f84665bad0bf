package closing

import (
	"context"
	"errors"
	"log"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/loop/recurring"
)

// initial value for task
func Seed() struct{} {
	return struct{}{}
}

// Task for the closing loop.
//
// A closing node finishes as soon as its last child does: aggregate the
// children's results and transition to done.
func Task(
	store api.Client,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		nodes, err := store.FindNodes(
			ctx, api.Where("state", domain.Closing.String()),
		)
		if err != nil {
			return seed, false, err
		}

		processed := false
		for _, node := range nodes {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}

			children, err := store.FindNodes(ctx, api.Where("parent", node.ID))
			if err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			allDone := true
			for _, child := range children {
				if !child.Terminal() {
					allDone = false
					break
				}
			}
			if !allDone {
				continue
			}

			node.State = domain.Done
			node.Result = domain.AggregateResult(children)
			if _, err := store.UpdateNode(ctx, node, domain.Closing); err != nil &&
				!errors.Is(err, domain.ErrConflict) {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			processed = true
			logger.Printf("%s %s: done (%s)", node.ID, node.PathString(), node.Result)
		}
		return seed, processed, nil
	}
}
