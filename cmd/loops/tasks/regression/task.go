package regression

import (
	"context"
	"log"
	"sort"
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

// Task for the regression loop.
//
// For every fresh failure, look the fingerprint's history up: when the
// most recent sibling with the same (tree, branch, name, arch, config,
// compiler, platform) passed, the failure is a regression and gets a
// node cross-linking both revisions. Infrastructure errors (error_code
// set) are not regressions.
func Task(
	store api.Client,
	logger *log.Logger,
) recurring.Task[struct{}] {
	return func(ctx context.Context, seed struct{}) (struct{}, bool, error) {
		since := rfctime.New(time.Now().Add(-24 * time.Hour))
		failed, err := store.FindNodes(
			ctx,
			api.Where("state", domain.Done.String()),
			api.Where("result", domain.Fail.String()),
			api.WhereOp("kind", api.OpNe, domain.KindRegression.String()),
			api.WhereOp("created", api.OpGt, since.String()),
		)
		if err != nil {
			return seed, false, err
		}

		processed := false
		for _, node := range failed {
			if err := ctx.Err(); err != nil {
				return seed, processed, err
			}
			if node.Data.ErrorCode != "" {
				continue
			}
			ok, err := trackOne(ctx, store, node)
			if err != nil {
				logger.Printf("%s: %v", node.ID, err)
				continue
			}
			if ok {
				processed = true
				logger.Printf("%s %s: regression detected", node.ID, node.Name)
			}
		}
		return seed, processed, nil
	}
}

func trackOne(ctx context.Context, store api.Client, node domain.Node) (bool, error) {
	// idempotence: one regression node per failure
	recorded, err := store.FindNodes(
		ctx,
		api.Where("kind", domain.KindRegression.String()),
		api.Where("data.regression.fail_node", node.ID),
	)
	if err != nil {
		return false, err
	}
	if 0 < len(recorded) {
		return false, nil
	}

	previous, err := history(ctx, store, node)
	if err != nil {
		return false, err
	}
	if len(previous) == 0 {
		return false, nil
	}
	latest := previous[0]
	if latest.Result != domain.Pass {
		return false, nil
	}

	regression := domain.Node{
		Kind:   domain.KindRegression,
		Name:   node.Name,
		Path:   node.ChildPath(node.Name),
		Parent: node.ID,
		Group:  node.Group,
		State:  domain.Done,
		Result: domain.Fail,
		Data: domain.NodeData{
			KernelRevision: node.Data.KernelRevision,
			Arch:           node.Data.Arch,
			Compiler:       node.Data.Compiler,
			Defconfig:      node.Data.Defconfig,
			ConfigFull:     node.Data.ConfigFull,
			Platform:       node.Data.Platform,
			Regression: &domain.RegressionData{
				FailNode: node.ID,
				PassNode: latest.ID,
			},
		},
		Artifacts: node.Artifacts,
		TreeID:    node.TreeID,
	}
	if _, err := store.CreateNode(ctx, regression); err != nil {
		return false, err
	}
	return true, nil
}

// history lists earlier terminal siblings sharing the node's
// fingerprint, most recent first.
func history(ctx context.Context, store api.Client, node domain.Node) ([]domain.Node, error) {
	rev := node.Data.KernelRevision
	if rev == nil {
		return nil, nil
	}
	filters := []api.Filter{
		api.Where("name", node.Name),
		api.Where("state", domain.Done.String()),
		api.Where("data.kernel_revision.tree", rev.Tree),
		api.Where("data.kernel_revision.branch", rev.Branch),
		api.WhereOp("created", api.OpLt, node.Created.String()),
	}
	for field, value := range map[string]string{
		"data.arch":        node.Data.Arch,
		"data.config_full": node.Data.ConfigFull,
		"data.compiler":    node.Data.Compiler,
		"data.platform":    node.Data.Platform,
	} {
		if value != "" {
			filters = append(filters, api.Where(field, value))
		}
	}

	siblings, err := store.FindNodes(ctx, filters...)
	if err != nil {
		return nil, err
	}
	sort.Slice(siblings, func(i, j int) bool {
		return siblings[j].Created.Time().Before(siblings[i].Created.Time())
	})
	return siblings, nil
}
