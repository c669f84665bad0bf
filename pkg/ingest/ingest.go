package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/runtime"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// Apply writes a runtime outcome back to the state store: the reported
// result tree becomes child nodes, artifacts are attached, and the node
// advances to available (suites that may spawn or receive more
// children) or straight to done (leaf tests).
//
// Apply is idempotent: re-delivering the same outcome finds the
// existing children and updates the node in place.
func Apply(
	ctx context.Context,
	store api.Client,
	node domain.Node,
	outcome runtime.Outcome,
	holdoff time.Duration,
) (domain.Node, error) {
	if node.Terminal() {
		// late or duplicate delivery after the reconciler moved on
		return node, nil
	}

	for _, test := range outcome.Tests {
		if err := applyTest(ctx, store, node, test); err != nil {
			return node, err
		}
	}

	if node.Artifacts == nil && 0 < len(outcome.Artifacts) {
		node.Artifacts = map[string]string{}
	}
	for name, url := range outcome.Artifacts {
		node.Artifacts[name] = url
	}
	node.Result = outcome.Result
	node.Data.ErrorCode = outcome.ErrorCode
	node.Data.ErrorMsg = outcome.ErrorMsg

	expect := node.State
	switch node.Kind {
	case domain.KindKbuild, domain.KindJob, domain.KindProcess:
		node.State = domain.Available
		if node.Holdoff == nil {
			h := rfctime.New(time.Now().Add(holdoff))
			node.Holdoff = &h
		}
	default:
		node.State = domain.Done
	}

	updated, err := store.UpdateNode(ctx, node, expect)
	if errors.Is(err, domain.ErrConflict) {
		// the reconciler won the race; re-read and keep its transition
		current, gerr := store.GetNode(ctx, node.ID)
		if gerr != nil {
			return node, gerr
		}
		return current, nil
	}
	return updated, err
}

// applyTest mirrors one reported result subtree under parent,
// creating missing nodes and leaving existing ones untouched.
func applyTest(
	ctx context.Context,
	store api.Client,
	parent domain.Node,
	test runtime.TestResult,
) error {
	existing, err := store.FindNodes(
		ctx,
		api.Where("parent", parent.ID),
		api.Where("name", test.Name),
	)
	if err != nil {
		return err
	}

	// a suite has to accept its cases before it can close
	state := domain.Done
	if 0 < len(test.Children) {
		state = domain.Running
	}

	var child domain.Node
	created := false
	if 0 < len(existing) {
		child = existing[0]
	} else {
		created = true
		child = domain.Node{
			Kind:   test.Kind,
			Name:   test.Name,
			Path:   parent.ChildPath(test.Name),
			Parent: parent.ID,
			Group:  parent.Group,
			State:  state,
			Result: test.Result,
			Data: domain.NodeData{
				KernelRevision: parent.Data.KernelRevision,
				Arch:           parent.Data.Arch,
				Compiler:       parent.Data.Compiler,
				Defconfig:      parent.Data.Defconfig,
				ConfigFull:     parent.Data.ConfigFull,
				Platform:       parent.Data.Platform,
				Runtime:        parent.Data.Runtime,
			},
			Artifacts: test.Artifacts,
			Timeout:   parent.Timeout,
		}
		stored, err := store.CreateNode(ctx, child)
		if err != nil {
			if errors.Is(err, domain.ErrClosedParent) {
				return fmt.Errorf("parent %s closed before results landed: %w", parent.ID, err)
			}
			return err
		}
		child = stored
	}

	for _, sub := range test.Children {
		if err := applyTest(ctx, store, child, sub); err != nil {
			return err
		}
	}

	if created && state == domain.Running {
		child.State = domain.Done
		child.Result = test.Result
		if _, err := store.UpdateNode(ctx, child, domain.Running); err != nil &&
			!errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	return nil
}
