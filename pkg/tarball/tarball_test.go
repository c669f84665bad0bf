package tarball_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/opst/kite/internal/testutils"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/tarball"
	"github.com/opst/kite/pkg/utils/try"
)

func TestMaker_Process(t *testing.T) {
	logger := log.New(log.Writer(), "[test] ", 0)

	t.Run("a git failure is the sole way a checkout fails", func(t *testing.T) {
		store := testutils.NewStore()
		node := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout", State: domain.Running,
			Data: domain.NodeData{KernelRevision: &domain.Revision{
				Tree: "mainline", Branch: "master", Commit: "deadbeef",
				// an unroutable remote: the mirror update cannot succeed
				URL: "https://invalid.invalid/linux.git",
			}},
		})

		maker := tarball.NewMaker(store, nil, t.TempDir(), 30*time.Second, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := maker.Process(ctx, node); err == nil {
			t.Fatal("the mirror update should fail")
		}

		got := try.To(store.GetNode(context.Background(), node.ID)).OrFatal(t)
		if got.State != domain.Done || got.Result != domain.Fail {
			t.Errorf("wants done/fail, got %s/%s", got.State, got.Result)
		}
		if got.Data.ErrorCode != "git_checkout_failure" {
			t.Errorf("unexpected error code: %s", got.Data.ErrorCode)
		}
	})

	t.Run("a checkout without a revision is rejected", func(t *testing.T) {
		store := testutils.NewStore()
		node := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout", State: domain.Running,
		})
		maker := tarball.NewMaker(store, nil, t.TempDir(), 30*time.Second, logger)
		if err := maker.Process(context.Background(), node); err == nil {
			t.Error("a revision-less checkout should be rejected")
		}
	})
}
