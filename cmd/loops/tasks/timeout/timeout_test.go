package timeout_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/opst/kite/cmd/loops/tasks/timeout"
	"github.com/opst/kite/internal/testutils"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/pointer"
	"github.com/opst/kite/pkg/utils/rfctime"
	"github.com/opst/kite/pkg/utils/try"
)

func past() *rfctime.RFC3339 {
	return pointer.Ref(rfctime.New(time.Now().Add(-time.Minute)))
}

func future() *rfctime.RFC3339 {
	return pointer.Ref(rfctime.New(time.Now().Add(time.Hour)))
}

func TestTask(t *testing.T) {
	logger := log.New(log.Writer(), "[test] ", 0)

	t.Run("an expired running node goes done/incomplete", func(t *testing.T) {
		store := testutils.NewStore()
		node := store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			State: domain.Running, Timeout: past(),
		})

		task := timeout.Task(store, logger)
		_, processed, err := task(context.Background(), timeout.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if !processed {
			t.Error("the sweep should report work done")
		}

		got := try.To(store.GetNode(context.Background(), node.ID)).OrFatal(t)
		if got.State != domain.Done || got.Result != domain.Incomplete {
			t.Errorf("wants done/incomplete, got %s/%s", got.State, got.Result)
		}
	})

	t.Run("an expired available node passes (holdoff completion)", func(t *testing.T) {
		store := testutils.NewStore()
		node := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout",
			State: domain.Available, Timeout: past(),
		})

		task := timeout.Task(store, logger)
		if _, _, err := task(context.Background(), timeout.Seed()); err != nil {
			t.Fatal(err)
		}

		got := try.To(store.GetNode(context.Background(), node.ID)).OrFatal(t)
		if got.State != domain.Done || got.Result != domain.Pass {
			t.Errorf("wants done/pass, got %s/%s", got.State, got.Result)
		}
	})

	t.Run("expiry takes the pending subtree along, children first", func(t *testing.T) {
		store := testutils.NewStore()
		parent := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout",
			State: domain.Available, Timeout: past(),
		})
		running := store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			Parent: parent.ID, State: domain.Running, Timeout: future(),
		})
		finished := store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-clang-17-x86",
			Parent: parent.ID, State: domain.Done, Result: domain.Pass,
		})

		task := timeout.Task(store, logger)
		if _, _, err := task(context.Background(), timeout.Seed()); err != nil {
			t.Fatal(err)
		}

		gotParent := try.To(store.GetNode(context.Background(), parent.ID)).OrFatal(t)
		if gotParent.State != domain.Done {
			t.Errorf("parent should be done, got %s", gotParent.State)
		}
		gotRunning := try.To(store.GetNode(context.Background(), running.ID)).OrFatal(t)
		if gotRunning.State != domain.Done || gotRunning.Result != domain.Incomplete {
			t.Errorf("running child should expire incomplete, got %s/%s",
				gotRunning.State, gotRunning.Result)
		}
		gotFinished := try.To(store.GetNode(context.Background(), finished.ID)).OrFatal(t)
		if gotFinished.Result != domain.Pass {
			t.Errorf("a done child's result is immutable, got %s", gotFinished.Result)
		}
	})

	t.Run("nodes within their deadline are untouched", func(t *testing.T) {
		store := testutils.NewStore()
		node := store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			State: domain.Running, Timeout: future(),
		})

		task := timeout.Task(store, logger)
		_, processed, err := task(context.Background(), timeout.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if processed {
			t.Error("nothing should be processed")
		}
		got := try.To(store.GetNode(context.Background(), node.ID)).OrFatal(t)
		if got.State != domain.Running {
			t.Errorf("node should still run, got %s", got.State)
		}
	})
}
