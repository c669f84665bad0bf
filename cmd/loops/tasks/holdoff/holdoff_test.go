package holdoff_test

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/opst/kite/cmd/loops/tasks/holdoff"
	"github.com/opst/kite/internal/testutils"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/pointer"
	"github.com/opst/kite/pkg/utils/rfctime"
	"github.com/opst/kite/pkg/utils/try"
)

func elapsed() *rfctime.RFC3339 {
	return pointer.Ref(rfctime.New(time.Now().Add(-time.Minute)))
}

func TestTask(t *testing.T) {
	logger := log.New(log.Writer(), "[test] ", 0)

	t.Run("all children done: the node finishes with the aggregate", func(t *testing.T) {
		store := testutils.NewStore()
		parent := store.Put(domain.Node{
			Kind: domain.KindJob, Name: "baseline-arm64",
			State: domain.Available, Holdoff: elapsed(),
		})
		store.Put(domain.Node{
			Kind: domain.KindTest, Name: "dmesg", Parent: parent.ID,
			State: domain.Done, Result: domain.Pass,
		})
		store.Put(domain.Node{
			Kind: domain.KindTest, Name: "smoke", Parent: parent.ID,
			State: domain.Done, Result: domain.Skip,
		})

		task := holdoff.Task(store, logger)
		if _, _, err := task(context.Background(), holdoff.Seed()); err != nil {
			t.Fatal(err)
		}

		got := try.To(store.GetNode(context.Background(), parent.ID)).OrFatal(t)
		if got.State != domain.Done || got.Result != domain.Pass {
			t.Errorf("wants done/pass (mixed pass+skip), got %s/%s", got.State, got.Result)
		}
	})

	t.Run("children alive: the node closes and rejects new children", func(t *testing.T) {
		store := testutils.NewStore()
		parent := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout",
			State: domain.Available, Holdoff: elapsed(),
		})
		store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64", Parent: parent.ID,
			State: domain.Running,
		})
		store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-clang-17-x86", Parent: parent.ID,
			State: domain.Running,
		})

		task := holdoff.Task(store, logger)
		if _, _, err := task(context.Background(), holdoff.Seed()); err != nil {
			t.Fatal(err)
		}

		got := try.To(store.GetNode(context.Background(), parent.ID)).OrFatal(t)
		if got.State != domain.Closing {
			t.Fatalf("wants closing, got %s", got.State)
		}

		// the scheduler's late dispatch must now fail its precondition
		_, err := store.CreateNode(context.Background(), domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-late", Parent: parent.ID,
			State: domain.Running,
		})
		if !errors.Is(err, domain.ErrClosedParent) {
			t.Errorf("wants ErrClosedParent, got %v", err)
		}
	})

	t.Run("a node still within holdoff is untouched", func(t *testing.T) {
		store := testutils.NewStore()
		parent := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout",
			State:   domain.Available,
			Holdoff: pointer.Ref(rfctime.New(time.Now().Add(time.Hour))),
		})

		task := holdoff.Task(store, logger)
		_, processed, err := task(context.Background(), holdoff.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if processed {
			t.Error("nothing should be processed")
		}
		got := try.To(store.GetNode(context.Background(), parent.ID)).OrFatal(t)
		if got.State != domain.Available {
			t.Errorf("node should stay available, got %s", got.State)
		}
	})
}
