package retry_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/opst/kite/cmd/loops/tasks/retry"
	"github.com/opst/kite/internal/testutils"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/cmp"
	"github.com/opst/kite/pkg/utils/rfctime"
)

func seedTree(store *testutils.Store) (checkout, kbuild domain.Node) {
	checkout = store.Put(domain.Node{
		Kind: domain.KindCheckout, Name: "checkout", State: domain.Closing,
		Created: rfctime.New(time.Now().Add(-time.Hour)),
	})
	kbuild = store.Put(domain.Node{
		Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
		Parent: checkout.ID, State: domain.Done, Result: domain.Incomplete,
		Created: rfctime.New(time.Now().Add(-30 * time.Minute)),
	})
	return
}

func TestTask(t *testing.T) {
	logger := log.New(log.Writer(), "[test] ", 0)

	t.Run("an incomplete kbuild republishes its checkout with a narrowed filter", func(t *testing.T) {
		store := testutils.NewStore()
		bus := testutils.NewBus()
		checkout, _ := seedTree(store)

		task := retry.Task(store, bus, logger)
		_, processed, err := task(context.Background(), retry.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if !processed {
			t.Error("the sweep should report work done")
		}

		events := bus.PublishedOn("retry")
		if len(events) != 1 {
			t.Fatalf("wants 1 retry event, got %d", len(events))
		}
		event := events[0]
		if event.ID != checkout.ID {
			t.Errorf("the event should target the checkout, got %s", event.ID)
		}
		if event.State != domain.Available {
			t.Errorf("the event should read available, got %s", event.State)
		}
		if !cmp.SliceEq(event.JobFilter, []string{"kbuild-gcc-12-arm64+"}) {
			t.Errorf("unexpected jobfilter: %v", event.JobFilter)
		}
		if event.RetryCounter != 1 {
			t.Errorf("wants counter 1, got %d", event.RetryCounter)
		}
	})

	t.Run("a failed kbuild is retried like an incomplete one", func(t *testing.T) {
		store := testutils.NewStore()
		bus := testutils.NewBus()
		checkout := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout", State: domain.Closing,
			Created: rfctime.New(time.Now().Add(-time.Hour)),
		})
		store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			Parent: checkout.ID, State: domain.Done, Result: domain.Fail,
			Created: rfctime.New(time.Now().Add(-30 * time.Minute)),
		})

		task := retry.Task(store, bus, logger)
		if _, _, err := task(context.Background(), retry.Seed()); err != nil {
			t.Fatal(err)
		}
		events := bus.PublishedOn("retry")
		if len(events) != 1 {
			t.Fatalf("wants 1 retry event, got %d", len(events))
		}
		if events[0].RetryCounter != 1 {
			t.Errorf("wants counter 1, got %d", events[0].RetryCounter)
		}
	})

	t.Run("the chain stops at three attempts", func(t *testing.T) {
		store := testutils.NewStore()
		bus := testutils.NewBus()
		checkout := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout", State: domain.Closing,
			Created: rfctime.New(time.Now().Add(-time.Hour)),
		})
		store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			Parent: checkout.ID, State: domain.Done, Result: domain.Incomplete,
			Data:    domain.NodeData{RetryCounter: 3},
			Created: rfctime.New(time.Now().Add(-30 * time.Minute)),
		})

		task := retry.Task(store, bus, logger)
		if _, _, err := task(context.Background(), retry.Seed()); err != nil {
			t.Fatal(err)
		}
		if events := bus.PublishedOn("retry"); len(events) != 0 {
			t.Errorf("wants no retry events, got %d", len(events))
		}
	})

	t.Run("an existing next-attempt sibling suppresses the retry", func(t *testing.T) {
		store := testutils.NewStore()
		bus := testutils.NewBus()
		checkout, kbuild := seedTree(store)

		// the sibling of attempt #1 already exists
		store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: kbuild.Name,
			Parent: checkout.ID, State: domain.Running,
			Data:    domain.NodeData{RetryCounter: 1},
			Created: rfctime.New(time.Now()),
		})

		task := retry.Task(store, bus, logger)
		if _, _, err := task(context.Background(), retry.Seed()); err != nil {
			t.Fatal(err)
		}
		if events := bus.PublishedOn("retry"); len(events) != 0 {
			t.Errorf("the retry should be suppressed, got %d events", len(events))
		}
	})

	t.Run("a failed baseline is retried against its kbuild with the platform pinned", func(t *testing.T) {
		store := testutils.NewStore()
		bus := testutils.NewBus()
		checkout := store.Put(domain.Node{
			Kind: domain.KindCheckout, Name: "checkout", State: domain.Closing,
			Created: rfctime.New(time.Now().Add(-time.Hour)),
		})
		kbuild := store.Put(domain.Node{
			Kind: domain.KindKbuild, Name: "kbuild-gcc-12-arm64",
			Parent: checkout.ID, State: domain.Closing,
			Created: rfctime.New(time.Now().Add(-40 * time.Minute)),
		})
		store.Put(domain.Node{
			Kind: domain.KindJob, Name: "baseline-arm64",
			Parent: kbuild.ID, State: domain.Done, Result: domain.Fail,
			Data:    domain.NodeData{Platform: "bcm2711-rpi-4-b"},
			Created: rfctime.New(time.Now().Add(-10 * time.Minute)),
		})

		task := retry.Task(store, bus, logger)
		if _, _, err := task(context.Background(), retry.Seed()); err != nil {
			t.Fatal(err)
		}

		events := bus.PublishedOn("retry")
		if len(events) != 1 {
			t.Fatalf("wants 1 retry event, got %d", len(events))
		}
		event := events[0]
		if event.ID != kbuild.ID {
			t.Errorf("the event should target the kbuild, got %s", event.ID)
		}
		if !cmp.SliceEq(event.JobFilter, []string{"baseline-arm64"}) {
			t.Errorf("unexpected jobfilter: %v", event.JobFilter)
		}
		if !cmp.SliceEq(event.PlatformFilter, []string{"bcm2711-rpi-4-b"}) {
			t.Errorf("unexpected platform filter: %v", event.PlatformFilter)
		}
	})
}
