package regression_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/opst/kite/cmd/loops/tasks/regression"
	"github.com/opst/kite/internal/testutils"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/utils/rfctime"
	"github.com/opst/kite/pkg/utils/try"
)

func fingerprinted(name string, result domain.NodeResult, age time.Duration) domain.Node {
	return domain.Node{
		Kind: domain.KindJob, Name: name,
		State: domain.Done, Result: result,
		Data: domain.NodeData{
			KernelRevision: &domain.Revision{Tree: "mainline", Branch: "master"},
			Arch:           "arm64",
			Compiler:       "gcc-12",
			ConfigFull:     "defconfig",
			Platform:       "bcm2711-rpi-4-b",
		},
		Created: rfctime.New(time.Now().Add(-age)),
	}
}

func TestTask(t *testing.T) {
	logger := log.New(log.Writer(), "[test] ", 0)

	findRegressions := func(t *testing.T, store *testutils.Store) []domain.Node {
		t.Helper()
		return try.To(store.FindNodes(
			context.Background(),
			api.Where("kind", domain.KindRegression.String()),
		)).OrFatal(t)
	}

	t.Run("a pass -> fail transition emits a regression node", func(t *testing.T) {
		store := testutils.NewStore()
		passed := store.Put(fingerprinted("baseline-arm64", domain.Pass, 2*time.Hour))
		failed := store.Put(fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute))

		task := regression.Task(store, logger)
		_, processed, err := task(context.Background(), regression.Seed())
		if err != nil {
			t.Fatal(err)
		}
		if !processed {
			t.Error("the sweep should report work done")
		}

		regressions := findRegressions(t, store)
		if len(regressions) != 1 {
			t.Fatalf("wants 1 regression, got %d", len(regressions))
		}
		r := regressions[0]
		if r.Data.Regression == nil {
			t.Fatal("regression data missing")
		}
		if r.Data.Regression.FailNode != failed.ID || r.Data.Regression.PassNode != passed.ID {
			t.Errorf("unexpected cross-link: %+v", r.Data.Regression)
		}
		if r.Parent != failed.ID {
			t.Errorf("the regression should hang off the failure, got parent %s", r.Parent)
		}
	})

	t.Run("a first-ever failure is no regression", func(t *testing.T) {
		store := testutils.NewStore()
		store.Put(fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute))

		task := regression.Task(store, logger)
		if _, _, err := task(context.Background(), regression.Seed()); err != nil {
			t.Fatal(err)
		}
		if regressions := findRegressions(t, store); len(regressions) != 0 {
			t.Errorf("wants no regressions, got %d", len(regressions))
		}
	})

	t.Run("a fail -> fail sequence is no regression", func(t *testing.T) {
		store := testutils.NewStore()
		store.Put(fingerprinted("baseline-arm64", domain.Fail, 2*time.Hour))
		store.Put(fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute))

		task := regression.Task(store, logger)
		if _, _, err := task(context.Background(), regression.Seed()); err != nil {
			t.Fatal(err)
		}
		// neither failure has a passing predecessor; neither regresses
		if regressions := findRegressions(t, store); len(regressions) != 0 {
			t.Errorf("wants no regressions, got %d", len(regressions))
		}
	})

	t.Run("a different platform breaks the fingerprint", func(t *testing.T) {
		store := testutils.NewStore()
		passed := fingerprinted("baseline-arm64", domain.Pass, 2*time.Hour)
		passed.Data.Platform = "qemu-x86"
		store.Put(passed)
		store.Put(fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute))

		task := regression.Task(store, logger)
		if _, _, err := task(context.Background(), regression.Seed()); err != nil {
			t.Fatal(err)
		}
		if regressions := findRegressions(t, store); len(regressions) != 0 {
			t.Errorf("other platforms should not count, got %d", len(regressions))
		}
	})

	t.Run("an infrastructure error is not a regression", func(t *testing.T) {
		store := testutils.NewStore()
		store.Put(fingerprinted("baseline-arm64", domain.Pass, 2*time.Hour))
		failed := fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute)
		failed.Data.ErrorCode = "runtime_error"
		store.Put(failed)

		task := regression.Task(store, logger)
		if _, _, err := task(context.Background(), regression.Seed()); err != nil {
			t.Fatal(err)
		}
		if regressions := findRegressions(t, store); len(regressions) != 0 {
			t.Errorf("infrastructure errors should be excluded, got %d", len(regressions))
		}
	})

	t.Run("rerunning the sweep does not duplicate the regression", func(t *testing.T) {
		store := testutils.NewStore()
		store.Put(fingerprinted("baseline-arm64", domain.Pass, 2*time.Hour))
		store.Put(fingerprinted("baseline-arm64", domain.Fail, 10*time.Minute))

		task := regression.Task(store, logger)
		for i := 0; i < 2; i++ {
			if _, _, err := task(context.Background(), regression.Seed()); err != nil {
				t.Fatal(err)
			}
		}
		if regressions := findRegressions(t, store); len(regressions) != 1 {
			t.Errorf("wants exactly 1 regression, got %d", len(regressions))
		}
	})
}
