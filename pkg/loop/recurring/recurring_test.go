package recurring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/kite/pkg/loop"
	"github.com/opst/kite/pkg/loop/recurring"
)

func TestParsePolicy(t *testing.T) {
	for name, theory := range map[string]struct {
		input string
		want  string
		ok    bool
	}{
		"backlog parses":           {"backlog", "backlog", true},
		"bare forever parses":      {"forever", "forever:0s", true},
		"forever with cooldown":    {"forever:30s", "forever:30s", true},
		"garbage is rejected":      {"sometimes", "", false},
		"bad cooldown is rejected": {"forever:often", "", false},
	} {
		t.Run(name, func(t *testing.T) {
			policy, err := recurring.ParsePolicy(theory.input)
			if theory.ok {
				if err != nil {
					t.Fatal(err)
				}
				if policy.String() != theory.want {
					t.Errorf("wants %s, got %s", theory.want, policy.String())
				}
			} else if err == nil {
				t.Errorf("%q should be rejected", theory.input)
			}
		})
	}
}

func TestPolicies(t *testing.T) {
	t.Run("forever continues over a drained backlog with cooldown", func(t *testing.T) {
		task := recurring.Task[int](func(_ context.Context, v int) (int, bool, error) {
			return v, false, nil
		})
		applied := task.Applied(recurring.Forever(time.Minute))
		_, next := applied(context.Background(), 0)
		if next.String() != loop.Continue(time.Minute).String() {
			t.Errorf("wants a cooldown continue, got %s", next)
		}
	})

	t.Run("backlog breaks once drained", func(t *testing.T) {
		task := recurring.Task[int](func(_ context.Context, v int) (int, bool, error) {
			return v, false, nil
		})
		applied := task.Applied(recurring.Backlog())
		_, next := applied(context.Background(), 0)
		if next.String() != loop.Break(nil).String() {
			t.Errorf("wants a break, got %s", next)
		}
	})

	t.Run("every policy breaks on error", func(t *testing.T) {
		boom := errors.New("boom")
		task := recurring.Task[int](func(_ context.Context, v int) (int, bool, error) {
			return v, true, boom
		})
		for _, policy := range []recurring.Policy{
			recurring.Forever(0), recurring.Backlog(),
		} {
			_, next := task.Applied(policy)(context.Background(), 0)
			if next.String() != loop.Break(boom).String() {
				t.Errorf("policy %s: wants a break with error, got %s", policy, next)
			}
		}
	})
}
