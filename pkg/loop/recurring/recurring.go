package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opst/kite/pkg/loop"
)

// Task is one cycle of a recurring loop.
//
// Returns:
//
// - T : value passed to the next cycle, as in loop.Task[T].
//
// - bool : true when this cycle did something and more backlog may remain,
// false when the backlog is drained.
//
// - error : same as err of loop.Break(err).
type Task[T any] func(context.Context, T) (T, bool, error)

// Applied binds a policy to the task, producing a loop.Task.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		next, ok, err := rt(ctx, t)
		return next, p.Next(ok, err)
	}
}

// Policy decides how a recurring loop proceeds after each cycle.
type Policy interface {
	Next(ok bool, err error) loop.Next
	String() string
}

// Forever keeps looping until error. While the backlog is drained
// (ok == false), it sleeps cooldown between cycles.
func Forever(cooldown time.Duration) Policy {
	return forever{cooldown: cooldown}
}

type forever struct {
	cooldown time.Duration
}

func (f forever) Next(ok bool, err error) loop.Next {
	if err != nil {
		return loop.Break(err)
	}
	if ok {
		return loop.Continue(0)
	}
	return loop.Continue(f.cooldown)
}

func (f forever) String() string {
	return fmt.Sprintf("forever:%s", f.cooldown)
}

// Backlog loops until error or until the backlog is drained, then stops.
func Backlog() Policy {
	return backlog{}
}

type backlog struct{}

func (backlog) Next(ok bool, err error) loop.Next {
	if err != nil {
		return loop.Break(err)
	}
	if ok {
		return loop.Continue(0)
	}
	return loop.Break(nil)
}

func (backlog) String() string {
	return "backlog"
}

// ParsePolicy parses "forever[:COOLDOWN]" or "backlog".
func ParsePolicy(s string) (Policy, error) {
	switch {
	case s == "backlog":
		return Backlog(), nil
	case s == "forever":
		return Forever(0), nil
	case strings.HasPrefix(s, "forever:"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, "forever:"))
		if err != nil {
			return nil, fmt.Errorf("bad cooldown in policy %q: %w", s, err)
		}
		return Forever(d), nil
	default:
		return nil, fmt.Errorf("unknown loop policy: %q", s)
	}
}
