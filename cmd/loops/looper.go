package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/opst/kite/cmd/loops/tasks/closing"
	"github.com/opst/kite/cmd/loops/tasks/forward"
	"github.com/opst/kite/cmd/loops/tasks/holdoff"
	"github.com/opst/kite/cmd/loops/tasks/regression"
	"github.com/opst/kite/cmd/loops/tasks/retry"
	"github.com/opst/kite/cmd/loops/tasks/timeout"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/kcidb"
	"github.com/opst/kite/pkg/loop"
	"github.com/opst/kite/pkg/loop/recurring"
)

// LoopType selects which reconciler task this process runs.
type LoopType string

const (
	Timeout    LoopType = "timeout"
	Holdoff    LoopType = "holdoff"
	Closing    LoopType = "closing"
	Retry      LoopType = "retry"
	Regression LoopType = "regression"
	Forward    LoopType = "forward"
)

func (lt LoopType) String() string {
	return string(lt)
}

func AsLoopType(s string) (LoopType, error) {
	switch LoopType(s) {
	case Timeout, Holdoff, Closing, Retry, Regression, Forward:
		return LoopType(s), nil
	default:
		return "", fmt.Errorf(
			"'%s' is not a loop type (timeout|holdoff|closing|retry|regression|forward)", s,
		)
	}
}

type LoggerOptions func(*log.Logger) *log.Logger

func byLogger(l *log.Logger, opt ...LoggerOptions) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

func Copied() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func WithPrefix(pre string) LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(pre)
		return l
	}
}

// monitor wraps a task with start/end logging.
func monitor[T any](logger *log.Logger, task loop.Task[T]) loop.Task[T] {
	var counter uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		counter += 1
		timestamp := time.Now()

		logger.Printf("task start: #0x%X", counter)
		defer func() {
			logger.Printf("task end: #0x%X (takes %s): %s", counter, time.Since(timestamp), next)
		}()

		ret, next = task(ctx, t)
		return
	}
}

// LoopManifest determines how the loop behaves.
type LoopManifest struct {
	Type   LoopType
	Policy recurring.Policy
}

// StartLoop dispatches to the task selected by the manifest and blocks
// until the loop breaks or the context falls.
func StartLoop(
	ctx context.Context,
	logger *log.Logger,
	conf *config.Config,
	secrets *config.Secrets,
	store api.Client,
	bus api.Bus,
	manifest LoopManifest,
) error {
	switch manifest.Type {
	case Timeout:
		l := byLogger(logger, Copied(), WithPrefix("[timeout loop] "))
		_, err := loop.Start(
			ctx, timeout.Seed(),
			monitor(l, timeout.Task(store, l).Applied(manifest.Policy)),
		)
		return err
	case Holdoff:
		l := byLogger(logger, Copied(), WithPrefix("[holdoff loop] "))
		_, err := loop.Start(
			ctx, holdoff.Seed(),
			monitor(l, holdoff.Task(store, l).Applied(manifest.Policy)),
		)
		return err
	case Closing:
		l := byLogger(logger, Copied(), WithPrefix("[closing loop] "))
		_, err := loop.Start(
			ctx, closing.Seed(),
			monitor(l, closing.Task(store, l).Applied(manifest.Policy)),
		)
		return err
	case Retry:
		l := byLogger(logger, Copied(), WithPrefix("[retry loop] "))
		_, err := loop.Start(
			ctx, retry.Seed(),
			monitor(l, retry.Task(store, bus, l).Applied(manifest.Policy)),
		)
		return err
	case Regression:
		l := byLogger(logger, Copied(), WithPrefix("[regression loop] "))
		_, err := loop.Start(
			ctx, regression.Seed(),
			monitor(l, regression.Task(store, l).Applied(manifest.Policy)),
		)
		return err
	case Forward:
		creds := secrets.KCIDB()
		if creds == nil {
			return fmt.Errorf("the forward loop needs kcidb credentials in the secrets file")
		}
		sink := kcidb.New(creds.URL(), creds.Token())
		l := byLogger(logger, Copied(), WithPrefix("[forward loop] "))

		// event-driven fast path; the batch sweep below catches whatever
		// the subscription misses
		go forwardSubscriber(ctx, l, store, bus, sink, creds.Origin())

		_, err := loop.Start(
			ctx, forward.Seed(),
			monitor(l, forward.Task(store, sink, creds.Origin(), l).Applied(manifest.Policy)),
		)
		return err
	default:
		return fmt.Errorf("unknown loop type: %s", manifest.Type)
	}
}

// forwardSubscriber forwards terminal nodes as their events arrive.
func forwardSubscriber(
	ctx context.Context,
	logger *log.Logger,
	store api.Client,
	bus api.Bus,
	sink kcidb.Client,
	origin string,
) {
	sub, err := bus.Subscribe(ctx, "node")
	if err != nil {
		logger.Printf("subscribe: %v (batch sweep only)", err)
		return
	}
	defer sub.Close()

	for {
		event, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("receive: %v", err)
			continue
		}
		if event.State != domain.Done {
			continue
		}
		node, err := store.GetNode(ctx, event.ID)
		if err != nil {
			logger.Printf("%s: %v", event.ID, err)
			continue
		}
		if err := forward.ForwardOne(ctx, store, sink, origin, node, logger); err != nil {
			logger.Printf("%s: %v", node.ID, err)
		}
	}
}
