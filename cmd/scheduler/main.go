package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/runtime"
	"github.com/opst/kite/pkg/scheduler"
	"github.com/opst/kite/pkg/utils/filewatch"
	"github.com/opst/kite/pkg/utils/try"
)

func main() {
	logger := log.Default()

	pconfig := flag.String(
		"settings", os.Getenv("KITE_SETTINGS"), "path to pipeline config file",
	)
	psecrets := flag.String(
		"secrets", os.Getenv("KITE_SECRETS"), "path to secrets file",
	)
	pruntimes := flag.String(
		"runtimes", "", "comma-separated runtime names to serve; all by default",
	)
	ptemplates := flag.String("templates", "config/templates", "job template directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	{
		wctx, wcancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.Fatal(err)
		}
		defer wcancel()
		ctx = wctx
	}

	conf := try.To(config.Load(*pconfig)).OrFatal(logger)
	secrets := try.To(config.LoadSecrets(*psecrets)).OrFatal(logger)

	store := try.To(api.New(conf.API().StoreURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(logger)
	bus := try.To(api.NewBus(conf.API().BusURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(logger)

	selected := map[string]bool{}
	for _, name := range strings.Split(*pruntimes, ",") {
		if name = strings.TrimSpace(name); name != "" {
			selected[name] = true
		}
	}

	runtimes := map[string]runtime.Runtime{}
	for name, rconf := range conf.Runtimes() {
		if 0 < len(selected) && !selected[name] {
			continue
		}
		rt, err := runtime.New(rconf, runtime.Options{
			Tokens:      tokensOf(secrets),
			CallbackURL: conf.Settings().CallbackURL(),
			OutputDir:   conf.Settings().OutputDir(),
		})
		if err != nil {
			logger.Fatalf("runtime %s: %s", name, err)
		}
		runtimes[name] = rt
	}
	if len(runtimes) == 0 {
		logger.Fatal("no runtime selected")
	}

	sched := scheduler.New(
		conf, store, runtimes,
		runtime.FileRenderer{Dir: *ptemplates},
		logger,
	)

	logger.Printf("listening for node events (%d runtimes)", len(runtimes))

	var wg sync.WaitGroup
	for _, topic := range []string{"node", "retry"} {
		sub, err := bus.Subscribe(ctx, topic)
		if err != nil {
			logger.Fatal(err)
		}
		defer sub.Close()

		wg.Add(1)
		go func(topic string, sub api.Subscription) {
			defer wg.Done()
			for {
				event, err := sub.Receive(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logger.Printf("receive (%s): %v", topic, err)
					continue
				}
				if err := sched.Schedule(ctx, event); err != nil {
					logger.Printf("%s: %v", event.ID, err)
				}
			}
		}(topic, sub)
	}
	wg.Wait()

	// bounded drain of outstanding dispatches
	drainCtx, drainCancel := context.WithTimeout(
		context.Background(), conf.Settings().DrainGrace(),
	)
	defer drainCancel()
	sched.Drain(drainCtx)
}

// tokensOf adapts the secrets table onto the runtime.Tokens interface.
type secretTokens struct {
	secrets *config.Secrets
}

func tokensOf(secrets *config.Secrets) runtime.Tokens {
	return secretTokens{secrets: secrets}
}

func (s secretTokens) RuntimeToken(runtime string) string {
	if t, ok := s.secrets.RuntimeTokens()[runtime]; ok {
		return t.RuntimeToken()
	}
	return ""
}

func (s secretTokens) CallbackDesc(runtime string) string {
	if t, ok := s.secrets.RuntimeTokens()[runtime]; ok {
		return t.CallbackDesc()
	}
	return ""
}
