package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/loop"
	"github.com/opst/kite/pkg/trigger"
	"github.com/opst/kite/pkg/utils/filewatch"
	"github.com/opst/kite/pkg/utils/try"
)

func main() {
	logger := log.Default()

	pconfig := flag.String(
		"settings", os.Getenv("KITE_SETTINGS"), "path to pipeline config file",
	)
	pollPeriod := flag.Duration(
		"poll-period", time.Hour, "polling period; 0 polls once and exits",
	)
	force := flag.Bool("force", false, "always create a new checkout node")
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
	store := try.To(api.New(conf.API().StoreURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(logger)

	t := trigger.New(conf, store, trigger.NewGitResolver(), logger)
	t.Force = *force

	logger.Printf("watching %d build configs", len(conf.BuildConfigs()))

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, s struct{}) (struct{}, loop.Next) {
		if err := t.Poll(ctx); err != nil {
			// a failed tick is abandoned; the next one starts fresh
			logger.Printf("tick abandoned: %v", err)
		}
		if *pollPeriod <= 0 {
			return s, loop.Break(nil)
		}
		return s, loop.Continue(*pollPeriod)
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}
