package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/loop/recurring"
	"github.com/opst/kite/pkg/utils/args"
	"github.com/opst/kite/pkg/utils/filewatch"
	"github.com/opst/kite/pkg/utils/try"
)

func main() {
	logger := log.Default()
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	// define command line flags
	//-- path to config files
	pconfig := flag.String(
		"settings", os.Getenv("KITE_SETTINGS"), "path to pipeline config file",
	)
	psecrets := flag.String(
		"secrets", os.Getenv("KITE_SECRETS"), "path to secrets file",
	)
	//-- which loop type to run
	loopType := args.Parser(AsLoopType)
	flag.Var(loopType, "type", "one of timeout|holdoff|closing|retry|regression|forward")
	//-- loop policy
	policy := args.Parser(recurring.ParsePolicy)
	flag.Var(
		policy, "policy",
		`loop policy (syntax: forever[:COOLDOWN]|backlog).`+
			` "forever[:COOLDOWN]" = run forever until error, waiting COOLDOWN`+
			` (optional duration, default 0) when the backlog is drained.`+
			` "backlog" = run until error or the backlog is drained.`,
	)
	flag.Parse()

	if !loopType.IsSet() {
		logger.Fatal("-type is required")
	}

	{
		// watch config; a modified file restarts the process
		wctx, cancel, err := filewatch.UntilModifyContext(ctx, *pconfig)
		if err != nil {
			logger.Fatal(err)
		}
		defer cancel()
		ctx = wctx
	}

	conf := try.To(config.Load(*pconfig)).OrFatal(logger)
	secrets := try.To(config.LoadSecrets(*psecrets)).OrFatal(logger)

	store := try.To(api.New(conf.API().StoreURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(logger)
	bus := try.To(api.NewBus(conf.API().BusURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(logger)

	loopPolicy := policy.Value()
	if !policy.IsSet() {
		loopPolicy = recurring.Forever(conf.Settings().Holdoff())
	}

	logger.Printf(`start loop "%s" /w policy "%s"`, loopType.Value(), loopPolicy)

	err := StartLoop(
		ctx, logger, conf, secrets, store, bus,
		LoopManifest{Type: loopType.Value(), Policy: loopPolicy},
	)

	if err == nil {
		return
	} else if errors.Is(err, context.Canceled) {
		logger.Printf("loop stopped: %v (cause: %v)", err, context.Cause(ctx))
		return
	}
	logger.Fatal(err)
}
