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
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/storage"
	"github.com/opst/kite/pkg/tarball"
	"github.com/opst/kite/pkg/utils/filewatch"
	"github.com/opst/kite/pkg/utils/retry"
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
	blobs := try.To(storage.NewS3(ctx, conf.Storage(), secrets.Storage())).OrFatal(logger)

	maker := tarball.NewMaker(
		store, blobs,
		conf.Settings().MirrorDir(),
		conf.Settings().Holdoff(),
		logger,
	)

	// bus outages are transient: keep trying with bounded backoff
	var sub api.Subscription
	if err := retry.Forever(
		ctx,
		retry.CappedExponentialBackoff(time.Second, 2, time.Minute),
		func(ctx context.Context) error {
			s, err := bus.Subscribe(ctx, "node")
			if err != nil {
				logger.Printf("subscribe: %v", err)
				return err
			}
			sub = s
			return nil
		},
	); err != nil {
		return
	}
	defer sub.Close()

	logger.Print("listening for new checkout events")

	for {
		event, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Printf("receive: %v", err)
			continue
		}
		if event.Op != "created" || event.Kind != domain.KindCheckout {
			continue
		}
		if event.State != domain.Running {
			continue
		}

		node, err := store.GetNode(ctx, event.ID)
		if err != nil {
			logger.Printf("%s: %v", event.ID, err)
			continue
		}
		if err := maker.Process(ctx, node); err != nil {
			// logged inside; the node records the failure
			continue
		}
	}
}
