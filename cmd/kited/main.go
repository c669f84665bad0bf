package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gommon "github.com/labstack/gommon/log"

	"github.com/opst/kite/cmd/kited/handlers"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/auth"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/runtime"
	"github.com/opst/kite/pkg/utils/filewatch"
	"github.com/opst/kite/pkg/utils/try"
)

func main() {
	pconfig := flag.String(
		"settings", os.Getenv("KITE_SETTINGS"), "path to pipeline config file",
	)
	psecrets := flag.String(
		"secrets", os.Getenv("KITE_SECRETS"), "path to secrets file",
	)
	plisten := flag.String("listen", ":8000", "listen address")
	ploglevel := flag.String("loglevel", "info", "log level. debug|info|warn|error|off")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	{
		// a modified config restarts the server
		wctx, wcancel, err := filewatch.UntilModifyContext(ctx, *pconfig, *psecrets)
		if err != nil {
			log.Fatal(err)
		}
		defer wcancel()
		ctx = wctx
	}

	conf := try.To(config.Load(*pconfig)).OrFatal(log.Default())
	secrets := try.To(config.LoadSecrets(*psecrets)).OrFatal(log.Default())

	store := try.To(api.New(conf.API().StoreURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(log.Default())
	bus := try.To(api.NewBus(conf.API().BusURL(), os.Getenv("KITE_API_TOKEN"))).OrFatal(log.Default())
	issuer := auth.NewIssuer(secrets.UserTokenSecret(), "kite")

	// every configured runtime gets an adapter: the callback endpoint
	// has to be able to translate any lab's payload
	runtimes := map[string]runtime.Runtime{}
	for name, rconf := range conf.Runtimes() {
		rt, err := runtime.New(rconf, runtime.Options{
			Tokens:      tokensOf(secrets),
			CallbackURL: conf.Settings().CallbackURL(),
			OutputDir:   conf.Settings().OutputDir(),
		})
		if err != nil {
			log.Fatalf("runtime %s: %s", name, err)
		}
		runtimes[name] = rt
	}

	e := echo.New()
	e.HideBanner = true
	setLevel(e, *ploglevel)
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "kite pipeline API & callback handler")
	})

	userAPI := e.Group("/api", handlers.UserAuth(issuer))
	userAPI.POST("/checkout", handlers.CheckoutHandler(conf, store))
	userAPI.POST("/jobretry", handlers.JobRetryHandler(store, bus))
	userAPI.POST("/patchset", handlers.PatchsetHandler(store))

	e.POST("/callback/:runtime", handlers.CallbackHandler(conf, secrets, store, runtimes))

	context.AfterFunc(ctx, func() {
		graceful, cancel := context.WithTimeout(
			context.Background(), conf.Settings().DrainGrace(),
		)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			log.Printf("error on shutdown: %s", err)
		}
	})

	if err := e.Start(*plisten); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	// let in-flight handlers drain
	<-time.After(10 * time.Millisecond)
}

func setLevel(e *echo.Echo, level string) {
	switch strings.ToLower(level) {
	case "debug":
		e.Logger.SetLevel(gommon.DEBUG)
	case "info":
		e.Logger.SetLevel(gommon.INFO)
	case "warn":
		e.Logger.SetLevel(gommon.WARN)
	case "error":
		e.Logger.SetLevel(gommon.ERROR)
	case "off":
		e.Logger.SetLevel(gommon.OFF)
	default:
		log.Fatalf("unknown loglevel: %s", level)
	}
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
