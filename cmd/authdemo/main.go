// Command authdemo signs in against a live identity service and keeps the
// session alive until interrupted, printing every observable auth state
// change. It exercises the full engine: transport, persistent store,
// cross-process broadcast (when Redis is configured) and the background
// refresh scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quayside/go-auth-session/broadcast"
	"github.com/quayside/go-auth-session/broadcast/redisbus"
	"github.com/quayside/go-auth-session/engine"
	"github.com/quayside/go-auth-session/internal/config"
	"github.com/quayside/go-auth-session/store"
	boltstore "github.com/quayside/go-auth-session/store/bolt"
	"github.com/quayside/go-auth-session/store/redisstore"
	"github.com/quayside/go-auth-session/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running demo: %s\n", err)
	}
	log.Printf("Demo stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	client, err := transport.NewHTTPClient(c.GetIdentityURL(), transport.WithTimeout(c.GetRequestTimeout()))
	if err != nil {
		return err
	}

	sessionStore, bus, cleanup, err := buildBackends(c, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := engine.New(client,
		engine.WithStore(sessionStore),
		engine.WithBroadcaster(bus),
		engine.WithLogger(logger),
		engine.WithRefreshMargin(c.GetRefreshMargin()),
		engine.WithRefreshInterval(c.GetRefreshInterval()),
	)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	unsubscribe := eng.OnAuthStateChanged(func(change engine.StateChange) {
		switch {
		case change.SignedIn && change.Elevated:
			logger.Info().Str("user", change.Session.User.ID).Msg("session elevated")
		case change.SignedIn:
			logger.Info().Str("user", change.Session.User.ID).
				Time("expires", change.Session.AccessTokenExpiresAt).Msg("signed in")
		default:
			logger.Info().Msg("signed out")
		}
	})
	defer unsubscribe()

	if eng.GetSession() == nil {
		if err := signIn(eng, c, logger); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("resumed persisted session")
	}

	waitForStopSignal()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res, err := eng.SignOut(ctx, false); err != nil {
		logger.Warn().Err(err).Msg("sign-out failed")
	} else if res.Error != nil {
		logger.Warn().Str("slug", res.Error.Slug).Msg("remote revoke failed, local session cleared")
	}
	return nil
}

// signIn authenticates with the configured demo credentials, waiting for the
// startup import first so a persisted session is not clobbered needlessly.
func signIn(eng *engine.Engine, c config.Config, logger zerolog.Logger) error {
	email, password := c.GetDemoEmail(), c.GetDemoPassword()
	if email == "" || password == "" {
		return errors.New("DEMO_EMAIL and DEMO_PASSWORD must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := eng.SignInEmailPassword(ctx, email, password)
	if err != nil {
		if errors.Is(err, engine.AlreadySignedInErr) {
			logger.Info().Msg("startup import signed in first")
			return nil
		}
		return err
	}
	if res.MFARequired {
		return errors.New("demo account requires MFA; use an account without a second factor")
	}
	if res.Error != nil {
		return fmt.Errorf("sign-in rejected: %s", res.Error.Slug)
	}
	return nil
}

// buildBackends picks the session store and broadcast bus: Redis when
// configured (shared across processes), a local bbolt file otherwise.
func buildBackends(c config.Config, logger zerolog.Logger) (store.Store, broadcast.Bus, func(), error) {
	if addr := c.GetRedisAddr(); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		s := redisstore.New(rdb, redisstore.WithLogger(logger))
		b := redisbus.New(rdb, redisbus.WithLogger(logger))
		return s, b, func() { _ = rdb.Close() }, nil
	}

	s, closeStore, err := boltstore.Open(c.GetStorePath(), boltstore.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	return s, broadcast.Noop{}, func() { _ = closeStore() }, nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
