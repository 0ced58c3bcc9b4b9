package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/automation/questdp"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/internal/config"
	"github.com/questgate/questgate/server"
	"github.com/questgate/questgate/sessions"
)

const janitorInterval = 5 * time.Minute

func main() {
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load()
	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())

	store := sessions.NewStore(c.GetSessionIdleTTL(), c.GetSessionAbsoluteTTL())
	store.StartJanitor(janitorInterval)
	defer store.Close()

	adapters := automation.NewPool(&questdp.Factory{
		Headless:            c.GetHeadless(),
		ProfileDir:          c.GetProfileDir(),
		SecondFactorTimeout: c.GetSecondFactorTimeout(),
	}, c.GetAdapterPoolSize())

	courseRepo, err := newCourseRepo(c)
	if err != nil {
		return fmt.Errorf("course repo: %w", err)
	}

	httpServer := &http.Server{Addr: c.GetPort(), Handler: server.New(c, store, adapters, courseRepo)}
	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

func newCourseRepo(c config.Config) (courses.Repo, error) {
	const cacheTTL = 24 * time.Hour
	if url := c.GetPostgresURL(); url != "" {
		return courses.NewPgxRepo(context.Background(), url, cacheTTL)
	}
	log.Info().Msg("no database configured, using in-memory course cache")
	return courses.NewInMemoryRepo(cacheTTL), nil
}

func setupLogging(c config.Config) {
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func listenAndServe(httpServer *http.Server) error {
	log.Info().Str("addr", httpServer.Addr).Msg("server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
