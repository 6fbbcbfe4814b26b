package main

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/linktrace/redirector/internal/config"
	"github.com/linktrace/redirector/internal/db"
	"github.com/linktrace/redirector/internal/geo"
	"github.com/linktrace/redirector/internal/handler"
	"github.com/linktrace/redirector/internal/repo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	level, err := zerolog.ParseLevel(cmp.Or(os.Getenv("LOG_LEVEL"), "info"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("DEBUG") == "1" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting redirector")

	cfg := config.FromEnv()
	if cfg.ConnString != "" {
		cfg.ConnString = db.FormatDSN(cfg.ConnString)
	}
	if cfg.HumanDelay > 0 {
		log.Warn().Dur("delay", cfg.HumanDelay).Msg("human delay is configured but has no effect")
	}

	pools := db.NewManager(cfg.ConnString, cfg.DBTimeout)

	if os.Getenv("DB_BOOTSTRAP") == "1" {
		pool, err := pools.Acquire(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to acquire pool for bootstrap")
		}
		if err := db.Migrate(ctx, pool, cfg.RedirectTable, cfg.ClickTable, cfg.BotAuditTable); err != nil {
			log.Fatal().Err(err).Msg("failed to bootstrap schema")
		}
		log.Info().Msg("schema bootstrap completed")
	}

	locator := geo.Locator(geo.Nop())
	if cfg.GeoDBPath != "" {
		maxmind, err := geo.Open(cfg.GeoDBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.GeoDBPath).Msg("geo database unavailable, clicks will carry no location")
		} else {
			defer maxmind.Close()
			locator = maxmind
		}
	}

	e := echo.New()
	defer e.Close()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	linksRepo := repo.NewLinksRepo(pools, cfg.RedirectTable)
	clicksRepo := repo.NewClicksRepo(pools, cfg.ClickTable, cfg.BotAuditTable)
	redirectHandler := handler.NewRedirectHandler(linksRepo, clicksRepo, locator, cfg.Bots)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/", redirectHandler.Redirect)
	e.HEAD("/", redirectHandler.Redirect)
	e.GET("/:token", redirectHandler.Redirect)
	e.HEAD("/:token", redirectHandler.Redirect)

	port := cmp.Or(os.Getenv("PORT"), "8080")
	log.Info().Str("port", port).Msg("server starting")

	runServer(ctx, e, port)

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, port string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(":" + port)
	}()

	<-ctx.Done()

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

// errorHandler renders errors as plain text and keeps fault detail out
// of the response body.
func errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "Internal error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	}

	log.Error().
		Int("code", code).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Err(err).
		Msg("http error")

	if c.Response().Committed {
		return
	}

	if err := c.String(code, message); err != nil {
		log.Error().Err(err).Msg("failed to write error response")
	}
}
