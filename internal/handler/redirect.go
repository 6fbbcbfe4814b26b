package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/linktrace/redirector/internal"
	"github.com/linktrace/redirector/internal/classify"
	"github.com/linktrace/redirector/internal/geo"
	"github.com/linktrace/redirector/internal/repo"
	"github.com/rs/zerolog/log"
)

// Resolver looks up a token against the redirect table.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ClickRecorder persists analytics rows. Both methods are best-effort
// from the handler's point of view: failures never change the response.
type ClickRecorder interface {
	Record(ctx context.Context, click repo.Click) error
	RecordBotAudit(ctx context.Context, token, userAgent, label string) error
}

type RedirectHandler struct {
	links   Resolver
	clicks  ClickRecorder
	locator geo.Locator
	bots    *classify.BotMap
}

func NewRedirectHandler(links Resolver, clicks ClickRecorder, locator geo.Locator, bots *classify.BotMap) *RedirectHandler {
	return &RedirectHandler{
		links:   links,
		clicks:  clicks,
		locator: locator,
		bots:    bots,
	}
}

// Redirect resolves a token and sends humans to the destination with a
// 302. HEAD probes and known crawlers get an empty 204 instead, so bot
// traffic neither inflates click counts nor fetches the destination.
// The click is logged asynchronously: the response does not wait for
// the insert, but the handler does not return until the write settles.
func (h *RedirectHandler) Redirect(c echo.Context) error {
	ctx := c.Request().Context()

	token := c.Param("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing token")
	}

	userAgent := c.Request().UserAgent()
	osName := classify.DeviceOS(userAgent)
	botLabel := h.bots.Label(userAgent)

	log.Debug().Str("token", token).Str("user_agent", userAgent).Str("os", osName).Msg("incoming redirect request")

	destination, err := h.links.Resolve(ctx, token)
	if errors.Is(err, internal.ErrLinkNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Invalid token")
	}
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("redirect failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal error")
	}

	click := repo.Click{
		LinkID:      token,
		TrackedDate: repo.Now(),
		Device:      userAgent,
		OS:          osName,
		IPAddress:   clientIP(c.Request()),
		Referrer:    referrer(c.Request()),
	}
	if loc, ok := h.locator.Lookup(click.IPAddress); ok {
		click.Country = &loc.Country
		click.State = &loc.State
		click.City = &loc.City
	}
	if botLabel != "" {
		click.Crawler = &botLabel
	}

	// Detached from the request context so a client that disconnects
	// right after the redirect cannot cancel the write.
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		lctx := context.WithoutCancel(ctx)
		if err := h.clicks.Record(lctx, click); err != nil {
			log.Error().Err(err).Str("token", token).Msg("failed to record click")
		}
		if botLabel != "" {
			if err := h.clicks.RecordBotAudit(lctx, token, userAgent, botLabel); err != nil {
				log.Error().Err(err).Str("token", token).Msg("failed to record bot audit")
			}
		}
	}()

	if c.Request().Method == http.MethodHead || botLabel != "" {
		err = c.NoContent(http.StatusNoContent)
	} else {
		log.Info().Str("token", token).Str("destination", destination).Msg("redirecting")
		err = c.Redirect(http.StatusFound, destination)
	}

	// Response is already flushed; hold the invocation open until the
	// click write settles so process teardown cannot drop it.
	<-logged
	return err
}

// clientIP extracts the effective client IP: first forwarded-for
// entry, then the client-IP headers, else "unknown".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := r.Header.Get("X-Client-IP"); v != "" {
		return v
	}
	if v := r.Header.Get("X-ARR-ClientIP"); v != "" {
		return v
	}
	return "unknown"
}

func referrer(r *http.Request) *string {
	v := r.Header.Get("Referer")
	if v == "" {
		v = r.Header.Get("Referrer")
	}
	if v == "" {
		return nil
	}
	return &v
}
