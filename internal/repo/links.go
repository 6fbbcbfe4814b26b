package repo

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/linktrace/redirector/internal"
	"github.com/linktrace/redirector/internal/db"
	"github.com/rs/zerolog/log"
)

// LinksRepo performs point lookups against the redirect table. The
// table is owned externally; this repo never writes to it.
type LinksRepo struct {
	pools *db.Manager
	table string
}

func NewLinksRepo(pools *db.Manager, table string) *LinksRepo {
	return &LinksRepo{pools: pools, table: table}
}

// Resolve returns the destination URL for a token, by exact match.
// Tokens are opaque: no trimming or case folding is applied.
// Returns internal.ErrLinkNotFound when no row matches; any other
// error is a data-access fault.
func (r *LinksRepo) Resolve(ctx context.Context, token string) (string, error) {
	pool, err := r.pools.Acquire(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := r.pools.QueryContext(ctx)
	defer cancel()

	executor := goqu.New("sqlite", pool)
	query := executor.From(r.table).
		Where(goqu.Ex{"token": token}).
		Select("destination_url")

	var destination string
	found, err := query.ScanValContext(ctx, &destination)
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("failed to look up token")
		r.pools.InvalidateIfBroken(pool)
		return "", fmt.Errorf("lookup token: %w", err)
	}

	if !found {
		log.Debug().Str("token", token).Msg("token not found")
		return "", internal.ErrLinkNotFound
	}

	return destination, nil
}
