package repo

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/linktrace/redirector/internal/db"
	"github.com/rs/zerolog/log"
)

const maxDeviceLen = 512
const maxReferrerLen = 512

// Click is one analytics row per successfully resolved request.
// Rows are append-only: written once, never updated.
type Click struct {
	LinkID      string
	TrackedDate Timestamp
	Device      string
	OS          string
	Country     *string
	State       *string
	City        *string
	IPAddress   string
	Referrer    *string
	Crawler     *string
	CampaignID  *string
	ExecutionID *string
	RecipientID *string
}

type ClicksRepo struct {
	pools      *db.Manager
	table      string
	auditTable string
}

func NewClicksRepo(pools *db.Manager, table, auditTable string) *ClicksRepo {
	return &ClicksRepo{pools: pools, table: table, auditTable: auditTable}
}

// Record inserts one click row. Every row gets a fresh click id and a
// load timestamp captured here, which may trail the tracked date by
// however long the caller took to get here.
func (r *ClicksRepo) Record(ctx context.Context, click Click) error {
	pool, err := r.pools.Acquire(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := r.pools.QueryContext(ctx)
	defer cancel()

	clickID := uuid.NewString()

	log.Debug().Str("click_id", clickID).Str("link_id", click.LinkID).Str("ip", click.IPAddress).Msg("recording click")

	executor := goqu.New("sqlite", pool)
	query := executor.Insert(r.table).Rows(goqu.Record{
		"click_id":     clickID,
		"tracked_date": click.TrackedDate,
		"load_ts":      Now(),
		"link_id":      click.LinkID,
		"device":       truncate(click.Device, maxDeviceLen),
		"os":           click.OS,
		"country":      click.Country,
		"state":        click.State,
		"city":         click.City,
		"ipaddress":    click.IPAddress,
		"click_count":  1,
		"referrer":     truncatePtr(click.Referrer, maxReferrerLen),
		"crawler":      click.Crawler,
		"campaign_id":  click.CampaignID,
		"execution_id": click.ExecutionID,
		"recipient_id": click.RecipientID,
	})

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Str("link_id", click.LinkID).Msg("failed to record click")
		r.pools.InvalidateIfBroken(pool)
		return fmt.Errorf("insert click: %w", err)
	}

	log.Debug().Str("click_id", clickID).Str("link_id", click.LinkID).Msg("click recorded successfully")
	return nil
}

// RecordBotAudit inserts one bot-audit row for a crawler-classified hit.
func (r *ClicksRepo) RecordBotAudit(ctx context.Context, token, userAgent, label string) error {
	pool, err := r.pools.Acquire(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := r.pools.QueryContext(ctx)
	defer cancel()

	executor := goqu.New("sqlite", pool)
	query := executor.Insert(r.auditTable).Rows(goqu.Record{
		"token":      token,
		"user_agent": truncate(userAgent, maxDeviceLen),
		"crawler":    label,
		"seen_at":    Now(),
	})

	if _, err := query.Executor().ExecContext(ctx); err != nil {
		log.Error().Err(err).Str("token", token).Msg("failed to record bot audit")
		return fmt.Errorf("insert bot audit: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func truncatePtr(s *string, max int) *string {
	if s == nil {
		return nil
	}
	t := truncate(*s, max)
	return &t
}
