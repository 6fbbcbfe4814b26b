package repo

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/linktrace/redirector/internal"
	"github.com/linktrace/redirector/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*db.Manager, *sql.DB) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	pools := db.NewManager(dsn, time.Second)
	pool, err := pools.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), pool, "redirects", "link_clicks", "bot_audit"))
	t.Cleanup(func() { _ = pool.Close() })
	return pools, pool
}

func TestResolve(t *testing.T) {
	pools, pool := newTestDB(t)
	_, err := pool.Exec(`INSERT INTO redirects (token, destination_url) VALUES (?, ?)`, "abc123", "https://example.com/page")
	require.NoError(t, err)

	repo := NewLinksRepo(pools, "redirects")

	destination, err := repo.Resolve(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", destination)
}

func TestResolveNotFound(t *testing.T) {
	pools, _ := newTestDB(t)
	repo := NewLinksRepo(pools, "redirects")

	_, err := repo.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, internal.ErrLinkNotFound)
}

func TestResolveIsExactMatch(t *testing.T) {
	pools, pool := newTestDB(t)
	_, err := pool.Exec(`INSERT INTO redirects (token, destination_url) VALUES (?, ?)`, "CaseSensitive", "https://example.com")
	require.NoError(t, err)

	repo := NewLinksRepo(pools, "redirects")

	_, err = repo.Resolve(context.Background(), "casesensitive")
	assert.ErrorIs(t, err, internal.ErrLinkNotFound)

	_, err = repo.Resolve(context.Background(), " CaseSensitive ")
	assert.ErrorIs(t, err, internal.ErrLinkNotFound)
}

func TestResolveWithoutConnString(t *testing.T) {
	pools := db.NewManager("", time.Second)
	repo := NewLinksRepo(pools, "redirects")

	_, err := repo.Resolve(context.Background(), "abc123")
	assert.ErrorIs(t, err, internal.ErrNoConnString)
}

func TestRecordClick(t *testing.T) {
	pools, pool := newTestDB(t)
	repo := NewClicksRepo(pools, "link_clicks", "bot_audit")

	country, state, city := "Germany", "Berlin", "Berlin"
	referrer := "https://news.example.org/post"
	err := repo.Record(context.Background(), Click{
		LinkID:      "abc123",
		TrackedDate: Now(),
		Device:      "Mozilla/5.0 (Linux; Android 10)",
		OS:          "Android",
		Country:     &country,
		State:       &state,
		City:        &city,
		IPAddress:   "203.0.113.7",
		Referrer:    &referrer,
	})
	require.NoError(t, err)

	var (
		clickID, trackedDate, loadTS, linkID, osName, ip string
		gotCountry, crawler                              sql.NullString
		clickCount                                       int
	)
	err = pool.QueryRow(`SELECT click_id, tracked_date, load_ts, link_id, os, ipaddress, country, crawler, click_count FROM link_clicks`).
		Scan(&clickID, &trackedDate, &loadTS, &linkID, &osName, &ip, &gotCountry, &crawler, &clickCount)
	require.NoError(t, err)

	_, err = uuid.Parse(clickID)
	assert.NoError(t, err, "click_id should be a uuid")
	assert.NotEmpty(t, trackedDate)
	assert.NotEmpty(t, loadTS)
	assert.Equal(t, "abc123", linkID)
	assert.Equal(t, "Android", osName)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, 1, clickCount)
	assert.True(t, gotCountry.Valid)
	assert.Equal(t, "Germany", gotCountry.String)
	assert.False(t, crawler.Valid)
}

func TestRecordClickWithoutGeo(t *testing.T) {
	pools, pool := newTestDB(t)
	repo := NewClicksRepo(pools, "link_clicks", "bot_audit")

	err := repo.Record(context.Background(), Click{
		LinkID:      "abc123",
		TrackedDate: Now(),
		Device:      "curl/8.4.0",
		OS:          "Unknown",
		IPAddress:   "unknown",
	})
	require.NoError(t, err)

	var country, state, city, referrer sql.NullString
	err = pool.QueryRow(`SELECT country, state, city, referrer FROM link_clicks`).Scan(&country, &state, &city, &referrer)
	require.NoError(t, err)
	assert.False(t, country.Valid, "geo miss must leave country absent, not defaulted")
	assert.False(t, state.Valid)
	assert.False(t, city.Valid)
	assert.False(t, referrer.Valid)
}

func TestRecordClickTruncatesDevice(t *testing.T) {
	pools, pool := newTestDB(t)
	repo := NewClicksRepo(pools, "link_clicks", "bot_audit")

	err := repo.Record(context.Background(), Click{
		LinkID:      "abc123",
		TrackedDate: Now(),
		Device:      strings.Repeat("x", 2000),
		OS:          "Unknown",
		IPAddress:   "unknown",
	})
	require.NoError(t, err)

	var device string
	require.NoError(t, pool.QueryRow(`SELECT device FROM link_clicks`).Scan(&device))
	assert.Len(t, device, 512)
}

func TestEachRecordGetsFreshClickID(t *testing.T) {
	pools, pool := newTestDB(t)
	repo := NewClicksRepo(pools, "link_clicks", "bot_audit")

	for range 3 {
		require.NoError(t, repo.Record(context.Background(), Click{
			LinkID:      "abc123",
			TrackedDate: Now(),
			OS:          "Unknown",
			IPAddress:   "unknown",
		}))
	}

	var distinct int
	require.NoError(t, pool.QueryRow(`SELECT COUNT(DISTINCT click_id) FROM link_clicks`).Scan(&distinct))
	assert.Equal(t, 3, distinct)
}

func TestRecordBotAudit(t *testing.T) {
	pools, pool := newTestDB(t)
	repo := NewClicksRepo(pools, "link_clicks", "bot_audit")

	err := repo.RecordBotAudit(context.Background(), "abc123", "Googlebot/2.1", "Google")
	require.NoError(t, err)

	var token, ua, crawler, seenAt string
	err = pool.QueryRow(`SELECT token, user_agent, crawler, seen_at FROM bot_audit`).Scan(&token, &ua, &crawler, &seenAt)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
	assert.Equal(t, "Googlebot/2.1", ua)
	assert.Equal(t, "Google", crawler)
	assert.NotEmpty(t, seenAt)
}

func TestTimestampScan(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.Scan("2026-08-31T10:30:00+02:00"))
	assert.Equal(t, 2026, ts.Time().Year())

	// legacy format without offset
	require.NoError(t, ts.Scan("2026-08-31 10:30:00"))
	assert.Equal(t, 8, int(ts.Time().Month()))

	require.NoError(t, ts.Scan(nil))
	assert.True(t, ts.Time().IsZero())

	assert.Error(t, ts.Scan(42))
}
