package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/linktrace/redirector/internal/classify"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Env var names checked for the database connection string, in order.
// The legacy names survive from the platform this service replaced,
// so existing deployments keep working without renaming settings.
var connStringVars = []string{
	"DB_CONN_STRING",
	"DB_CONNECTION_STRING",
	"SQLAZURECONNSTR_SqlConnectionString",
	"SQLCONNSTR_SqlConnectionString",
	"CUSTOMCONNSTR_SqlConnectionString",
	"APPSETTING_SqlConnectionString",
	"SqlConnectionString",
}

type Config struct {
	ConnString    string
	RedirectTable string
	ClickTable    string
	BotAuditTable string
	GeoDBPath     string
	DBTimeout     time.Duration
	// HumanDelay is a reserved throttling knob. It is parsed and
	// reported but has no effect on request handling.
	HumanDelay time.Duration
	Bots       *classify.BotMap
}

func FromEnv() Config {
	cfg := Config{
		ConnString:    ConnString(),
		RedirectTable: cmp.Or(os.Getenv("REDIRECT_TABLE"), "redirects"),
		ClickTable:    cmp.Or(os.Getenv("CLICK_TABLE"), "link_clicks"),
		BotAuditTable: cmp.Or(os.Getenv("BOT_AUDIT_TABLE"), "bot_audit"),
		GeoDBPath:     os.Getenv("GEOIP_DB_PATH"),
		DBTimeout:     millisEnv(5000, "DB_TIMEOUT_MS") * time.Millisecond,
		HumanDelay:    millisEnv(0, "REDIRECT_DELAY_MS", "HUMAN_DELAY_MS") * time.Millisecond,
		Bots:          ParseBotMap(os.Getenv("BOT_MAP")),
	}

	if cfg.ConnString == "" {
		log.Warn().Msg("database connection string not found in env (DB_CONN_STRING)")
	}

	return cfg
}

// ConnString returns the first non-empty trimmed value among the known
// connection string variables, or "". Callers must treat an empty
// result as fatal for any database operation.
func ConnString() string {
	for _, name := range connStringVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func millisEnv(def int64, names ...string) time.Duration {
	for _, name := range names {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			log.Warn().Str("var", name).Str("value", v).Msg("ignoring invalid duration value")
			continue
		}
		return time.Duration(n)
	}
	return time.Duration(def)
}

// Signatures applied when BOT_MAP is not configured. Generic
// catch-alls come last so specific crawlers keep their own label.
var defaultBotPairs = []string{
	"whatsapp:WhatsApp",
	"facebookexternalhit:Facebook",
	"facebook:Facebook",
	"twitterbot:Twitter",
	"twitter:Twitter",
	"linkedinbot:LinkedIn",
	"linkedin:LinkedIn",
	"applebot:Apple",
	"googlebot:Google",
	"bingbot:Bing",
	"telegram:Telegram",
	"preview:Generic Preview",
	"crawler:Generic Crawler",
	"spider:Generic Spider",
	"bot:Generic Bot",
}

// ParseBotMap builds the crawler signature map from a raw setting.
// A JSON object is tried first, then a "key:Label,key:Label" list.
// Malformed pairs are skipped. Empty input yields the built-in set.
func ParseBotMap(raw string) *classify.BotMap {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = strings.Join(defaultBotPairs, ",")
	}

	if m, ok := parseJSONBotMap(raw); ok {
		return m
	}

	m := classify.NewBotMap()
	pairs := lo.Filter(strings.Split(raw, ","), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	})
	for _, pair := range pairs {
		key, label, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		m.Set(key, strings.TrimSpace(label))
	}
	return m
}

// parseJSONBotMap decodes a JSON object with json.Decoder tokens so
// document order is preserved; map-based decoding would randomize the
// substring scan order.
func parseJSONBotMap(raw string) (*classify.BotMap, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}

	m := classify.NewBotMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, false
		}
		valTok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		switch v := valTok.(type) {
		case string:
			m.Set(key, strings.TrimSpace(v))
		case float64, bool, json.Number:
			m.Set(key, fmt.Sprint(v))
		default:
			// nested values make the whole input invalid JSON for
			// our purposes; let the delimited parser have a go
			return nil, false
		}
	}
	return m, true
}
