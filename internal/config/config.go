package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWindowBlocks = 1000
	minWindowBlocks     = 1
	maxWindowBlocks     = 100000
	maxRateLimit        = 200
	minRateLimit        = 0
	minFetchAttempts    = 1
	maxFetchAttempts    = 20
	minFetchWorkers     = 1
	maxFetchWorkers     = 16
	minIngestTimeout    = 100 * time.Millisecond
	maxIngestTimeout    = 24 * time.Hour
)

// Config holds 12-factor environment configuration used by the holders CLI.
type Config struct {
	ProviderURL  string
	WindowBlocks int
	RateLimit    int
	HTTPTimeout  time.Duration

	FetchAttempts    int
	FetchTimeout     time.Duration
	FetchBackoffBase time.Duration
	FetchBackoffMax  time.Duration
	FetchWorkers     int

	StopAfterEmpty bool
	Timeout        time.Duration
	DataDir        string

	DatabaseURL   string
	ClickHouseDSN string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// BuildClickHouseDSN assembles a ClickHouse DSN from individual env vars if provided.
// Prefers CLICKHOUSE_DSN if set; otherwise tries CLICKHOUSE_URL/DB/USER/PASS.
func BuildClickHouseDSN() string {
	if dsn := env("CLICKHOUSE_DSN", ""); dsn != "" {
		return dsn
	}
	base := env("CLICKHOUSE_URL", "") // e.g., http://localhost:8123
	db := env("CLICKHOUSE_DB", "")
	user := env("CLICKHOUSE_USER", "")
	pass := env("CLICKHOUSE_PASS", "")
	if base == "" || db == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err == nil {
		if user != "" {
			if pass != "" {
				u.User = url.UserPassword(user, pass)
			} else {
				u.User = url.User(user)
			}
		}
		// Normalize path and append db only when missing
		p := strings.TrimRight(u.Path, "/")
		switch {
		case p == "":
			u.Path = "/" + db
		case strings.HasSuffix(p, "/"+db):
			// already includes db; leave as-is
			u.Path = p
		default:
			u.Path = p + "/" + db
		}
		return u.String()
	}
	// Fallback for unparsable base URL
	base = strings.TrimRight(base, "/")
	return base + "/" + db
}

// RedactDSN hides credentials in DSN-like URLs (ClickHouse, Postgres) so
// they can be printed in dry-run plans and logs.
func RedactDSN(s string) string {
	if s == "" {
		return s
	}
	u, err := url.Parse(s)
	if err == nil && u.User != nil {
		if name := u.User.Username(); name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
		return u.String()
	}
	return redactUserinfo(s)
}

// redactUserinfo scans for user:pass@ after the scheme separator when the
// URL parser cannot see the credentials.
func redactUserinfo(s string) string {
	i := strings.Index(s, "//")
	if i < 0 {
		return s
	}
	rest := s[i+2:]
	j := strings.Index(rest, "@")
	if j <= 0 {
		return s
	}
	user, _, ok := strings.Cut(rest[:j], ":")
	if !ok {
		return s
	}
	return s[:i+2] + user + ":***@" + rest[j+1:]
}

// Load reads environment variables and returns a Config with defaults applied.
// Out-of-range numbers are clamped; unparsable values fall back to defaults.
func Load() Config {
	base := clampDuration(parseDurEnv("FETCH_BACKOFF_BASE", 250*time.Millisecond), time.Millisecond, time.Minute)
	backoffMax := parseDurEnv("FETCH_BACKOFF_MAX", 10*time.Second)
	if backoffMax < base {
		backoffMax = base
	}
	return Config{
		ProviderURL:  env("ETH_PROVIDER_URL", ""),
		WindowBlocks: clampInt(parseIntEnv("WINDOW_BLOCKS", defaultWindowBlocks), minWindowBlocks, maxWindowBlocks),
		RateLimit:    clampInt(parseIntEnv("RATE_LIMIT", 0), minRateLimit, maxRateLimit),
		HTTPTimeout:  clampDuration(parseDurEnv("HTTP_TIMEOUT", 30*time.Second), time.Second, 5*time.Minute),

		FetchAttempts:    clampInt(parseIntEnv("FETCH_ATTEMPTS", 5), minFetchAttempts, maxFetchAttempts),
		FetchTimeout:     clampDuration(parseDurEnv("FETCH_TIMEOUT", 30*time.Second), 100*time.Millisecond, 10*time.Minute),
		FetchBackoffBase: base,
		FetchBackoffMax:  backoffMax,
		FetchWorkers:     clampInt(parseIntEnv("FETCH_WORKERS", 1), minFetchWorkers, maxFetchWorkers),

		StopAfterEmpty: parseBoolEnv("STOP_AFTER_EMPTY", true),
		Timeout:        clampDuration(parseDurEnv("INGEST_TIMEOUT", 30*time.Minute), minIngestTimeout, maxIngestTimeout),
		DataDir:        env("DATA_DIR", "data"),

		DatabaseURL:   env("DATABASE_URL", ""),
		ClickHouseDSN: BuildClickHouseDSN(),

		LogLevel:    env("LOG_LEVEL", "info"),
		LogFormat:   env("LOG_FORMAT", "json"),
		MetricsAddr: env("METRICS_ADDR", ""),
	}
}
