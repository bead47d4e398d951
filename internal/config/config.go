package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything read from the environment at startup. Required
// values that are missing are a Fatal configuration error (spec.md §7):
// the process panics during Load and main() is expected to turn that
// into a log.Fatal before serving any traffic.
type Config struct {
	HTTPAddr string

	DatabaseURL   string
	PolygonAPIKey string
	TickerAPIKey  string // optional static additional API key
	FastQueueURL  string // CLOUDFLARE_WORKER_QUEUE_URL, optional

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	RateLimitDefault int
	NodeEnv          string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:   mustGetenv("DATABASE_URL"),
		PolygonAPIKey: mustGetenv("POLYGON_API_KEY"),
		TickerAPIKey:  getenv("TICKER_API_KEY", ""),
		FastQueueURL:  getenv("CLOUDFLARE_WORKER_QUEUE_URL", ""),
		NodeEnv:       getenv("NODE_ENV", "production"),

		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		RateLimitDefault:     getenvInt("RATE_LIMIT_DEFAULT", 100),
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}
