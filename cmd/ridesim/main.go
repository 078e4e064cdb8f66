// README: Ride simulator; drives a full ride lifecycle against a running API and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	sim := NewRunner(cfg)
	results := sim.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL     string
	DSN         string
	RedisAddr   string
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Duration    time.Duration
	// Steps is the number of GPS samples per leg; Interval is the pause between them.
	Steps    int
	Interval time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("RIDESIM_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("RIDE_DB_DSN", ""), "Postgres DSN for consistency checks (optional)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("RIDE_REDIS_ADDR", ""), "Redis address for GEO checks (optional)")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("RIDESIM_STRICT", false), "Fail on skipped steps")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("RIDESIM_TIMEOUT", 90*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("RIDESIM_CONCURRENCY", 8), "Competing drivers and perf workers")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("RIDESIM_DURATION", 5*time.Second), "Duration for perf steps")
	flag.IntVar(&cfg.Steps, "steps", envOrDefaultInt("RIDESIM_STEPS", 10), "GPS samples per leg")
	flag.DurationVar(&cfg.Interval, "interval", envOrDefaultDuration("RIDESIM_INTERVAL", 200*time.Millisecond), "Pause between GPS samples")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
