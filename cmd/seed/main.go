package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sitegrid/botguard/internal/config"
	"github.com/sitegrid/botguard/internal/database"
	"github.com/sitegrid/botguard/internal/detection"
	"github.com/sitegrid/botguard/internal/ratelimit"
	"github.com/sitegrid/botguard/internal/services"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func browserHeaders() map[string]string {
	return map[string]string{
		"accept":          "text/html,application/xhtml+xml",
		"accept-language": "en-US,en;q=0.9",
		"accept-encoding": "gzip, deflate, br",
	}
}

func intPtr(n int) *int { return &n }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabasePath, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	fmt.Println("✓ Database migrated successfully")

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatal("Failed to load policy:", err)
	}

	// Seed against the SQL store so the sample state is visible in the database.
	logs := services.NewDetectionLogService(db)
	limiter := ratelimit.New(ratelimit.NewSQLStore(db), cfg.RateLimit, nil)
	guard := services.NewGuardService(logs, detection.New(policy), limiter, nil, services.GuardOptions{
		BlockDuration: cfg.BotBlockDuration,
	})

	samples := []services.RequestDescriptor{
		{IP: "198.51.100.10", UserAgent: chromeUA, Path: "/", Headers: browserHeaders()},
		{IP: "198.51.100.11", UserAgent: chromeUA, Path: "/pricing", Headers: browserHeaders(), Fingerprint: "fp-4f2a9c"},
		{IP: "203.0.113.20", UserAgent: "curl/8.4.0", Path: "/api/products"},
		{IP: "203.0.113.21", UserAgent: "python-requests/2.31.0", Path: "/login", Headers: map[string]string{"accept": "*/*"}},
		{IP: "203.0.113.22", UserAgent: "", Path: "/search", Headers: browserHeaders(), RequestsInWindow: intPtr(75)},
		{IP: "203.0.113.23", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/120.0.0.0", Path: "/", Headers: map[string]string{"accept": "*/*", "accept-encoding": "gzip"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, req := range samples {
		v, err := guard.Evaluate(ctx, req)
		if err != nil {
			log.Printf("Failed to evaluate %s: %v", req.IP, err)
			continue
		}
		fmt.Printf("✓ %-15s %-12s score=%-3d denied=%t\n", req.IP, v.Kind, v.Detection.Score, v.Denied())
	}

	// Push one client over its limit so the admin API has a blocked identifier.
	noisy := services.RequestDescriptor{IP: "192.0.2.99", UserAgent: chromeUA, Path: "/feed", Headers: browserHeaders()}
	var last *services.Verdict
	for i := 0; i <= cfg.RateLimit.MaxRequests; i++ {
		if last, err = guard.Evaluate(ctx, noisy); err != nil {
			log.Fatal("Failed to seed rate limit state:", err)
		}
	}
	fmt.Printf("✓ %-15s %-12s retry_after=%ds\n", noisy.IP, last.Kind, last.RetryAfter)

	fmt.Println("\n✓ Database seeded successfully!")
}
