package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"gizchat/internal/cache"
	"gizchat/internal/config"
	"gizchat/internal/database"
	"gizchat/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SkipFixtures ignores DEV_FIXTURES, for tools that seed on their own.
	SkipFixtures bool
}

// InitRuntime connects to DB and Redis, applies the schema and, in
// development, loads DEV_FIXTURES when it is set.
func InitRuntime(ctx context.Context, cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := database.ApplySchema(ctx, db, cfg); err != nil {
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if !opts.SkipFixtures {
		if err := loadDevFixtures(ctx, cfg, db); err != nil {
			return nil, nil, fmt.Errorf("failed to load development fixtures: %w", err)
		}
	}

	return db, r, nil
}

func loadDevFixtures(ctx context.Context, cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	path := strings.TrimSpace(cfg.DevFixtures)
	if path == "" || !strings.EqualFold(cfg.Env, "development") {
		return nil
	}

	res, err := seed.NewSeeder(db, 1).LoadFixtureFile(ctx, path)
	if err != nil {
		return err
	}
	log.Printf("development fixtures applied from %s: users=%d conversations=%d messages=%d",
		path, res.Users, res.Conversations, res.Messages)
	return nil
}
