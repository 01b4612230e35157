// Command main runs the database seeder for gizchat.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"gizchat/internal/bootstrap"
	"gizchat/internal/config"
	"gizchat/internal/seed"
)

func main() {
	// Parse command line flags
	numUsers := flag.Int("users", 50, "Number of users to create")
	perUser := flag.Int("conversations", 3, "Conversations to open per user")
	perConv := flag.Int("messages", 20, "Messages to send per conversation")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	fixtures := flag.String("fixtures", "", "Apply a YAML fixture file instead of generated data")
	randSeed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for generated names and text")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	db, _, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{SkipFixtures: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	s := seed.NewSeeder(db, *randSeed)

	var res seed.Result
	if *fixtures != "" {
		log.Printf("Applying fixtures: %s (ignoring other flags)", *fixtures)
		res, err = s.LoadFixtureFile(ctx, *fixtures)
	} else {
		log.Printf("Target: %d users, %d conversations each, %d messages per conversation, clean=%v",
			*numUsers, *perUser, *perConv, *shouldClean)
		res, err = s.Run(ctx, seed.Options{
			Users:                   *numUsers,
			ConversationsPerUser:    *perUser,
			MessagesPerConversation: *perConv,
			Clean:                   *shouldClean,
		})
	}
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Printf("✨ All done! users=%d conversations=%d messages=%d", res.Users, res.Conversations, res.Messages)
}
