// Command main runs the database seeder for Courier.
package main

import (
	"flag"
	"log"

	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numDirect := flag.Int("direct", 40, "Number of direct chats to create")
	numGroups := flag.Int("groups", 10, "Number of group chats to create")
	perChat := flag.Int("messages", 30, "Max messages per chat")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	log.Println("Database Seeder")
	log.Printf("Target: %d users, %d direct chats, %d groups, clean=%v",
		*numUsers, *numDirect, *numGroups, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	s, err := seed.NewSeeder(db)
	if err != nil {
		log.Fatalf("Failed to create seeder: %v", err)
	}

	if *shouldClean {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	users, err := s.SeedUsers(*numUsers)
	if err != nil {
		log.Fatalf("User seeding failed: %v", err)
	}

	direct, err := s.SeedDirectChats(users, *numDirect)
	if err != nil {
		log.Fatalf("Direct chat seeding failed: %v", err)
	}
	groups, err := s.SeedGroupChats(users, *numGroups, 20)
	if err != nil {
		log.Fatalf("Group chat seeding failed: %v", err)
	}

	total, err := s.SeedMessages(append(direct, groups...), *perChat)
	if err != nil {
		log.Fatalf("Message seeding failed: %v", err)
	}

	log.Printf("Done: %d users, %d chats, %d messages", len(users), len(direct)+len(groups), total)
	log.Printf("All test users have the password: %s", seed.Password)
}
