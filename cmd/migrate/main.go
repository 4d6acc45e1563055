// Command migrate applies the database schema for the backend.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"courier/internal/config"
	"courier/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close() }()

	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		if err := database.Migrate(db.Write); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Println("migrations applied")
	case "status":
		migrator := db.Write.Migrator()
		for _, table := range []string{
			"users", "sessions", "chats", "participants",
			"messages", "edit_entries", "reactions", "attachments", "deliveries",
		} {
			state := "missing"
			if migrator.HasTable(table) {
				state = "present"
			}
			log.Printf("%-14s %s", table, state)
		}
	default:
		return usage()
	}
	return nil
}
