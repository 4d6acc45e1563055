package repository

import (
	"fmt"
	"testing"

	"courier/internal/database"
	"courier/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	err = gdb.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Chat{},
		&models.Participant{},
		&models.Message{},
		&models.EditEntry{},
		&models.Reaction{},
		&models.Attachment{},
		&models.Delivery{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	return &database.DB{Write: gdb}
}

func createTestUsers(t *testing.T, db *database.DB, n int) []models.User {
	t.Helper()
	users := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		u := models.User{
			Handle:         fmt.Sprintf("tester_%03d", i),
			CredentialHash: "x",
			DisplayName:    fmt.Sprintf("Tester %d", i),
		}
		if err := db.Write.Create(&u).Error; err != nil {
			t.Fatalf("Failed to create test user: %v", err)
		}
		users = append(users, u)
	}
	return users
}
