// Package seed provides database seeding utilities for development and
// testing. Never run against production data.
package seed

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Password is the shared plaintext password for every seeded account.
const Password = "Seed42password!"

var groupNames = []string{
	"General", "Weekend Plans", "Family", "Work", "Gaming",
	"Book Club", "Road Trip", "Lunch Crew", "Project Alpha", "Neighbors",
}

// Seeder populates the database with realistic demo data.
type Seeder struct {
	db  *gorm.DB
	rng *rand.Rand

	// Every seeded user shares one bcrypt hash; hashing per user makes
	// large seeds take minutes.
	credentialHash string
}

// NewSeeder creates a seeder bound to the writer connection.
func NewSeeder(db *database.DB) (*Seeder, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("hash seed password: %w", err)
	}
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		db:             db.Write,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		credentialHash: string(hash),
	}, nil
}

// ClearAll removes all seeded data in dependency order.
func (s *Seeder) ClearAll() error {
	log.Println("Clearing existing data...")
	tables := []interface{}{
		&models.Delivery{}, &models.Reaction{}, &models.Attachment{},
		&models.EditEntry{}, &models.Message{}, &models.Participant{},
		&models.Chat{}, &models.Session{}, &models.User{},
	}
	for _, table := range tables {
		if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
			return fmt.Errorf("clear %T: %w", table, err)
		}
	}
	return nil
}

// SeedUsers creates n accounts with unique handles.
func (s *Seeder) SeedUsers(n int) ([]models.User, error) {
	log.Printf("Seeding %d users...", n)
	users := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		first := gofakeit.FirstName()
		last := gofakeit.LastName()
		handle := strings.ToLower(fmt.Sprintf("%s_%s_%03d", first, last, i))
		users = append(users, models.User{
			Handle:         handle,
			CredentialHash: s.credentialHash,
			DisplayName:    first + " " + last,
			Status:         models.StatusOffline,
		})
	}
	if err := s.db.CreateInBatches(users, 100).Error; err != nil {
		return nil, fmt.Errorf("create users: %w", err)
	}
	return users, nil
}

// SeedDirectChats opens direct chats between random user pairs.
func (s *Seeder) SeedDirectChats(users []models.User, n int) ([]models.Chat, error) {
	if len(users) < 2 {
		return nil, fmt.Errorf("need at least 2 users")
	}
	log.Printf("Seeding %d direct chats...", n)

	chats := make([]models.Chat, 0, n)
	seen := make(map[[2]uuid.UUID]bool)
	for len(chats) < n {
		a := users[s.rng.Intn(len(users))]
		b := users[s.rng.Intn(len(users))]
		if a.ID == b.ID {
			continue
		}
		key := [2]uuid.UUID{a.ID, b.ID}
		if a.ID.String() > b.ID.String() {
			key = [2]uuid.UUID{b.ID, a.ID}
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		chat := models.Chat{Kind: models.ChatDirect}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&chat).Error; err != nil {
				return err
			}
			parts := []models.Participant{
				{ChatID: chat.ID, UserID: a.ID, Role: models.RoleMember},
				{ChatID: chat.ID, UserID: b.ID, Role: models.RoleMember},
			}
			return tx.Create(&parts).Error
		})
		if err != nil {
			return nil, fmt.Errorf("create direct chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// SeedGroupChats creates group chats with random rosters.
func (s *Seeder) SeedGroupChats(users []models.User, n, maxMembers int) ([]models.Chat, error) {
	if maxMembers < 3 {
		maxMembers = 3
	}
	log.Printf("Seeding %d group chats...", n)

	chats := make([]models.Chat, 0, n)
	for i := 0; i < n; i++ {
		owner := users[s.rng.Intn(len(users))]
		name := groupNames[i%len(groupNames)]
		if i >= len(groupNames) {
			name = fmt.Sprintf("%s %d", name, i/len(groupNames)+1)
		}

		ownerID := owner.ID
		chat := models.Chat{
			Kind:    models.ChatGroup,
			Name:    name,
			OwnerID: &ownerID,
		}

		size := 2 + s.rng.Intn(maxMembers-2)
		members := map[uuid.UUID]bool{owner.ID: true}
		for len(members) < size+1 && len(members) < len(users) {
			members[users[s.rng.Intn(len(users))].ID] = true
		}

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&chat).Error; err != nil {
				return err
			}
			parts := make([]models.Participant, 0, len(members))
			for userID := range members {
				role := models.RoleMember
				if userID == owner.ID {
					role = models.RoleOwner
				}
				parts = append(parts, models.Participant{
					ChatID: chat.ID, UserID: userID, Role: role,
				})
			}
			return tx.Create(&parts).Error
		})
		if err != nil {
			return nil, fmt.Errorf("create group chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// SeedMessages fills chats with conversation history, including delivery
// rows in mixed states and the occasional reaction.
func (s *Seeder) SeedMessages(chats []models.Chat, perChat int) (int, error) {
	log.Printf("Seeding up to %d messages per chat...", perChat)
	total := 0
	for _, chat := range chats {
		var participants []models.Participant
		if err := s.db.Where("chat_id = ? AND left_at IS NULL", chat.ID).
			Find(&participants).Error; err != nil {
			return total, fmt.Errorf("load participants: %w", err)
		}
		if len(participants) == 0 {
			continue
		}

		count := 1 + s.rng.Intn(perChat)
		// Spread history over the past two weeks, oldest first.
		at := time.Now().Add(-time.Duration(s.rng.Intn(14*24)) * time.Hour)
		var lastAt time.Time
		for i := 0; i < count; i++ {
			sender := participants[s.rng.Intn(len(participants))]
			senderID := sender.UserID
			msg := models.Message{
				ChatID:    chat.ID,
				SenderID:  &senderID,
				Body:      gofakeit.Sentence(3 + s.rng.Intn(12)),
				Kind:      models.MessageText,
				CreatedAt: at,
			}
			if err := s.db.Create(&msg).Error; err != nil {
				return total, fmt.Errorf("create message: %w", err)
			}

			deliveries := make([]models.Delivery, 0, len(participants)-1)
			for _, p := range participants {
				if p.UserID == senderID {
					continue
				}
				d := models.Delivery{MessageID: msg.ID, UserID: p.UserID, Status: models.DeliverySent}
				switch s.rng.Intn(3) {
				case 1:
					now := at.Add(time.Second)
					d.Status = models.DeliveryDelivered
					d.DeliveredAt = &now
				case 2:
					now := at.Add(time.Minute)
					d.Status = models.DeliveryRead
					d.DeliveredAt = &now
					d.ReadAt = &now
				}
				deliveries = append(deliveries, d)
			}
			if len(deliveries) > 0 {
				if err := s.db.Create(&deliveries).Error; err != nil {
					return total, fmt.Errorf("create deliveries: %w", err)
				}
			}

			if s.rng.Intn(10) == 0 {
				reactor := participants[s.rng.Intn(len(participants))]
				reaction := models.Reaction{
					MessageID: msg.ID,
					UserID:    reactor.UserID,
					Glyph:     gofakeit.RandomString([]string{"👍", "❤️", "😂", "🎉", "😮"}),
				}
				_ = s.db.Create(&reaction).Error
			}

			lastAt = at
			at = at.Add(time.Duration(1+s.rng.Intn(120)) * time.Minute)
			total++
		}

		if err := s.db.Model(&models.Chat{}).Where("id = ?", chat.ID).
			Update("last_message_at", lastAt).Error; err != nil {
			return total, fmt.Errorf("update chat activity: %w", err)
		}
	}
	return total, nil
}
