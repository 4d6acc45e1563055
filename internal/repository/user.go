package repository

import (
	"context"
	"errors"
	"time"

	"courier/internal/cache"
	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByHandle(ctx context.Context, handle string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	SearchByHandle(ctx context.Context, prefix string, limit int) ([]models.User, error)
}

type userRepository struct {
	db  *database.DB
	rdb *redis.Client
}

// NewUserRepository returns a new UserRepository implementation.
func NewUserRepository(db *database.DB, rdb *redis.Client) UserRepository {
	return &userRepository{db: db, rdb: rdb}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.Write.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("handle already taken")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := cache.Aside(ctx, r.rdb, cache.UserKey(id), &user, cache.UserTTL, func() error {
		if err := r.db.Reader().WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("user", id)
			}
			return models.NewInternalError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByHandle(ctx context.Context, handle string) (*models.User, error) {
	var user models.User
	if err := r.db.Reader().WithContext(ctx).Where("handle = ?", handle).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *userRepository) Update(ctx context.Context, user *models.User) error {
	if err := r.db.Write.WithContext(ctx).Save(user).Error; err != nil {
		return models.NewInternalError(err)
	}
	r.invalidate(ctx, user.ID)
	return nil
}

func (r *userRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	err := r.db.Write.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"last_seen_at": lastSeenAt,
		}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *userRepository) SearchByHandle(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	var users []models.User
	err := r.db.Reader().WithContext(ctx).
		Where("handle LIKE ?", prefix+"%").
		Order("handle ASC").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return users, nil
}

func (r *userRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if r.rdb != nil {
		r.rdb.Del(ctx, cache.UserKey(id))
	}
}
