package repository

import (
	"context"
	"errors"
	"time"

	"courier/internal/database"
	"courier/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionRepository defines persistence operations for device sessions.
// Session reads go through the registry's cache layer; the repository is the
// source of truth.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByRefreshSecret(ctx context.Context, secret string) (*models.Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error)
	RotateRefresh(ctx context.Context, id uuid.UUID, newSecret string, expiresAt time.Time) error
	AttachSocket(ctx context.Context, id uuid.UUID, socketID string) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	Invalidate(ctx context.Context, id uuid.UUID) error
	InvalidateAllForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type sessionRepository struct {
	db *database.DB
}

// NewSessionRepository returns a new SessionRepository implementation.
func NewSessionRepository(db *database.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	if err := r.db.Write.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.NewConflictError("refresh secret collision")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	// Sessions are auth-critical: always read the writer to avoid replica lag
	// resurrecting a revoked session.
	if err := r.db.Write.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("session", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &session, nil
}

func (r *sessionRepository) GetByRefreshSecret(ctx context.Context, secret string) (*models.Session, error) {
	var session models.Session
	if err := r.db.Write.WithContext(ctx).Where("refresh_secret = ?", secret).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &session, nil
}

func (r *sessionRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.Write.WithContext(ctx).
		Where("user_id = ? AND active = ? AND expires_at > ?", userID, true, time.Now()).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return sessions, nil
}

func (r *sessionRepository) RotateRefresh(ctx context.Context, id uuid.UUID, newSecret string, expiresAt time.Time) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{
			"refresh_secret":   newSecret,
			"expires_at":       expiresAt,
			"last_activity_at": time.Now(),
		})
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewUnauthenticatedError("session revoked")
	}
	return nil
}

func (r *sessionRepository) AttachSocket(ctx context.Context, id uuid.UUID, socketID string) error {
	err := r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"socket_id":        socketID,
			"last_activity_at": time.Now(),
		}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionRepository) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	res := r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", id).
		Update("active", false)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("session", id)
	}
	return nil
}

// InvalidateAllForUser revokes every active session of a user and returns
// the revoked ids so the registry can drop its cache entries.
func (r *sessionRepository) InvalidateAllForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND active = ?", userID, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err = r.db.Write.WithContext(ctx).Model(&models.Session{}).
		Where("id IN ?", ids).
		Update("active", false).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.Write.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.Session{})
	if res.Error != nil {
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}
