// Package service provides application business logic (users, chats, messages).
package service

import (
	"context"

	"courier/internal/models"
	"courier/internal/repository"
	"courier/internal/validation"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// UserService provides account and profile business logic.
type UserService struct {
	userRepo repository.UserRepository
}

// NewUserService returns a new UserService.
func NewUserService(userRepo repository.UserRepository) *UserService {
	return &UserService{userRepo: userRepo}
}

// RegisterInput is the input for creating an account.
type RegisterInput struct {
	Handle      string
	Password    string
	DisplayName string
}

// Register creates a new account with a hashed credential.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := validation.ValidateHandle(in.Handle); err != nil {
		return nil, err
	}
	if err := validation.ValidatePassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	user := &models.User{
		Handle:         in.Handle,
		CredentialHash: string(hash),
		DisplayName:    in.DisplayName,
		Status:         models.StatusOffline,
	}
	if user.DisplayName == "" {
		user.DisplayName = in.Handle
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a handle/password pair. Unknown handles and wrong
// passwords are indistinguishable to the caller.
func (s *UserService) Authenticate(ctx context.Context, handle, password string) (*models.User, error) {
	user, err := s.userRepo.GetByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Burn a comparison anyway so response timing does not reveal
		// whether the handle exists.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$000000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, models.NewUnauthenticatedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.CredentialHash), []byte(password)); err != nil {
		return nil, models.NewUnauthenticatedError("invalid credentials")
	}
	return user, nil
}

// GetProfile returns a user's public profile.
func (s *UserService) GetProfile(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.userRepo.GetByID(ctx, id)
}

// UpdateProfileInput is the input for profile updates. Nil fields are left
// untouched.
type UpdateProfileInput struct {
	DisplayName *string
	AvatarRef   *string
}

// UpdateProfile applies partial profile changes for the calling user.
func (s *UserService) UpdateProfile(ctx context.Context, id uuid.UUID, in UpdateProfileInput) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.DisplayName != nil {
		name := *in.DisplayName
		if name == "" || len(name) > 100 {
			return nil, models.NewFieldValidationError("display_name", "display name must be 1-100 characters")
		}
		user.DisplayName = name
	}
	if in.AvatarRef != nil {
		user.AvatarRef = *in.AvatarRef
	}
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Lookup finds a user by exact handle.
func (s *UserService) Lookup(ctx context.Context, handle string) (*models.User, error) {
	user, err := s.userRepo.GetByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.NewNotFoundError("user", handle)
	}
	return user, nil
}

// Search finds users by handle prefix.
func (s *UserService) Search(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	if len(prefix) < 2 {
		return nil, models.NewFieldValidationError("q", "search prefix must be at least 2 characters")
	}
	return s.userRepo.SearchByHandle(ctx, prefix, limit)
}
