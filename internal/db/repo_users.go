package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// UserRepo answers identity queries.
type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(database *gorm.DB) *UserRepo {
	return &UserRepo{db: database}
}

// GetUser returns a user by internal ID.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, fmt.Errorf("user %s not found: %w", userID, err)
	}
	return &user, nil
}

// FindOrCreateByEmail resolves a provider identity to an internal user,
// creating the row on first login.
func (r *UserRepo) FindOrCreateByEmail(ctx context.Context, email, displayName string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = User{Email: email}
	if displayName != "" {
		user.DisplayName = &displayName
	}
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user for %s: %w", email, err)
	}
	return &user, nil
}

// SetRootFolder updates the Drive folder the user's courses mirror.
func (r *UserRepo) SetRootFolder(ctx context.Context, userID, folderID string) error {
	result := r.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("root_folder_id", folderID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}
