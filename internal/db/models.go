package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a generic type for PostgreSQL JSONB columns.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = JSONB("{}")
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported type for JSONB: %T", value)
	}
	return nil
}

func (j JSONB) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return json.RawMessage(j).MarshalJSON()
}

func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// --- Models ---

type User struct {
	ID            string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Email         string  `gorm:"type:text;not null;uniqueIndex" json:"email"`
	DisplayName   *string `gorm:"type:text" json:"display_name,omitempty"`
	AvatarURL     *string `gorm:"type:text" json:"avatar_url,omitempty"`
	AccountStatus string  `gorm:"type:text;not null;default:'active'" json:"account_status"`
	RootFolderID  *string `gorm:"type:text" json:"root_folder_id,omitempty"`
	Settings      JSONB   `gorm:"type:jsonb;default:'{}'" json:"settings"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (User) TableName() string { return "learning.users" }

// LinkedAccount holds a user's OAuth tokens for one provider. The access
// token is short-lived and stored plain; the refresh token is long-lived
// and stored encrypted.
type LinkedAccount struct {
	ID                    string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID                string     `gorm:"type:uuid;not null;uniqueIndex:idx_accounts_user_provider" json:"user_id"`
	Provider              string     `gorm:"type:text;not null;uniqueIndex:idx_accounts_user_provider" json:"provider"`
	AccessToken           *string    `gorm:"type:text" json:"-"`
	ExpiresAt             *time.Time `gorm:"type:timestamptz" json:"expires_at,omitempty"`
	RefreshToken          string     `gorm:"-" json:"-"`
	EncryptedRefreshToken *string    `gorm:"type:text" json:"-"`
	KeyVersion            int        `gorm:"not null;default:1" json:"key_version"`
	Scope                 string     `gorm:"type:text;not null;default:''" json:"scope"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (LinkedAccount) TableName() string { return "learning.linked_accounts" }

type Plan struct {
	ID            string  `gorm:"primaryKey;type:text" json:"id"`
	Name          string  `gorm:"type:text;not null" json:"name"`
	PriceMonthly  int     `gorm:"default:0" json:"price_monthly"`
	StripePriceID *string `gorm:"type:text" json:"stripe_price_id,omitempty"`
	Features      JSONB   `gorm:"type:jsonb;default:'{}'" json:"features"`
}

func (Plan) TableName() string { return "learning.plans" }

type Subscription struct {
	ID                   string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID               string     `gorm:"type:uuid;not null;index" json:"user_id"`
	PlanID               string     `gorm:"type:text;not null" json:"plan_id"`
	Status               string     `gorm:"type:text;not null;default:'active'" json:"status"`
	CurrentPeriodEnd     *time.Time `gorm:"type:timestamptz" json:"current_period_end,omitempty"`
	StripeSubscriptionID *string    `gorm:"type:text;uniqueIndex" json:"stripe_subscription_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string { return "learning.subscriptions" }

// LessonProgress marks one lesson complete for one user. Course and
// lesson IDs are the backing Drive folder IDs.
type LessonProgress struct {
	UserID      string    `gorm:"primaryKey;type:uuid" json:"user_id"`
	CourseID    string    `gorm:"primaryKey;type:text" json:"course_id"`
	LessonID    string    `gorm:"primaryKey;type:text" json:"lesson_id"`
	CompletedAt time.Time `gorm:"not null;default:now()" json:"completed_at"`
}

func (LessonProgress) TableName() string { return "learning.lesson_progress" }
