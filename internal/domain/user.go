package domain

import "time"

// User represents a locally persisted account linked to one provider subject.
type User struct {
	ID          string    `json:"id" db:"id"`
	ProviderID  string    `json:"provider_id" db:"provider_id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty" db:"avatar_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// AvatarURLValue returns the avatar URL or an empty string when none is stored.
func (u User) AvatarURLValue() string {
	if u.AvatarURL == nil {
		return ""
	}
	return *u.AvatarURL
}
