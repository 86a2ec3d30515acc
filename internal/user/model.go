package user

import (
	"time"

	"chatlink/internal/wire"
)

type User struct {
	ID                int        `json:"id"`
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	Password          string     `json:"-"`
	IsOnline          bool       `json:"isOnline"`
	LastSeen          *time.Time `json:"lastSeen,omitempty"`
	ProfilePictureURL string     `json:"profilePictureUrl,omitempty"`
}

// Presence is the public view broadcast on /topic/users.
func (u *User) Presence() wire.UserPresence {
	return wire.UserPresence{
		ID:                u.ID,
		Name:              u.Name,
		IsOnline:          u.IsOnline,
		LastSeen:          u.LastSeen,
		ProfilePictureURL: u.ProfilePictureURL,
	}
}

func (u *User) Me() wire.Me {
	return wire.Me{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		ProfilePictureURL: u.ProfilePictureURL,
	}
}

type RegisterRequest struct {
	Email                string `json:"email"`
	Name                 string `json:"name"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"passwordConfirmation"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	Name              *string `json:"name,omitempty"`
	Password          *string `json:"password,omitempty"`
	ProfilePictureURL *string `json:"profilePictureUrl,omitempty"`
}
