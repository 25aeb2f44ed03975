package model

import "time"

// User is an operator: the owner of subscriptions, API keys and webhook
// endpoints. Email is unique and is where subscription mail defaults to.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Organisation string    `json:"organisation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName is the name shown in notifications and admin views.
func (u *User) DisplayName() string {
	switch {
	case u.Name != "" && u.Organisation != "":
		return u.Name + " (" + u.Organisation + ")"
	case u.Name != "":
		return u.Name
	default:
		return u.Email
	}
}
