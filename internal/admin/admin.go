// Package admin provides the operator API the signup and billing UI calls:
// profile creation, trial start, chat binding, and access/usage lookups.
package admin

import (
	"time"

	"github.com/mbd888/chatgate/internal/entitlement"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/validation"
)

// DefaultTrialLength is the one-time free trial window.
const DefaultTrialLength = 7 * 24 * time.Hour

// ProfileView is a profile plus its access state at the time of the request.
type ProfileView struct {
	Profile *profile.Profile   `json:"profile"`
	Access  entitlement.Result `json:"access"`
}

// CreateProfileRequest is sent by the signup flow.
type CreateProfileRequest struct {
	ID     string `json:"id,omitempty" binding:"omitempty,identifier"`
	AuthID string `json:"authId" binding:"required,identifier"`
	Email  string `json:"email" binding:"omitempty,mailbox"`
}

// Normalize trims the auth id and lowercases the email.
func (r *CreateProfileRequest) Normalize() {
	r.AuthID = validation.SanitizeString(r.AuthID, validation.MaxIDLength+1)
	r.Email = validation.NormalizeEmail(r.Email)
}

// BindChatRequest links a chat identity to a profile.
type BindChatRequest struct {
	ChatID string `json:"chatId" binding:"required,chatid"`
}
