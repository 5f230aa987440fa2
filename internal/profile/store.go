package profile

import (
	"context"
	"time"
)

// Store persists profiles. Mutating methods are single conditional updates;
// callers never load, modify and save a profile.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
	GetByChatID(ctx context.Context, chatID string) (*Profile, error)

	// BindChat attaches a chat identity. Fails with ErrChatTaken when another
	// profile already holds it.
	BindChat(ctx context.Context, id, chatID string) error

	// StartTrial sets the trial window once per profile lifetime, and only
	// within TrialEligibilityWindow of signup.
	StartTrial(ctx context.Context, id string, now time.Time, length time.Duration) (*Profile, error)

	// ApplyBilling sets the fields in u on the profile identified by m.
	ApplyBilling(ctx context.Context, m Match, u BillingUpdate) (*Profile, error)

	// RefillCredits resets credits to the allotment of the profile's stored
	// tier and zeroes quota usage. Free-tier profiles are left unchanged.
	RefillCredits(ctx context.Context, m Match, allotments map[Tier]int64) (*Profile, error)

	// DebitCredits removes n credits and stamps last activity. Rejects with
	// ErrInsufficientCredits rather than going negative.
	DebitCredits(ctx context.Context, id string, n int64, at time.Time) (remaining int64, err error)

	// Touch stamps last activity without touching credits.
	Touch(ctx context.Context, id string, at time.Time) error
}
