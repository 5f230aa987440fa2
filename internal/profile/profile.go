// Package profile holds the per-user record shared by billing and chat routing.
//
// A Profile is created at signup on the free tier, mutated by billing events
// (tier, credits, subscription references) and by routed chat messages
// (credits used, last activity). Every mutation is expressed as a single
// conditional update in the Store so concurrent billing and messaging traffic
// against the same profile never loses writes.
package profile

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound            = errors.New("profile: not found")
	ErrDuplicate           = errors.New("profile: auth identity already registered")
	ErrChatTaken           = errors.New("profile: chat identity already bound to another profile")
	ErrInsufficientCredits = errors.New("profile: insufficient credits")
	ErrTrialUsed           = errors.New("profile: trial already started")
	ErrTrialIneligible     = errors.New("profile: account too old to start a trial")
	ErrInvalidDebit        = errors.New("profile: debit must be positive")
)

// Tier identifies the paid subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierStarter, TierPro, TierEnterprise:
		return true
	}
	return false
}

// IsPaid reports whether t grants access on its own.
func (t Tier) IsPaid() bool {
	return t != TierFree && ValidTier(t)
}

// Subscription statuses stored on the profile. Values mirror the payment
// provider's vocabulary.
const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

// TrialEligibilityWindow is how long after signup a trial may still be started.
const TrialEligibilityWindow = 24 * time.Hour

// TrialCredits is granted when a trial starts.
const TrialCredits = 50

// Profile is one end user.
type Profile struct {
	ID     string `json:"id"`
	AuthID string `json:"authId"`
	Email  string `json:"email,omitempty"`
	ChatID string `json:"chatId,omitempty"`

	Tier                 Tier   `json:"tier"`
	StripeCustomerID     string `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string `json:"stripeSubscriptionId,omitempty"`
	SubscriptionStatus   string `json:"subscriptionStatus,omitempty"`

	TrialActive    bool       `json:"trialActive"`
	TrialStartedAt *time.Time `json:"trialStartedAt,omitempty"`
	TrialExpiresAt *time.Time `json:"trialExpiresAt,omitempty"`

	CreditsRemaining int64 `json:"creditsRemaining"`
	CreditsUsed      int64 `json:"creditsUsed"`
	QuotaLimit       int64 `json:"quotaLimit"`
	QuotaUsed        int64 `json:"quotaUsed"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

// New returns a freshly signed-up profile: free tier, no trial, no credits.
func New(id, authID, email string, now time.Time) *Profile {
	return &Profile{
		ID:        id,
		AuthID:    authID,
		Email:     email,
		Tier:      TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Match identifies the profile a conditional update applies to. Only the
// first non-empty field, in declaration order, is used.
type Match struct {
	ProfileID      string
	CustomerID     string
	SubscriptionID string
	Email          string
}

// IsZero reports whether no identity is set.
func (m Match) IsZero() bool {
	return m.ProfileID == "" && m.CustomerID == "" && m.SubscriptionID == "" && m.Email == ""
}

// BillingUpdate is the narrow set of fields a billing event may set.
// Nil pointers leave the stored value untouched.
type BillingUpdate struct {
	Tier               *Tier
	Credits            *int64
	QuotaLimit         *int64
	CustomerID         *string
	SubscriptionID     *string
	ClearSubscription  bool
	SubscriptionStatus *string
}

func ptr[T any](v T) *T { return &v }

// SetTier is a convenience for building updates.
func (u BillingUpdate) SetTier(t Tier) BillingUpdate { u.Tier = ptr(t); return u }

// SetCredits is a convenience for building updates.
func (u BillingUpdate) SetCredits(n int64) BillingUpdate { u.Credits = ptr(n); return u }

// SetQuotaLimit is a convenience for building updates.
func (u BillingUpdate) SetQuotaLimit(n int64) BillingUpdate { u.QuotaLimit = ptr(n); return u }

// SetCustomer is a convenience for building updates.
func (u BillingUpdate) SetCustomer(id string) BillingUpdate { u.CustomerID = ptr(id); return u }

// SetSubscription is a convenience for building updates.
func (u BillingUpdate) SetSubscription(id string) BillingUpdate {
	u.SubscriptionID = ptr(id)
	return u
}

// SetStatus is a convenience for building updates.
func (u BillingUpdate) SetStatus(s string) BillingUpdate { u.SubscriptionStatus = ptr(s); return u }

// apply mutates p in place. Shared by MemoryStore and tests.
func (u BillingUpdate) apply(p *Profile, now time.Time) {
	if u.Tier != nil {
		p.Tier = *u.Tier
		if p.Tier.IsPaid() {
			p.TrialActive = false
		}
	}
	if u.Credits != nil {
		p.CreditsRemaining = *u.Credits
	}
	if u.QuotaLimit != nil {
		p.QuotaLimit = *u.QuotaLimit
	}
	if u.CustomerID != nil && *u.CustomerID != "" {
		p.StripeCustomerID = *u.CustomerID
	}
	if u.ClearSubscription {
		p.StripeSubscriptionID = ""
	} else if u.SubscriptionID != nil && *u.SubscriptionID != "" {
		p.StripeSubscriptionID = *u.SubscriptionID
	}
	if u.SubscriptionStatus != nil {
		p.SubscriptionStatus = *u.SubscriptionStatus
	}
	p.UpdatedAt = now
}
