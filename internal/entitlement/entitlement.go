// Package entitlement derives a profile's access state from its billing and
// trial facts. Evaluation is pure: nothing here performs I/O or persists.
package entitlement

import (
	"time"

	"github.com/mbd888/chatgate/internal/profile"
)

// State is the access decision for a profile at a point in time.
type State string

const (
	StateActivePaid   State = "active_paid"
	StateActiveTrial  State = "active_trial"
	StateTrialExpired State = "trial_expired"
	StateNoAccess     State = "no_access"
)

const day = 24 * time.Hour

// Result is the evaluated access state plus display fields.
type Result struct {
	State            State `json:"state"`
	DaysRemaining    int   `json:"daysRemaining"`
	CreditsRemaining int64 `json:"creditsRemaining"`
	TrialEligible    bool  `json:"trialEligible"`
}

// HasAccess reports whether the state lets a message through the gate.
func (r Result) HasAccess() bool {
	return r.State == StateActivePaid || r.State == StateActiveTrial
}

// Evaluate computes the access state of p at now.
//
// A paid tier always grants access, whatever the trial fields or credit
// balance say; running out of credits is a usage decision made by the caller.
// Trial expiry is exact: at now == expiry the trial has expired.
func Evaluate(p *profile.Profile, now time.Time) Result {
	res := Result{CreditsRemaining: p.CreditsRemaining}

	if p.Tier != profile.TierFree {
		res.State = StateActivePaid
		return res
	}

	if p.TrialStartedAt == nil {
		res.State = StateNoAccess
		res.TrialEligible = now.Sub(p.CreatedAt) <= profile.TrialEligibilityWindow
		return res
	}

	if p.TrialExpiresAt == nil {
		res.State = StateTrialExpired
		return res
	}

	remaining := p.TrialExpiresAt.Sub(now)
	if remaining <= 0 {
		res.State = StateTrialExpired
		return res
	}

	res.State = StateActiveTrial
	res.DaysRemaining = int((remaining + day - 1) / day)
	return res
}
