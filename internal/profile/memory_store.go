package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory profile store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile // by ID
	chats    map[string]string   // chatID → profile ID
	authIDs  map[string]string   // authID → profile ID
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		chats:    make(map[string]string),
		authIDs:  make(map[string]string),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.profiles[p.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.authIDs[p.AuthID]; exists && p.AuthID != "" {
		return ErrDuplicate
	}
	if p.ChatID != "" {
		if _, taken := m.chats[p.ChatID]; taken {
			return ErrChatTaken
		}
	}

	cp := *p
	m.profiles[p.ID] = &cp
	if p.AuthID != "" {
		m.authIDs[p.AuthID] = p.ID
	}
	if p.ChatID != "" {
		m.chats[p.ChatID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByChatID(_ context.Context, chatID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.profiles[id]
	return &cp, nil
}

func (m *MemoryStore) BindChat(_ context.Context, id, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if owner, taken := m.chats[chatID]; taken && owner != id {
		return ErrChatTaken
	}
	if p.ChatID != "" {
		delete(m.chats, p.ChatID)
	}
	p.ChatID = chatID
	p.UpdatedAt = m.now()
	m.chats[chatID] = id
	return nil
}

func (m *MemoryStore) StartTrial(_ context.Context, id string, now time.Time, length time.Duration) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.TrialStartedAt != nil {
		return nil, ErrTrialUsed
	}
	if now.Sub(p.CreatedAt) > TrialEligibilityWindow {
		return nil, ErrTrialIneligible
	}

	start := now
	expires := now.Add(length)
	p.TrialActive = true
	p.TrialStartedAt = &start
	p.TrialExpiresAt = &expires
	p.CreditsRemaining = TrialCredits
	p.QuotaLimit = TrialCredits
	p.UpdatedAt = now

	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ApplyBilling(_ context.Context, match Match, u BillingUpdate) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.find(match)
	if p == nil {
		return nil, ErrNotFound
	}
	u.apply(p, m.now())

	cp := *p
	return &cp, nil
}

func (m *MemoryStore) RefillCredits(_ context.Context, match Match, allotments map[Tier]int64) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.find(match)
	if p == nil {
		return nil, ErrNotFound
	}
	if n, ok := allotments[p.Tier]; ok && p.Tier.IsPaid() {
		p.CreditsRemaining = n
		p.QuotaUsed = 0
		p.UpdatedAt = m.now()
	}

	cp := *p
	return &cp, nil
}

func (m *MemoryStore) DebitCredits(_ context.Context, id string, n int64, at time.Time) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidDebit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return 0, ErrNotFound
	}
	if p.CreditsRemaining < n {
		return p.CreditsRemaining, ErrInsufficientCredits
	}
	p.CreditsRemaining -= n
	p.CreditsUsed += n
	p.QuotaUsed++
	p.LastActivityAt = &at
	p.UpdatedAt = at
	return p.CreditsRemaining, nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.LastActivityAt = &at
	p.UpdatedAt = at
	return nil
}

// find resolves a Match to a single profile. Customer, subscription and email
// identities are not unique, so the oldest matching profile wins, ties broken
// by ID. Caller must hold m.mu.
func (m *MemoryStore) find(match Match) *Profile {
	if match.ProfileID != "" {
		return m.profiles[match.ProfileID]
	}

	var hit func(*Profile) bool
	switch {
	case match.CustomerID != "":
		hit = func(p *Profile) bool { return p.StripeCustomerID == match.CustomerID }
	case match.SubscriptionID != "":
		hit = func(p *Profile) bool { return p.StripeSubscriptionID == match.SubscriptionID }
	case match.Email != "":
		hit = func(p *Profile) bool { return p.Email != "" && strings.EqualFold(p.Email, match.Email) }
	default:
		return nil
	}

	var best *Profile
	for _, p := range m.profiles {
		if !hit(p) {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) ||
			(p.CreatedAt.Equal(best.CreatedAt) && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

var _ Store = (*MemoryStore)(nil)
