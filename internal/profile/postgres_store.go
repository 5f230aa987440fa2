package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

const profileColumns = `id, auth_id, email, chat_id, tier, stripe_customer_id, stripe_subscription_id,
	subscription_status, trial_active, trial_started_at, trial_expires_at,
	credits_remaining, credits_used, quota_limit, quota_used,
	created_at, updated_at, last_activity_at`

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pr *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (id, auth_id, email, chat_id, tier, stripe_customer_id, stripe_subscription_id,
			subscription_status, trial_active, trial_started_at, trial_expires_at,
			credits_remaining, credits_used, quota_limit, quota_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		pr.ID, pr.AuthID, nullString(pr.Email), nullString(pr.ChatID), string(pr.Tier),
		nullString(pr.StripeCustomerID), nullString(pr.StripeSubscriptionID), nullString(pr.SubscriptionStatus),
		pr.TrialActive, pr.TrialStartedAt, pr.TrialExpiresAt,
		pr.CreditsRemaining, pr.CreditsUsed, pr.QuotaLimit, pr.QuotaUsed, pr.CreatedAt, pr.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	return scanProfile(p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
}

func (p *PostgresStore) GetByChatID(ctx context.Context, chatID string) (*Profile, error) {
	return scanProfile(p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE chat_id = $1`, chatID))
}

func (p *PostgresStore) BindChat(ctx context.Context, id, chatID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE profiles SET chat_id = $2, updated_at = NOW()
		WHERE id = $1`, id, chatID)
	if err != nil {
		return mapUniqueViolation(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) StartTrial(ctx context.Context, id string, now time.Time, length time.Duration) (*Profile, error) {
	pr, err := scanProfile(p.db.QueryRowContext(ctx, `
		UPDATE profiles SET
			trial_active     = TRUE,
			trial_started_at = $2,
			trial_expires_at = $3,
			credits_remaining = $5,
			quota_limit      = $5,
			updated_at       = $2
		WHERE id = $1
		  AND trial_started_at IS NULL
		  AND created_at >= $4
		RETURNING `+profileColumns,
		id, now, now.Add(length), now.Add(-TrialEligibilityWindow), TrialCredits))
	if !errors.Is(err, ErrNotFound) {
		return pr, err
	}

	// Guard failed; work out which one for the caller.
	existing, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.TrialStartedAt != nil {
		return nil, ErrTrialUsed
	}
	return nil, ErrTrialIneligible
}

func (p *PostgresStore) ApplyBilling(ctx context.Context, m Match, u BillingUpdate) (*Profile, error) {
	var (
		sets []string
		args []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Tier != nil {
		add("tier = $%d", string(*u.Tier))
		if u.Tier.IsPaid() {
			sets = append(sets, "trial_active = FALSE")
		}
	}
	if u.Credits != nil {
		add("credits_remaining = $%d", *u.Credits)
	}
	if u.QuotaLimit != nil {
		add("quota_limit = $%d", *u.QuotaLimit)
	}
	if u.CustomerID != nil && *u.CustomerID != "" {
		add("stripe_customer_id = $%d", *u.CustomerID)
	}
	if u.ClearSubscription {
		sets = append(sets, "stripe_subscription_id = NULL")
	} else if u.SubscriptionID != nil && *u.SubscriptionID != "" {
		add("stripe_subscription_id = $%d", *u.SubscriptionID)
	}
	if u.SubscriptionStatus != nil {
		add("subscription_status = $%d", *u.SubscriptionStatus)
	}
	sets = append(sets, "updated_at = NOW()")

	where, whereArg, err := matchClause(m, len(args)+1)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArg)

	// #nosec G202 -- column names are fixed literals above, values are bound parameters
	query := `UPDATE profiles SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + profileColumns
	return scanProfile(p.db.QueryRowContext(ctx, query, args...))
}

func (p *PostgresStore) RefillCredits(ctx context.Context, m Match, allotments map[Tier]int64) (*Profile, error) {
	tiers := make([]string, 0, len(allotments))
	for t := range allotments {
		if t.IsPaid() {
			tiers = append(tiers, string(t))
		}
	}
	sort.Strings(tiers)

	var (
		cases strings.Builder
		args  []any
	)
	for _, t := range tiers {
		args = append(args, t, allotments[Tier(t)])
		fmt.Fprintf(&cases, " WHEN tier = $%d THEN $%d::BIGINT", len(args)-1, len(args))
	}

	where, whereArg, err := matchClause(m, len(args)+1)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArg)

	if len(tiers) == 0 {
		return scanProfile(p.db.QueryRowContext(ctx,
			`SELECT `+profileColumns+` FROM profiles WHERE `+where, whereArg))
	}

	// #nosec G202 -- CASE arms only reference bound parameters
	query := `UPDATE profiles SET
			credits_remaining = CASE` + cases.String() + ` ELSE credits_remaining END,
			quota_used        = CASE WHEN tier = 'free' THEN quota_used ELSE 0 END,
			updated_at        = NOW()
		WHERE ` + where + ` RETURNING ` + profileColumns
	return scanProfile(p.db.QueryRowContext(ctx, query, args...))
}

func (p *PostgresStore) DebitCredits(ctx context.Context, id string, n int64, at time.Time) (int64, error) {
	if n <= 0 {
		return 0, ErrInvalidDebit
	}

	var remaining int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE profiles SET
			credits_remaining = credits_remaining - $2,
			credits_used      = credits_used + $2,
			quota_used        = quota_used + 1,
			last_activity_at  = $3,
			updated_at        = $3
		WHERE id = $1 AND credits_remaining >= $2
		RETURNING credits_remaining`, id, n, at).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	err = p.db.QueryRowContext(ctx,
		`SELECT credits_remaining FROM profiles WHERE id = $1`, id).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return remaining, ErrInsufficientCredits
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE profiles SET last_activity_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// matchClause renders the WHERE condition for m using placeholder $n. It
// always selects at most one row: customer, subscription and email are not
// unique, so the oldest matching profile is chosen, ties broken by id.
func matchClause(m Match, n int) (string, any, error) {
	var cond string
	var arg any
	switch {
	case m.ProfileID != "":
		return fmt.Sprintf("id = $%d", n), m.ProfileID, nil
	case m.CustomerID != "":
		cond, arg = fmt.Sprintf("stripe_customer_id = $%d", n), m.CustomerID
	case m.SubscriptionID != "":
		cond, arg = fmt.Sprintf("stripe_subscription_id = $%d", n), m.SubscriptionID
	case m.Email != "":
		cond, arg = fmt.Sprintf("lower(email) = lower($%d)", n), m.Email
	default:
		return "", nil, fmt.Errorf("profile: empty match")
	}
	return `id = (SELECT id FROM profiles WHERE ` + cond + ` ORDER BY created_at, id LIMIT 1)`, arg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	pr := &Profile{}
	var (
		tier                                    string
		email, chatID, customerID, subID, subSt sql.NullString
		trialStart, trialExpires, lastActivity  sql.NullTime
	)
	err := row.Scan(&pr.ID, &pr.AuthID, &email, &chatID, &tier, &customerID, &subID,
		&subSt, &pr.TrialActive, &trialStart, &trialExpires,
		&pr.CreditsRemaining, &pr.CreditsUsed, &pr.QuotaLimit, &pr.QuotaUsed,
		&pr.CreatedAt, &pr.UpdatedAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Tier = Tier(tier)
	pr.Email = email.String
	pr.ChatID = chatID.String
	pr.StripeCustomerID = customerID.String
	pr.StripeSubscriptionID = subID.String
	pr.SubscriptionStatus = subSt.String
	if trialStart.Valid {
		pr.TrialStartedAt = &trialStart.Time
	}
	if trialExpires.Valid {
		pr.TrialExpiresAt = &trialExpires.Time
	}
	if lastActivity.Valid {
		pr.LastActivityAt = &lastActivity.Time
	}
	return pr, nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "chat_id") {
			return ErrChatTaken
		}
		return ErrDuplicate
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
