// Package billing consumes payment provider (Stripe) webhook events and turns
// them into profile mutations.
//
// Every event is authenticated before anything else is parsed, recorded in a
// seen-events log so redelivery never applies the same effect twice, and then
// mapped to one conditional profile update. Once an event is authenticated the
// provider always gets an acknowledgement: events we do not understand, or
// that name a profile we do not have, are logged and acked so the provider
// does not retry them forever.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/traces"
)

// ErrInvalidSignature is returned when the payload does not carry a valid
// signature for the configured secret.
var ErrInvalidSignature = errors.New("billing: invalid signature")

// Event types the processor acts on.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Metadata keys read from subscription objects.
const (
	MetadataProfileID = "profile_id"
	MetadataTier      = "tier"
)

// Outcome is how an authenticated event was handled.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeProfileNotFound Outcome = "profile_not_found"
	OutcomeFailed          Outcome = "failed"
)

// Result describes a processed event.
type Result struct {
	EventID string
	Type    string
	Outcome Outcome
}

// Processor verifies and applies payment provider events.
type Processor struct {
	secret   string
	profiles profile.Store
	events   EventLog
	logger   *slog.Logger
}

// NewProcessor creates a processor that verifies events against secret.
func NewProcessor(secret string, profiles profile.Store, events EventLog, logger *slog.Logger) *Processor {
	return &Processor{
		secret:   secret,
		profiles: profiles,
		events:   events,
		logger:   logging.OrDefault(logger),
	}
}

// Process authenticates payload against sigHeader and applies its effect at
// most once. It returns ErrInvalidSignature for unauthenticated input. Any
// other error means the event was not recorded as seen and the provider
// should retry it.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	eventType := string(event.Type)
	res := Result{EventID: event.ID, Type: eventType}

	ctx, span := traces.StartSpan(ctx, "billing.process",
		traces.EventID(event.ID), traces.EventType(eventType))
	defer span.End()

	log := p.logger.With("event_id", event.ID, "event_type", eventType)

	first, err := p.events.MarkSeen(ctx, event.ID, eventType)
	if err != nil {
		traces.Fail(span, err)
		return res, fmt.Errorf("record billing event: %w", err)
	}
	if !first {
		log.Info("duplicate billing event, skipping")
		res.Outcome = OutcomeDuplicate
		metrics.BillingEventsTotal.WithLabelValues(eventType, string(res.Outcome)).Inc()
		return res, nil
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	res.Outcome, err = p.apply(ctx, log, eventType, raw)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		log.Warn("billing event names no known profile")
		res.Outcome = OutcomeProfileNotFound
	case err != nil:
		traces.Fail(span, err)
		res.Outcome = OutcomeFailed
		if markErr := p.events.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			log.Error("failed to flag billing event", "error", markErr)
		}
		logging.Alert(ctx, log, "billing mutation failed after event was recorded", "error", err)
	}

	metrics.BillingEventsTotal.WithLabelValues(eventType, string(res.Outcome)).Inc()
	log.Info("billing event processed", "outcome", res.Outcome)
	return res, nil
}

func (p *Processor) apply(ctx context.Context, log *slog.Logger, eventType string, raw json.RawMessage) (Outcome, error) {
	switch eventType {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return OutcomeFailed, fmt.Errorf("decode checkout session: %w", err)
		}
		return p.checkoutCompleted(ctx, log, &sess)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return OutcomeFailed, fmt.Errorf("decode subscription: %w", err)
		}
		return p.subscriptionChanged(ctx, log, &sub)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return OutcomeFailed, fmt.Errorf("decode subscription: %w", err)
		}
		return p.subscriptionDeleted(ctx, &sub)

	case EventInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return OutcomeFailed, fmt.Errorf("decode invoice: %w", err)
		}
		return p.invoicePaid(ctx, log, &inv)

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err == nil {
			log = log.With("customer_id", customerID(inv.Customer), "amount_due", inv.AmountDue)
		}
		log.Warn("invoice payment failed")
		return OutcomeIgnored, nil

	default:
		log.Debug("unhandled billing event type")
		return OutcomeIgnored, nil
	}
}

func (p *Processor) checkoutCompleted(ctx context.Context, log *slog.Logger, sess *stripe.CheckoutSession) (Outcome, error) {
	plan, ok := PlanForAmount(sess.AmountTotal)
	if !ok {
		log.Warn("checkout amount matches no plan", "amount_total", sess.AmountTotal)
		return OutcomeIgnored, nil
	}

	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	var subID string
	if sess.Subscription != nil {
		subID = sess.Subscription.ID
	}
	cusID := customerID(sess.Customer)

	update := profile.BillingUpdate{}.
		SetTier(plan.Tier).
		SetCredits(plan.Credits).
		SetQuotaLimit(plan.Credits).
		SetCustomer(cusID).
		SetSubscription(subID).
		SetStatus(profile.SubscriptionActive)

	return p.applyFirst(ctx, update,
		profile.Match{ProfileID: sess.ClientReferenceID},
		profile.Match{CustomerID: cusID},
		profile.Match{Email: email},
	)
}

func (p *Processor) subscriptionChanged(ctx context.Context, log *slog.Logger, sub *stripe.Subscription) (Outcome, error) {
	tier := subscriptionTier(sub)
	cusID := customerID(sub.Customer)

	var update profile.BillingUpdate
	if sub.Status == stripe.SubscriptionStatusActive && tier.IsPaid() {
		plan, _ := PlanForTier(tier)
		update = update.
			SetTier(tier).
			SetCredits(plan.Credits).
			SetQuotaLimit(plan.Credits).
			SetSubscription(sub.ID)
	} else {
		log.Info("subscription not active, downgrading", "status", sub.Status, "tier", tier)
		update = update.SetTier(profile.TierFree).SetCredits(0).SetQuotaLimit(0)
	}
	update = update.SetCustomer(cusID).SetStatus(string(sub.Status))

	return p.applyFirst(ctx, update,
		profile.Match{ProfileID: sub.Metadata[MetadataProfileID]},
		profile.Match{SubscriptionID: sub.ID},
		profile.Match{CustomerID: cusID},
	)
}

func (p *Processor) subscriptionDeleted(ctx context.Context, sub *stripe.Subscription) (Outcome, error) {
	update := profile.BillingUpdate{ClearSubscription: true}.
		SetTier(profile.TierFree).
		SetCredits(FreeGrantCredits).
		SetQuotaLimit(FreeGrantCredits).
		SetStatus(profile.SubscriptionCanceled)

	return p.applyFirst(ctx, update,
		profile.Match{ProfileID: sub.Metadata[MetadataProfileID]},
		profile.Match{SubscriptionID: sub.ID},
		profile.Match{CustomerID: customerID(sub.Customer)},
	)
}

func (p *Processor) invoicePaid(ctx context.Context, log *slog.Logger, inv *stripe.Invoice) (Outcome, error) {
	var subID string
	if inv.Subscription != nil {
		subID = inv.Subscription.ID
	}
	if subID == "" {
		log.Debug("invoice without subscription, nothing to refill")
		return OutcomeIgnored, nil
	}

	matches := []profile.Match{
		{SubscriptionID: subID},
		{CustomerID: customerID(inv.Customer)},
	}
	for _, m := range matches {
		if m.IsZero() {
			continue
		}
		_, err := p.profiles.RefillCredits(ctx, m, Allotments())
		if errors.Is(err, profile.ErrNotFound) {
			continue
		}
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}
	return OutcomeProfileNotFound, profile.ErrNotFound
}

// applyFirst applies u to the first match that resolves to a profile.
// Providers do not always send our internal id, so callers pass identities
// from most to least specific.
func (p *Processor) applyFirst(ctx context.Context, u profile.BillingUpdate, matches ...profile.Match) (Outcome, error) {
	for _, m := range matches {
		if m.IsZero() {
			continue
		}
		_, err := p.profiles.ApplyBilling(ctx, m, u)
		if errors.Is(err, profile.ErrNotFound) {
			continue
		}
		if err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}
	return OutcomeProfileNotFound, profile.ErrNotFound
}

// subscriptionTier reads the tier from metadata, falling back to the first
// item's unit price.
func subscriptionTier(sub *stripe.Subscription) profile.Tier {
	if t := profile.Tier(sub.Metadata[MetadataTier]); t.IsPaid() {
		return t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			if plan, ok := PlanForAmount(item.Price.UnitAmount); ok {
				return plan.Tier
			}
		}
	}
	return profile.TierFree
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
