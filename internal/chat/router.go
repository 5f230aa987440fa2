package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/chatgate/internal/classifier"
	"github.com/mbd888/chatgate/internal/entitlement"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/ratelimit"
	"github.com/mbd888/chatgate/internal/syncutil"
	"github.com/mbd888/chatgate/internal/traces"
	"github.com/mbd888/chatgate/internal/usage"
	"github.com/mbd888/chatgate/internal/workflow"
)

// CreditsPerMessage is debited for every message that passes the gate.
const CreditsPerMessage = 1

// Classifier turns message text into a routing decision.
type Classifier interface {
	Classify(ctx context.Context, text string) (classifier.Decision, error)
}

// Executor runs a named workflow.
type Executor interface {
	Execute(ctx context.Context, req workflow.Request) (*workflow.Response, error)
}

// Recorder writes usage records.
type Recorder interface {
	Record(ctx context.Context, profileID, action, messageRef string) error
}

// Outcome is how the router disposed of an update.
type Outcome string

const (
	OutcomeIgnored           Outcome = "ignored"
	OutcomeRateLimited       Outcome = "rate_limited"
	OutcomeTimedOut          Outcome = "timed_out"
	OutcomeUnknownSender     Outcome = "unknown_sender"
	OutcomeUpgradeRequired   Outcome = "upgrade_required"
	OutcomeOutOfCredits      Outcome = "out_of_credits"
	OutcomeStoreError        Outcome = "store_error"
	OutcomeDirectResponse    Outcome = "direct_response"
	OutcomeNeedClarification Outcome = "need_clarification"
	OutcomeWorkflow          Outcome = "workflow"
	OutcomeWorkflowFailed    Outcome = "workflow_failed"
)

// RouterConfig wires a Router. Limiter may be nil.
type RouterConfig struct {
	Profiles   profile.Store
	Classifier Classifier
	Executor   Executor
	Usage      Recorder
	Messenger  Messenger
	Limiter    ratelimit.Allower
	Links      Links
	Logger     *slog.Logger
}

// Router handles one inbound message end to end.
type Router struct {
	profiles   profile.Store
	classifier Classifier
	executor   Executor
	usage      Recorder
	messenger  Messenger
	limiter    ratelimit.Allower
	links      Links
	logger     *slog.Logger
	chats      *syncutil.KeyedMutex
	now        func() time.Time
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		profiles:   cfg.Profiles,
		classifier: cfg.Classifier,
		executor:   cfg.Executor,
		usage:      cfg.Usage,
		messenger:  cfg.Messenger,
		limiter:    cfg.Limiter,
		links:      cfg.Links,
		logger:     logging.OrDefault(cfg.Logger),
		chats:      syncutil.NewKeyedMutex(syncutil.DefaultShards),
		now:        time.Now,
	}
}

// Route resolves the sender, gates on entitlement and credits, classifies the
// text and dispatches it. Unknown or unentitled senders never reach the
// classifier. Messages from one chat are handled one at a time.
func (r *Router) Route(ctx context.Context, u Update) Outcome {
	out := r.route(ctx, u)
	metrics.ChatMessagesTotal.WithLabelValues(string(out)).Inc()
	return out
}

func (r *Router) route(ctx context.Context, u Update) Outcome {
	msg := u.Message
	if msg == nil {
		return OutcomeIgnored
	}
	text := msg.Content()
	if text == "" {
		return OutcomeIgnored
	}

	chatID := msg.ChatID()
	ctx, span := traces.StartSpan(ctx, "chat.route", traces.ChatID(chatID))
	defer span.End()

	log := r.logger.With("chat_id", chatID, "update_id", u.UpdateID)
	if reqID := logging.RequestID(ctx); reqID != "" {
		log = log.With("request_id", reqID)
	}

	if r.limiter != nil && !r.limiter.Allow(ctx, chatID) {
		log.Warn("chat rate limit exceeded, dropping message")
		return OutcomeRateLimited
	}

	unlock, err := r.chats.Lock(ctx, chatID)
	if err != nil {
		log.Warn("gave up waiting for the chat's previous message", "error", err)
		return OutcomeTimedOut
	}
	defer unlock()

	p, err := r.profiles.GetByChatID(ctx, chatID)
	if errors.Is(err, profile.ErrNotFound) {
		if msg.IsStart() {
			r.send(ctx, log, chatID, r.links.onboardingPrompt())
		} else {
			r.send(ctx, log, chatID, r.links.signupPrompt())
		}
		return OutcomeUnknownSender
	}
	if err != nil {
		traces.Fail(span, err)
		log.Error("profile lookup failed", "error", err)
		r.send(ctx, log, chatID, failureText)
		return OutcomeStoreError
	}

	span.SetAttributes(traces.ProfileID(p.ID))
	log = log.With("profile_id", p.ID)
	ref := msg.Ref()

	access := entitlement.Evaluate(p, r.now())
	metrics.EntitlementChecksTotal.WithLabelValues(string(access.State)).Inc()
	if !access.HasAccess() {
		log.Info("message blocked by entitlement gate", "state", access.State)
		r.send(ctx, log, chatID, r.links.upgradePrompt())
		r.record(ctx, log, p.ID, usage.ActionUpgradeRequired, ref)
		return OutcomeUpgradeRequired
	}

	if _, err := r.profiles.DebitCredits(ctx, p.ID, CreditsPerMessage, r.now()); err != nil {
		if errors.Is(err, profile.ErrInsufficientCredits) {
			log.Info("message blocked, no credits left", "state", access.State)
			r.send(ctx, log, chatID, r.links.outOfCreditsPrompt())
			r.record(ctx, log, p.ID, usage.ActionOutOfCredits, ref)
			return OutcomeOutOfCredits
		}
		traces.Fail(span, err)
		log.Error("credit debit failed", "error", err)
		r.send(ctx, log, chatID, failureText)
		r.record(ctx, log, p.ID, usage.ActionStoreError, ref)
		return OutcomeStoreError
	}
	metrics.CreditsDebitedTotal.Add(CreditsPerMessage)

	decision := r.classify(ctx, log, text)

	switch decision.Action {
	case classifier.ActionRouteToWorkflow:
		ok := r.runWorkflow(ctx, log, p.ID, chatID, decision)
		r.record(ctx, log, p.ID, usage.WorkflowAction(decision.Workflow, ok), ref)
		if !ok {
			return OutcomeWorkflowFailed
		}
		return OutcomeWorkflow

	case classifier.ActionNeedClarification:
		r.send(ctx, log, chatID, decision.Clarification)
		r.record(ctx, log, p.ID, usage.ActionNeedClarification, ref)
		return OutcomeNeedClarification

	default:
		r.send(ctx, log, chatID, decision.Response)
		r.record(ctx, log, p.ID, usage.ActionDirectResponse, ref)
		return OutcomeDirectResponse
	}
}

func (r *Router) classify(ctx context.Context, log *slog.Logger, text string) classifier.Decision {
	d, err := r.classifier.Classify(ctx, text)
	if err != nil {
		log.Warn("classification failed, using fallback", "error", err)
		d = classifier.Fallback()
		metrics.ClassifierDecisionsTotal.WithLabelValues(string(d.Action), "true").Inc()
		return d
	}
	metrics.ClassifierDecisionsTotal.WithLabelValues(string(d.Action), "false").Inc()
	return d
}

func (r *Router) runWorkflow(ctx context.Context, log *slog.Logger, profileID, chatID string, d classifier.Decision) bool {
	if err := r.messenger.SendTyping(ctx, chatID); err != nil {
		metrics.OutboundSendFailuresTotal.Inc()
		log.Debug("typing indicator failed", "error", err)
	}
	r.send(ctx, log, chatID, workingText)

	resp, err := r.executor.Execute(ctx, workflow.Request{
		Workflow:   d.Workflow,
		Parameters: d.Parameters,
		ProfileID:  profileID,
		ChatID:     chatID,
	})
	if err != nil {
		log.Warn("workflow failed", "workflow", d.Workflow, "error", err)
		r.send(ctx, log, chatID, failureText)
		return false
	}
	r.send(ctx, log, chatID, resp.Message)
	return true
}

// send is best-effort: the user's message has already been accounted for.
func (r *Router) send(ctx context.Context, log *slog.Logger, chatID, text string) {
	if err := r.messenger.SendMessage(ctx, chatID, text); err != nil {
		metrics.OutboundSendFailuresTotal.Inc()
		log.Warn("outbound message failed", "error", err)
	}
}

func (r *Router) record(ctx context.Context, log *slog.Logger, profileID, action, ref string) {
	if err := r.usage.Record(ctx, profileID, action, ref); err != nil {
		log.Error("usage record failed", "action", action, "error", err)
	}
}
