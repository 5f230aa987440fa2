// Package usage keeps the append-only record of routed chat messages, the
// input for billing review and analytics.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/idgen"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Action labels written by the message router. Workflow actions are
// "workflow:<name>" or "workflow_failed:<name>".
const (
	ActionUpgradeRequired   = "upgrade_required"
	ActionOutOfCredits      = "out_of_credits"
	ActionStoreError        = "store_error"
	ActionDirectResponse    = "direct_response"
	ActionNeedClarification = "need_clarification"
)

// WorkflowAction labels a dispatched workflow.
func WorkflowAction(name string, ok bool) string {
	if ok {
		return "workflow:" + name
	}
	return "workflow_failed:" + name
}

// DefaultListLimit caps ListByProfile when no limit is given.
const DefaultListLimit = 50

// MaxListLimit is the largest page ListByProfile returns.
const MaxListLimit = 500

var errMissingProfile = errors.New("usage: record without profile id")

// Record is one routed message. Records are never updated or deleted.
type Record struct {
	ID         string    `json:"id"`
	ProfileID  string    `json:"profileId"`
	Action     string    `json:"action"`
	MessageRef string    `json:"messageRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store appends and lists records.
type Store interface {
	Append(ctx context.Context, r *Record) error
	// ListByProfile returns up to limit records newest first, starting
	// after before when it is non-nil.
	ListByProfile(ctx context.Context, profileID string, before *pagination.Cursor, limit int) ([]*Record, error)
}

// Page is one slice of a profile's usage history.
type Page struct {
	Records    []*Record `json:"records"`
	Count      int       `json:"count"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Publisher forwards records to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, r *Record) error
}

// Recorder appends usage records and forwards them to an optional Publisher.
type Recorder struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder creates a recorder. publisher may be nil.
func NewRecorder(store Store, publisher Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:     store,
		publisher: publisher,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// Record appends a record for profileID. An empty profileID is a no-op: usage
// is always a secondary effect and a half-resolved caller must not fail
// because of it. Publish failures are logged and otherwise ignored.
func (r *Recorder) Record(ctx context.Context, profileID, action, messageRef string) error {
	if profileID == "" {
		r.logger.Debug("skipping usage record without profile", "action", action)
		return nil
	}

	rec := &Record{
		ID:         idgen.WithPrefix("use_"),
		ProfileID:  profileID,
		Action:     action,
		MessageRef: messageRef,
		CreatedAt:  r.now(),
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return err
	}
	metrics.UsageRecordsTotal.WithLabelValues(metricLabel(action)).Inc()

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			metrics.UsagePublishedTotal.WithLabelValues("error").Inc()
			r.logger.Warn("failed to publish usage record", "record_id", rec.ID, "error", err)
		} else {
			metrics.UsagePublishedTotal.WithLabelValues("ok").Inc()
		}
	}
	return nil
}

// List returns one page of records for profileID. cursor is the NextCursor of
// the previous page, or "" for the newest records; a cursor that does not
// decode returns pagination.ErrInvalidCursor.
func (r *Recorder) List(ctx context.Context, profileID, cursor string, limit int) (*Page, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	records, err := r.store.ListByProfile(ctx, profileID, before, limit+1)
	if err != nil {
		return nil, err
	}
	records, next := pagination.Page(records, limit, func(rec *Record) pagination.Cursor {
		return pagination.Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
	})
	if records == nil {
		records = []*Record{}
	}
	return &Page{Records: records, Count: len(records), NextCursor: next}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// metricLabel drops the workflow name from failed-workflow labels so a bad
// classifier output cannot mint unbounded label values.
func metricLabel(action string) string {
	switch action {
	case ActionUpgradeRequired, ActionOutOfCredits, ActionStoreError,
		ActionDirectResponse, ActionNeedClarification:
		return action
	}
	if strings.HasPrefix(action, "workflow_failed:") {
		return "workflow_failed"
	}
	if strings.HasPrefix(action, "workflow:") {
		return "workflow"
	}
	return "other"
}
