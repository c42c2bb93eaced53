// Package aggregate merges classified error occurrences into stored ErrorRecords.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/luawatch/internal/analysis"
	"github.com/kiranshivaraju/luawatch/internal/config"
	"github.com/kiranshivaraju/luawatch/internal/notify"
	"github.com/kiranshivaraju/luawatch/internal/store"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// DefaultWindow is the suppression window of the time-window policy.
const DefaultWindow = 5 * time.Minute

// Occurrence is one sighting of an error line.
type Occurrence struct {
	Message    string
	Origin     string
	Category   string
	Level      string
	StackTrace string
	Context    string
}

// FromFinding converts an analysis finding into an Occurrence.
func FromFinding(f analysis.Finding) Occurrence {
	return Occurrence{
		Message:    f.Text,
		Origin:     f.Origin,
		Category:   f.Category,
		StackTrace: f.StackTrace,
		Context:    f.Context,
	}
}

// Result reports what Aggregate did with an occurrence.
type Result struct {
	// Created is true when a new record was inserted.
	Created bool
	// Suppressed is true when the window policy skipped the occurrence.
	Suppressed bool
	// Record is the created, merged or suppressing record.
	Record *models.ErrorRecord
}

// Policy decides how an occurrence is persisted.
type Policy interface {
	Name() string
	Apply(ctx context.Context, s store.Store, rec *models.ErrorRecord) (Result, error)
}

// KeyPolicy merges into the most recent open record with the same dedup key.
type KeyPolicy struct{}

func (KeyPolicy) Name() string { return config.DedupPolicyKey }

func (KeyPolicy) Apply(ctx context.Context, s store.Store, rec *models.ErrorRecord) (Result, error) {
	got, created, err := s.MergeOccurrence(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	return Result{Created: created, Record: got}, nil
}

// WindowPolicy skips an occurrence when the same server already has a record
// with the identical message last seen within Window. The existing record is
// left untouched.
type WindowPolicy struct {
	Window time.Duration
	now    func() time.Time
}

// NewWindowPolicy returns a WindowPolicy. A non-positive window uses DefaultWindow.
func NewWindowPolicy(window time.Duration) *WindowPolicy {
	if window <= 0 {
		window = DefaultWindow
	}
	return &WindowPolicy{Window: window, now: time.Now}
}

func (p *WindowPolicy) Name() string { return config.DedupPolicyWindow }

func (p *WindowPolicy) Apply(ctx context.Context, s store.Store, rec *models.ErrorRecord) (Result, error) {
	now := p.now().UTC()
	existing, err := s.FindRecentByMessage(ctx, rec.ServerID, rec.Message, now.Add(-p.Window))
	if err == nil {
		return Result{Suppressed: true, Record: existing}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	rec.FirstSeen = now
	rec.LastSeen = now
	if err := s.Create(ctx, rec); err != nil {
		return Result{}, err
	}
	return Result{Created: true, Record: rec}, nil
}

// NewPolicy returns the policy named by cfg.DedupPolicy.
func NewPolicy(cfg config.MonitorConfig) (Policy, error) {
	switch cfg.DedupPolicy {
	case "", config.DedupPolicyKey:
		return KeyPolicy{}, nil
	case config.DedupPolicyWindow:
		return NewWindowPolicy(cfg.DedupWindow), nil
	default:
		return nil, fmt.Errorf("unknown dedup policy %q", cfg.DedupPolicy)
	}
}

// Aggregator persists occurrences and notifies about newly created records.
type Aggregator struct {
	store    store.Store
	policy   Policy
	notifier notify.Notifier
}

// New creates an Aggregator. A nil notifier disables notifications.
func New(s store.Store, policy Policy, notifier notify.Notifier) *Aggregator {
	if policy == nil {
		policy = KeyPolicy{}
	}
	return &Aggregator{store: s, policy: policy, notifier: notifier}
}

// Aggregate records one occurrence for server. Notification failures are
// logged and do not fail the call.
func (a *Aggregator) Aggregate(ctx context.Context, server models.MonitoredServer, occ Occurrence) (Result, error) {
	rec := NewRecord(server.ID, occ)

	res, err := a.policy.Apply(ctx, a.store, rec)
	if err != nil {
		return Result{}, fmt.Errorf("aggregate %s: %w", rec.DedupKey, err)
	}

	if res.Created && a.notifier != nil {
		if err := a.notifier.Notify(ctx, server, res.Record); err != nil {
			slog.Warn("notification failed",
				"server_id", server.ID,
				"record_id", res.Record.ID,
				"error", err,
			)
		}
	}
	return res, nil
}

// NewRecord builds the record an occurrence would create, with bounded
// fields and its dedup key.
func NewRecord(serverID string, occ Occurrence) *models.ErrorRecord {
	message := analysis.TruncateString(occ.Message, analysis.MaxMessageBytes)
	origin := occ.Origin
	if origin == "" {
		origin = analysis.ExtractOrigin(message)
	}
	level := occ.Level
	if level == "" {
		level = models.LevelError
	}
	category := occ.Category
	if category == "" {
		category = analysis.CategoryUnknownError
	}

	return &models.ErrorRecord{
		DedupKey:        analysis.DedupKey(message, origin, serverID),
		ServerID:        serverID,
		Level:           level,
		Category:        category,
		Message:         message,
		Origin:          origin,
		StackTrace:      analysis.TruncateString(occ.StackTrace, analysis.MaxBlockBytes),
		Context:         analysis.TruncateString(occ.Context, analysis.MaxBlockBytes),
		OccurrenceCount: 1,
		Status:          models.StatusOpen,
	}
}
