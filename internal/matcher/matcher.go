// Package matcher evaluates inbound events against stored subscriptions and
// records a trigger for every match.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/filter"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
)

// Skip reasons reported in Result.Skipped.
const (
	SkipInactive   = "inactive"
	SkipAsset      = "asset"
	SkipConditions = "conditions"
	SkipArea       = "area"
	SkipDuplicate  = "duplicate"
)

// CandidateSource lists active subscriptions for a trigger type.
type CandidateSource interface {
	Candidates(ctx context.Context, triggerType model.TriggerType) ([]model.Subscription, error)
}

// TriggerStore persists triggers. Create reports false when the trigger
// already exists.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *model.Trigger) (bool, error)
}

// AssetResolver resolves asset references.
type AssetResolver interface {
	Resolve(ctx context.Context, refs []model.AssetRef) ([]model.Asset, error)
	Asset(ctx context.Context, guid string) (*model.Asset, error)
}

// AreaFilter confirms assets against subscription areas.
type AreaFilter interface {
	FilterAssetsBySubscriptionAreas(ctx context.Context, areas []model.AreaRef, candidates []string, window model.OutputWindow) ([]string, error)
}

// Result summarises one evaluation.
type Result struct {
	EventID  string           `json:"event_id"`
	Matched  []string         `json:"matched"`
	Skipped  map[string]int   `json:"skipped"`
	Triggers []*model.Trigger `json:"triggers"`
}

func (r *Result) skip(reason string) {
	r.Skipped[reason]++
}

// Evaluator runs the matching pipeline.
type Evaluator struct {
	candidates CandidateSource
	triggers   TriggerStore
	assets     AssetResolver
	areas      AreaFilter
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Evaluator.
func New(candidates CandidateSource, triggers TriggerStore, assets AssetResolver, areas AreaFilter, recorder metrics.Recorder, logger *slog.Logger) *Evaluator {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Evaluator{
		candidates: candidates,
		triggers:   triggers,
		assets:     assets,
		areas:      areas,
		metrics:    recorder,
		logger:     logger.With("component", "matcher"),
		now:        time.Now,
	}
}

// Evaluate matches the event and stores a pending trigger per match.
func (e *Evaluator) Evaluate(ctx context.Context, event *model.Event) (*Result, error) {
	return e.evaluate(ctx, event, true)
}

// DryRun matches the event without storing triggers.
func (e *Evaluator) DryRun(ctx context.Context, event *model.Event) (*Result, error) {
	return e.evaluate(ctx, event, false)
}

func (e *Evaluator) evaluate(ctx context.Context, event *model.Event, persist bool) (*Result, error) {
	start := e.now()
	if err := event.Validate(); err != nil {
		return nil, err
	}

	subs, err := e.candidates.Candidates(ctx, event.TriggerType())
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	subject, err := e.subject(ctx, event)
	if err != nil {
		return nil, err
	}

	res := &Result{
		EventID:  event.ID,
		Matched:  []string{},
		Skipped:  make(map[string]int),
		Triggers: []*model.Trigger{},
	}

	for i := range subs {
		sub := &subs[i]

		reason, err := e.match(ctx, sub, event, subject)
		if err != nil {
			return nil, fmt.Errorf("evaluate subscription %s: %w", sub.ID, err)
		}
		if reason != "" {
			res.skip(reason)
			e.metrics.IncSubscriptionSkipped(reason)
			continue
		}

		res.Matched = append(res.Matched, sub.ID)
		trigger := e.newTrigger(sub, event, subject)

		if !persist {
			res.Triggers = append(res.Triggers, trigger)
			continue
		}

		created, err := e.triggers.CreateTrigger(ctx, trigger)
		if err != nil {
			return nil, fmt.Errorf("store trigger for %s: %w", sub.ID, err)
		}
		if !created {
			res.skip(SkipDuplicate)
			continue
		}
		res.Triggers = append(res.Triggers, trigger)
		e.metrics.IncTriggerCreated(string(trigger.Source))
	}

	e.metrics.IncEventEvaluated(string(event.Type))
	e.metrics.ObserveEvaluationDuration(e.now().Sub(start))

	e.logger.Debug("event evaluated",
		"event_id", event.ID,
		"candidates", len(subs),
		"matched", len(res.Matched),
		"dry_run", !persist,
	)
	return res, nil
}

// subject resolves the event's asset so both GUID and connect ID are known.
func (e *Evaluator) subject(ctx context.Context, event *model.Event) (model.Asset, error) {
	subject := model.Asset{GUID: event.AssetGUID, ConnectID: event.ConnectID}
	if event.AssetGUID == "" {
		return subject, nil
	}

	a, err := e.assets.Asset(ctx, event.AssetGUID)
	switch {
	case errors.Is(err, asset.ErrAssetNotFound):
		return subject, nil
	case err != nil:
		return subject, err
	}
	if subject.ConnectID != "" {
		a.ConnectID = subject.ConnectID
	}
	return *a, nil
}

// match returns the skip reason, or "" when the subscription applies.
func (e *Evaluator) match(ctx context.Context, sub *model.Subscription, event *model.Event, subject model.Asset) (string, error) {
	if !sub.IsActiveAt(event.OccurredAt) {
		return SkipInactive, nil
	}

	if len(sub.Assets) > 0 {
		ok, err := e.assetMatches(ctx, sub, subject)
		if err != nil {
			return "", err
		}
		if !ok {
			return SkipAsset, nil
		}
	}

	if !MatchConditions(event.Payload, sub.Conditions) {
		return SkipConditions, nil
	}

	if !sub.HasAreas() {
		return "", nil
	}

	verdict, err := filter.EventInAreas(event, sub.Areas)
	if err != nil {
		e.logger.Warn("local area check failed", "event_id", event.ID, "subscription_id", sub.ID, "error", err)
		verdict = filter.Undecided
	}
	switch {
	case verdict == filter.Inside:
		return "", nil
	case verdict == filter.Outside && event.Type == model.InboundPosition:
		return SkipArea, nil
	}

	if subject.ConnectID == "" {
		return SkipArea, nil
	}
	ids, err := e.areas.FilterAssetsBySubscriptionAreas(ctx, sub.Areas, []string{subject.ConnectID}, eventWindow(sub, event))
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return SkipArea, nil
	}
	return "", nil
}

func (e *Evaluator) assetMatches(ctx context.Context, sub *model.Subscription, subject model.Asset) (bool, error) {
	if subject.GUID != "" && slices.Contains(sub.AssetGUIDs(), subject.GUID) {
		return true, nil
	}
	if len(sub.GroupGUIDs()) == 0 && subject.GUID != "" {
		return false, nil
	}

	resolved, err := e.assets.Resolve(ctx, sub.Assets)
	if err != nil {
		return false, err
	}
	for _, a := range resolved {
		if (subject.GUID != "" && a.GUID == subject.GUID) ||
			(subject.ConnectID != "" && a.ConnectID == subject.ConnectID) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) newTrigger(sub *model.Subscription, event *model.Event, subject model.Asset) *model.Trigger {
	return NewTrigger(sub, event.TriggerType(), event.ID, subject, eventWindow(sub, event), event.Payload, e.now())
}

// eventWindow is the subscription history ending at the event, widened to
// cover the window the event itself reports.
func eventWindow(sub *model.Subscription, event *model.Event) model.OutputWindow {
	return sub.OutputWindowEndingAt(event.OccurredAt).Span(event.EffectiveWindow())
}
