// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/scheduler"
	"github.com/seawatch/subscriptions/internal/upstream"
)

// Service errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotAuthorised        = errors.New("not authorised for this subscription")
	ErrNameTaken            = errors.New("subscription name already taken")
	ErrInvalidInput         = errors.New("invalid input")
	ErrExecutionFailure     = errors.New("execution failure")
)

const (
	defaultListLimit    = 20
	maxListLimit        = 100
	defaultTriggerLimit = 50
	maxTriggerLimit     = 500
)

// SubscriptionStore is the persistence the service needs.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *model.Subscription) error
	GetSubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, filter repository.SubscriptionFilter, cursor string, limit int) ([]*model.Subscription, string, error)
	UpdateSubscription(ctx context.Context, s *model.Subscription) error
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	DeleteSubscription(ctx context.Context, id string) error
	SubscriptionNameExists(ctx context.Context, ownerID, name, excludeID string) (bool, error)
	CreateTrigger(ctx context.Context, t *model.Trigger) (bool, error)
	ListTriggersBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*model.Trigger, error)
}

// CandidateInvalidator drops cached candidate subscriptions.
type CandidateInvalidator interface {
	InvalidateCandidates(ctx context.Context) error
}

// SubscriptionService handles subscription business logic.
type SubscriptionService struct {
	repo    SubscriptionStore
	cache   CandidateInvalidator
	assets  matcher.AssetResolver
	areas   matcher.AreaFilter
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewSubscriptionService creates a new SubscriptionService. cache may be nil.
func NewSubscriptionService(repo SubscriptionStore, cache CandidateInvalidator, assets matcher.AssetResolver, areas matcher.AreaFilter, recorder metrics.Recorder, logger *slog.Logger) *SubscriptionService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &SubscriptionService{
		repo:    repo,
		cache:   cache,
		assets:  assets,
		areas:   areas,
		metrics: recorder,
		logger:  logger.With("component", "subscription_service"),
		now:     time.Now,
	}
}

// SubscriptionInput carries the mutable fields of a subscription.
type SubscriptionInput struct {
	Name          string
	Description   string
	Active        bool
	Accessibility model.Accessibility
	StartDate     *time.Time
	EndDate       *time.Time
	Output        model.Output
	Execution     model.Execution
	Assets        []model.AssetRef
	Areas         []model.AreaRef
	Conditions    []model.Condition
}

// CreateSubscriptionInput defines input for creating a subscription.
type CreateSubscriptionInput struct {
	OwnerID string
	SubscriptionInput
}

// Create validates and stores a new subscription.
func (s *SubscriptionService) Create(ctx context.Context, input CreateSubscriptionInput) (*model.Subscription, error) {
	if input.OwnerID == "" {
		return nil, invalid("owner_id", "is required")
	}

	now := s.now().UTC()
	sub := &model.Subscription{
		ID:        ulid.Make().String(),
		OwnerID:   input.OwnerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.apply(sub, input.SubscriptionInput, now); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, sub.OwnerID, sub.Name, ""); err != nil {
		return nil, err
	}

	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNameExists) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.metrics.IncSubscriptionCreated()
	s.invalidateCandidates(ctx)
	s.logger.Info("subscription created", "subscription_id", sub.ID, "owner_id", sub.OwnerID, "trigger_type", sub.Execution.TriggerType)

	return sub, nil
}

// Get returns a subscription the caller may read.
func (s *SubscriptionService) Get(ctx context.Context, callerID, id string) (*model.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.VisibleTo(callerID) {
		return nil, ErrNotAuthorised
	}
	return sub, nil
}

// ListSubscriptionsInput defines input for listing subscriptions.
type ListSubscriptionsInput struct {
	CallerID    string
	Cursor      string
	Limit       int
	Name        string
	Active      *bool
	TriggerType model.TriggerType
	MessageType model.MessageType
	AssetGUID   string
}

// ListSubscriptionsOutput defines output for listing subscriptions.
type ListSubscriptionsOutput struct {
	Subscriptions []*model.Subscription
	NextCursor    string
	HasMore       bool
}

// List retrieves a page of subscriptions visible to the caller.
func (s *SubscriptionService) List(ctx context.Context, input ListSubscriptionsInput) (*ListSubscriptionsOutput, error) {
	if input.Limit <= 0 || input.Limit > maxListLimit {
		input.Limit = defaultListLimit
	}
	if input.TriggerType != "" && !input.TriggerType.IsValid() {
		return nil, invalid("trigger_type", "unknown value")
	}
	if input.MessageType != "" && !input.MessageType.IsValid() {
		return nil, invalid("message_type", "unknown value")
	}

	filter := repository.SubscriptionFilter{
		ViewerID:    input.CallerID,
		Name:        strings.TrimSpace(input.Name),
		Active:      input.Active,
		TriggerType: input.TriggerType,
		MessageType: input.MessageType,
		AssetGUID:   input.AssetGUID,
	}

	subs, nextCursor, err := s.repo.ListSubscriptions(ctx, filter, input.Cursor, input.Limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return nil, invalid("cursor", "malformed")
		}
		return nil, err
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}

	return &ListSubscriptionsOutput{
		Subscriptions: subs,
		NextCursor:    nextCursor,
		HasMore:       nextCursor != "",
	}, nil
}

// UpdateSubscriptionInput defines input for replacing a subscription.
type UpdateSubscriptionInput struct {
	ID       string
	CallerID string
	SubscriptionInput
}

// Update replaces the mutable fields of a subscription owned by the caller.
func (s *SubscriptionService) Update(ctx context.Context, input UpdateSubscriptionInput) (*model.Subscription, error) {
	sub, err := s.owned(ctx, input.CallerID, input.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.apply(sub, input.SubscriptionInput, now); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, sub.OwnerID, sub.Name, sub.ID); err != nil {
		return nil, err
	}
	sub.UpdatedAt = now

	if err := s.repo.UpdateSubscription(ctx, sub); err != nil {
		switch {
		case errors.Is(err, repository.ErrSubscriptionNameExists):
			return nil, ErrNameTaken
		case errors.Is(err, repository.ErrSubscriptionNotFound):
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.metrics.IncSubscriptionUpdated()
	s.invalidateCandidates(ctx)

	return sub, nil
}

// SetActive activates or deactivates a subscription owned by the caller.
// Activating a SCHEDULER subscription whose schedule ran out (run once, or
// cut off by its end date) schedules it again from now.
func (s *SubscriptionService) SetActive(ctx context.Context, callerID, id string, active bool) (*model.Subscription, error) {
	sub, err := s.owned(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if active && sub.Execution.TriggerType == model.TriggerScheduler && sub.Execution.NextScheduledExecution == nil {
		next, err := firstRun(sub, now)
		if err != nil {
			return nil, err
		}
		if sub.EndDate != nil && next.After(*sub.EndDate) {
			return nil, invalid("end_date", "leaves no scheduled run")
		}
		sub.Execution.NextScheduledExecution = next
		sub.Active = true
		sub.UpdatedAt = now
		err = s.repo.UpdateSubscription(ctx, sub)
	} else {
		err = s.repo.SetSubscriptionActive(ctx, id, active)
	}
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}

	sub.Active = active
	sub.UpdatedAt = now
	s.metrics.IncSubscriptionUpdated()
	s.invalidateCandidates(ctx)

	return sub, nil
}

// Delete soft-deletes a subscription owned by the caller.
func (s *SubscriptionService) Delete(ctx context.Context, callerID, id string) error {
	if _, err := s.owned(ctx, callerID, id); err != nil {
		return err
	}

	if err := s.repo.DeleteSubscription(ctx, id); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return ErrSubscriptionNotFound
		}
		return err
	}

	s.metrics.IncSubscriptionDeleted()
	s.invalidateCandidates(ctx)
	s.logger.Info("subscription deleted", "subscription_id", id)

	return nil
}

// NameAvailable reports whether the owner can use name for a new subscription.
func (s *SubscriptionService) NameAvailable(ctx context.Context, ownerID, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, invalid("name", "is required")
	}
	exists, err := s.repo.SubscriptionNameExists(ctx, ownerID, name, "")
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// ManualTriggerInput selects the assets and window of a manual run. Empty
// AssetGUIDs means the subscription's own assets; nil dates mean the
// subscription output window ending now.
type ManualTriggerInput struct {
	AssetGUIDs []string
	Start      *time.Time
	End        *time.Time
}

// TriggerManually creates MANUAL triggers for a subscription owned by the caller.
func (s *SubscriptionService) TriggerManually(ctx context.Context, callerID, id string, input ManualTriggerInput) ([]*model.Trigger, error) {
	sub, err := s.owned(ctx, callerID, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	window := sub.OutputWindowEndingAt(now)
	switch {
	case input.Start != nil && input.End != nil:
		window, err = model.NewOutputWindow(*input.Start, *input.End)
		if err != nil {
			return nil, invalid("window", err.Error())
		}
	case input.Start != nil || input.End != nil:
		return nil, invalid("window", "start and end must be given together")
	}

	target := *sub
	if len(input.AssetGUIDs) > 0 {
		target.Assets = make([]model.AssetRef, 0, len(input.AssetGUIDs))
		for _, guid := range input.AssetGUIDs {
			if strings.TrimSpace(guid) == "" {
				return nil, invalid("asset_guids", "must not contain empty values")
			}
			target.Assets = append(target.Assets, model.AssetRef{GUID: guid, Type: model.AssetRefAsset})
		}
	}
	if len(target.Assets) == 0 && !target.HasAreas() {
		return nil, invalid("asset_guids", "subscription has no assets or areas to select from")
	}

	selected, err := matcher.SelectAssets(ctx, s.assets, s.areas, &target, window)
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
		}
		return nil, err
	}

	eventID := fmt.Sprintf("manual:%s:%d", sub.ID, now.UnixNano())
	created := make([]*model.Trigger, 0, len(selected))
	for _, a := range selected {
		t := matcher.NewTrigger(sub, model.TriggerManual, eventID, a, window, nil, now)
		ok, err := s.repo.CreateTrigger(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to create trigger: %w", err)
		}
		if ok {
			s.metrics.IncTriggerCreated(string(model.TriggerManual))
			created = append(created, t)
		}
	}

	s.logger.Info("subscription triggered manually",
		"subscription_id", sub.ID,
		"assets", len(selected),
		"triggers", len(created),
	)
	return created, nil
}

// ListTriggers returns the trigger history of a subscription the caller may read.
func (s *SubscriptionService) ListTriggers(ctx context.Context, callerID, id string, limit int) ([]*model.Trigger, error) {
	if _, err := s.Get(ctx, callerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTriggerLimit
	}
	if limit > maxTriggerLimit {
		limit = maxTriggerLimit
	}
	return s.repo.ListTriggersBySubscription(ctx, id, limit)
}

func (s *SubscriptionService) load(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// owned loads a subscription and checks the caller owns it. Callers that can
// read but not own a PUBLIC subscription get ErrNotAuthorised.
func (s *SubscriptionService) owned(ctx context.Context, callerID, id string) (*model.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != callerID {
		return nil, ErrNotAuthorised
	}
	return sub, nil
}

// apply validates input and copies it onto sub, recomputing the schedule.
func (s *SubscriptionService) apply(sub *model.Subscription, input SubscriptionInput, now time.Time) error {
	input = normalise(input)
	if err := validateSubscription(input); err != nil {
		return err
	}

	sub.Name = input.Name
	sub.Description = input.Description
	sub.Active = input.Active
	sub.Accessibility = input.Accessibility
	sub.StartDate = input.StartDate
	sub.EndDate = input.EndDate
	sub.Output = input.Output
	sub.Execution = input.Execution
	sub.Assets = input.Assets
	sub.Areas = input.Areas
	sub.Conditions = input.Conditions

	sub.Execution.NextScheduledExecution = nil
	if sub.Execution.TriggerType == model.TriggerScheduler {
		next, err := firstRun(sub, now)
		if err != nil {
			return err
		}
		sub.Execution.NextScheduledExecution = next
	}

	return sub.Validate()
}

// firstRun is the first scheduled execution at or after now, or after the
// start date when that lies ahead.
func firstRun(sub *model.Subscription, now time.Time) (*time.Time, error) {
	from := now
	if sub.StartDate != nil && sub.StartDate.After(now) {
		from = *sub.StartDate
	}
	next, err := scheduler.FirstExecution(from, sub.Execution.TimeExpression)
	if err != nil {
		return nil, invalid("execution.time_expression", err.Error())
	}
	return &next, nil
}

func (s *SubscriptionService) ensureNameFree(ctx context.Context, ownerID, name, excludeID string) error {
	exists, err := s.repo.SubscriptionNameExists(ctx, ownerID, name, excludeID)
	if err != nil {
		return err
	}
	if exists {
		return ErrNameTaken
	}
	return nil
}

func (s *SubscriptionService) invalidateCandidates(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateCandidates(ctx); err != nil {
		// Candidates expire on their own TTL
		s.logger.Warn("failed to invalidate candidate cache", "error", err)
	}
}
