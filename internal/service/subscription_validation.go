package service

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/seawatch/subscriptions/internal/geo"
	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/scheduler"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 2000
	maxEmailBodyLength   = 10000
	maxEmails            = 50
	maxAssets            = 1000
	maxAreas             = 100
	maxConditions        = 20
)

var validAreaTypes = []model.AreaType{
	model.AreaTypeEEZ,
	model.AreaTypeRFMO,
	model.AreaTypePort,
	model.AreaTypeFAO,
	model.AreaTypeUserArea,
}

var validate = validator.New()

// invalid wraps ErrInvalidInput with the offending field.
func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidInput, field, reason)
}

// normalise trims strings and fills defaults.
func normalise(in SubscriptionInput) SubscriptionInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Accessibility == "" {
		in.Accessibility = model.AccessibilityPrivate
	}
	if in.Output.MessageType == "" {
		in.Output.MessageType = model.MessageTypeNone
	}
	if in.Output.HistoryUnit == "" {
		in.Output.HistoryUnit = model.HistoryUnitDays
	}
	in.Execution.TimeExpression = strings.TrimSpace(in.Execution.TimeExpression)

	emails := make([]string, 0, len(in.Output.Emails))
	for _, e := range in.Output.Emails {
		if e = strings.TrimSpace(e); e != "" && !slices.Contains(emails, e) {
			emails = append(emails, e)
		}
	}
	in.Output.Emails = emails
	return in
}

func validateSubscription(in SubscriptionInput) error {
	if in.Name == "" {
		return invalid("name", "is required")
	}
	if len(in.Name) > maxNameLength {
		return invalid("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if len(in.Description) > maxDescriptionLength {
		return invalid("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if in.Accessibility != model.AccessibilityPrivate && in.Accessibility != model.AccessibilityPublic {
		return invalid("accessibility", "must be PRIVATE or PUBLIC")
	}
	if in.StartDate != nil && in.EndDate != nil && in.StartDate.After(*in.EndDate) {
		return invalid("end_date", "must not be before start_date")
	}

	if err := validateOutput(in.Output); err != nil {
		return err
	}
	if err := validateExecution(in.Execution); err != nil {
		return err
	}

	if len(in.Assets) > maxAssets {
		return invalid("assets", fmt.Sprintf("must contain at most %d entries", maxAssets))
	}
	for i, a := range in.Assets {
		if strings.TrimSpace(a.GUID) == "" {
			return invalid(fmt.Sprintf("assets[%d].guid", i), "is required")
		}
		if a.Type != model.AssetRefAsset && a.Type != model.AssetRefGroup {
			return invalid(fmt.Sprintf("assets[%d].type", i), "must be ASSET or ASSET_GROUP")
		}
	}

	if len(in.Areas) > maxAreas {
		return invalid("areas", fmt.Sprintf("must contain at most %d entries", maxAreas))
	}
	for i, a := range in.Areas {
		if !slices.Contains(validAreaTypes, a.Type) {
			return invalid(fmt.Sprintf("areas[%d].type", i), "unknown area type")
		}
		if _, err := geo.ParseArea(a.WKT); err != nil {
			return invalid(fmt.Sprintf("areas[%d].wkt", i), err.Error())
		}
	}

	if len(in.Conditions) > maxConditions {
		return invalid("conditions", fmt.Sprintf("must contain at most %d entries", maxConditions))
	}
	for i, c := range in.Conditions {
		if err := matcher.ValidateCondition(c); err != nil {
			return invalid(fmt.Sprintf("conditions[%d]", i), err.Error())
		}
	}

	return nil
}

func validateOutput(out model.Output) error {
	if !out.MessageType.IsValid() {
		return invalid("output.message_type", "must be NONE, POSITION or FA_REPORT")
	}
	if !out.HistoryUnit.IsValid() {
		return invalid("output.history_unit", "must be DAYS, WEEKS or MONTHS")
	}
	if out.History < 0 {
		return invalid("output.history", "must not be negative")
	}
	for _, id := range out.VesselIdentifiers {
		if !slices.Contains(model.ValidVesselIdentifiers, id) {
			return invalid("output.vessel_identifiers", fmt.Sprintf("unknown identifier %q", id))
		}
	}
	if len(out.EmailBody) > maxEmailBodyLength {
		return invalid("output.email_body", fmt.Sprintf("must be at most %d characters", maxEmailBodyLength))
	}

	if len(out.Emails) > maxEmails {
		return invalid("output.emails", fmt.Sprintf("must contain at most %d addresses", maxEmails))
	}
	for _, e := range out.Emails {
		if err := validate.Var(e, "email"); err != nil {
			return invalid("output.emails", fmt.Sprintf("%q is not a valid address", e))
		}
	}
	if out.MessageType != model.MessageTypeNone && out.WebhookEndpointID == "" && len(out.Emails) == 0 {
		return invalid("output.emails", "at least one recipient or a webhook endpoint is required")
	}
	return nil
}

func validateExecution(exec model.Execution) error {
	if !exec.TriggerType.IsValid() {
		return invalid("execution.trigger_type", "must be INC_POSITION, INC_FA_REPORT or SCHEDULER")
	}
	if exec.Frequency < 0 {
		return invalid("execution.frequency", "must not be negative")
	}
	if exec.TriggerType != model.TriggerScheduler {
		return nil
	}
	if exec.TimeExpression == "" {
		return invalid("execution.time_expression", "is required for SCHEDULER subscriptions")
	}
	if _, _, err := scheduler.ParseTimeExpression(exec.TimeExpression); err != nil {
		return invalid("execution.time_expression", err.Error())
	}
	return nil
}
