package notify

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/seawatch/subscriptions/internal/model"
)

const timeLayout = "2006-01-02 15:04 UTC"

// Compose builds the notification email for an executed trigger. vessel may
// be nil when the asset module does not know the trigger's asset.
func Compose(sub *model.Subscription, trigger *model.Trigger, vessel *model.Asset, attachments []model.EmailAttachment) Email {
	var b strings.Builder

	if body := strings.TrimSpace(sub.Output.EmailBody); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Subscription: %s\n", sub.Name)
	fmt.Fprintf(&b, "Triggered by: %s\n", trigger.Source)
	fmt.Fprintf(&b, "Period: %s to %s\n",
		trigger.Window.Start.UTC().Format(timeLayout),
		trigger.Window.End.UTC().Format(timeLayout),
	)

	if lines := vesselLines(sub.Output.VesselIdentifiers, vessel, trigger); len(lines) > 0 {
		b.WriteString("\nVessel\n")
		for _, l := range lines {
			b.WriteString("  ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}

	if len(attachments) > 0 {
		b.WriteString("\nAttachments\n")
		for _, a := range attachments {
			fmt.Fprintf(&b, "  %s (%s)\n", a.Name, humanize.Bytes(uint64(len(a.Data))))
		}
	}

	email := Email{
		To:      sub.Output.Emails,
		Subject: subject(sub, vessel),
		Body:    b.String(),
	}
	if sub.Output.IncludeAttachments {
		email.Attachments = attachments
	}
	return email
}

func subject(sub *model.Subscription, vessel *model.Asset) string {
	if vessel != nil && vessel.Name != "" {
		return fmt.Sprintf("[%s] %s", sub.Name, vessel.Name)
	}
	return fmt.Sprintf("[%s] subscription triggered", sub.Name)
}

func vesselLines(kinds []model.VesselIdentifier, vessel *model.Asset, trigger *model.Trigger) []string {
	var lines []string
	if vessel == nil {
		if trigger.ConnectID != "" {
			lines = append(lines, "Connect ID: "+trigger.ConnectID)
		}
		return lines
	}

	if vessel.Name != "" {
		lines = append(lines, "Name: "+vessel.Name)
	}
	if vessel.FlagState != "" {
		lines = append(lines, "Flag state: "+vessel.FlagState)
	}
	for _, kind := range kinds {
		if v := vessel.Identifier(kind); v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", kind, v))
		}
	}
	return lines
}
