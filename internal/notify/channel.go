package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/t77yq/servermon/internal/model"
)

// Kind names a notification channel
type Kind string

const (
	KindEmail   Kind = "email"
	KindSMS     Kind = "sms"
	KindWebhook Kind = "webhook"
	KindSlack   Kind = "slack"
)

// Channel delivers an alert to one destination
type Channel interface {
	Kind() Kind
	Configured() bool
	Send(ctx context.Context, alert *model.Alert, rule *model.AlertRule) error
}

// requested returns the channels a rule has switched on
func requested(rule *model.AlertRule) []Kind {
	var kinds []Kind
	if rule.NotifyEmail {
		kinds = append(kinds, KindEmail)
	}
	if rule.NotifySMS {
		kinds = append(kinds, KindSMS)
	}
	if rule.NotifyWebhook {
		kinds = append(kinds, KindWebhook)
	}
	if rule.NotifySlack {
		kinds = append(kinds, KindSlack)
	}
	return kinds
}

func subject(alert *model.Alert) string {
	return fmt.Sprintf("[%s] %s alert on %s", alert.Severity, alert.Type, alert.AffectedEntity)
}

func summary(alert *model.Alert, rule *model.AlertRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", alert.Description)
	fmt.Fprintf(&b, "Rule: %s\n", rule.Name)
	fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
	fmt.Fprintf(&b, "Server: %s\n", alert.ServerID)
	fmt.Fprintf(&b, "Time: %s\n", alert.Timestamp.UTC().Format(model.AgentTimeLayout))
	if s := alert.Snapshot; s != nil {
		fmt.Fprintf(&b, "CPU %.2f%% | Memory %.2f%% | Disk %.2f%%\n", s.CPUUsage, s.MemoryUsage, s.DiskUsage)
	}
	return b.String()
}
