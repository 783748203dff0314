package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/config"
	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/scheduler"
	"github.com/t77yq/servermon/internal/service"
	"github.com/t77yq/servermon/internal/storage"
)

// ConsumerName is the durable consumer the dispatcher subscribes with
const ConsumerName = "alert-notifier"

// Dispatcher sends new alerts on the channels their rule asks for
type Dispatcher struct {
	logger      *zap.Logger
	rules       storage.AlertRuleStore
	channels    map[Kind]Channel
	strategy    scheduler.RetryStrategy
	maxAttempts int
}

// NewDispatcher creates a dispatcher over the given channels
func NewDispatcher(logger *zap.Logger, rules storage.AlertRuleStore, cfg config.NotifyConfig, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.Named("notifier"),
		rules:    rules,
		channels: make(map[Kind]Channel, len(channels)),
		strategy: &scheduler.ExponentialBackoff{
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2,
		},
		maxAttempts: cfg.MaxAttempts,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 1
	}
	for _, ch := range channels {
		d.channels[ch.Kind()] = ch
	}
	return d
}

// NewChannels builds the four channels from configuration, email first
func NewChannels(logger *zap.Logger, cfg config.NotifyConfig) []Channel {
	return []Channel{
		NewEmailChannel(logger, cfg.Email),
		NewSMSChannel(logger, cfg.SMS),
		NewWebhookChannel(logger, cfg.Webhook),
		NewSlackChannel(logger, cfg.Slack),
	}
}

// Start subscribes the dispatcher to the alert stream until ctx is done
func (d *Dispatcher) Start(ctx context.Context, stream service.AlertStream) error {
	if err := stream.SubscribeAlerts(ctx, ConsumerName, func(ctx context.Context, alert *model.Alert) {
		if err := d.Handle(ctx, alert); err != nil {
			d.logger.Error("Failed to notify alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe notifier: %w", err)
	}
	d.logger.Info("Notifier started", zap.Int("channels", len(d.channels)))
	return nil
}

// Handle sends alert on every channel its rule enables. Unconfigured channels are
// skipped. The returned error joins the failures of the channels that were tried.
func (d *Dispatcher) Handle(ctx context.Context, alert *model.Alert) error {
	if alert.RuleID == "" {
		return nil
	}
	rule, err := d.rules.GetAlertRule(ctx, alert.RuleID)
	if err != nil {
		return fmt.Errorf("failed to load alert rule: %w", err)
	}

	var errs []error
	for _, kind := range requested(rule) {
		ch, ok := d.channels[kind]
		if !ok || !ch.Configured() {
			d.logger.Warn("Skipping notification",
				zap.String("channel", string(kind)),
				zap.String("alert_id", alert.ID),
				zap.Error(ErrChannelNotConfigured))
			continue
		}

		start := time.Now()
		err := scheduler.Retry(ctx, d.strategy, d.maxAttempts, func(attempt int) error {
			err := ch.Send(ctx, alert, rule)
			if err != nil {
				d.logger.Warn("Notification attempt failed",
					zap.String("channel", string(kind)),
					zap.String("alert_id", alert.ID),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
			}
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}

		d.logger.Info("Notification sent",
			zap.String("channel", string(kind)),
			zap.String("alert_id", alert.ID),
			zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}
