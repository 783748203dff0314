package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

const (
	alertStreamName    = "ALERTS"
	alertSubjectPrefix = "alert."
	alertStreamMaxAge  = 7 * 24 * time.Hour

	// DefaultAckWait is how long JetStream waits for an ack before redelivering
	DefaultAckWait = 30 * time.Second
)

// AlertHandler receives alerts published on the event stream
type AlertHandler func(ctx context.Context, alert *model.Alert)

// AlertStream carries newly created alerts to interested consumers
type AlertStream interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
	SubscribeAlerts(ctx context.Context, consumer string, handler AlertHandler) error
}

// AlertSubject returns the subject an alert of the given severity is published on.
func AlertSubject(severity model.AlertSeverity) string {
	return alertSubjectPrefix + strings.ToLower(string(severity))
}

// AlertEvents publishes alerts to JetStream
type AlertEvents struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	ackWait time.Duration
}

// NewAlertEvents creates the ALERTS stream if it does not exist yet
func NewAlertEvents(js nats.JetStreamContext, logger *zap.Logger) (*AlertEvents, error) {
	e := &AlertEvents{
		js:      js,
		logger:  logger.Named("alert-events"),
		ackWait: DefaultAckWait,
	}

	_, err := js.StreamInfo(alertStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{alertSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   alertStreamMaxAge,
			MaxMsgs:  -1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		e.logger.Info("Created alert stream", zap.String("name", alertStreamName))
	} else {
		e.logger.Info("Using existing alert stream", zap.String("name", alertStreamName))
	}

	return e, nil
}

// WithAckWait sets the consumer ack wait used by later subscriptions
func (e *AlertEvents) WithAckWait(d time.Duration) *AlertEvents {
	if d > 0 {
		e.ackWait = d
	}
	return e
}

// PublishAlert publishes alert on alert.<severity>
func (e *AlertEvents) PublishAlert(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	subject := AlertSubject(alert.Severity)
	if _, err := e.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(alert.ID)); err != nil {
		e.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	e.logger.Debug("Alert published",
		zap.String("alert_id", alert.ID),
		zap.String("subject", subject))
	return nil
}

// SubscribeAlerts delivers every new alert to handler through a durable consumer.
// The subscription ends when ctx is done.
func (e *AlertEvents) SubscribeAlerts(ctx context.Context, consumer string, handler AlertHandler) error {
	sub, err := e.js.Subscribe(alertSubjectPrefix+"*", func(msg *nats.Msg) {
		var alert model.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			e.logger.Error("Failed to unmarshal alert",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			// poison message, do not redeliver
			_ = msg.Term()
			return
		}

		// keep the message in progress while the handler runs so a slow
		// handler is not raced by a redelivery of the same alert
		done := make(chan struct{})
		go e.heartbeat(msg, done)
		handler(ctx, &alert)
		close(done)
		_ = msg.Ack()
	}, nats.Durable(consumer), nats.ManualAck(), nats.DeliverNew(), nats.AckWait(e.ackWait))
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}

// heartbeat extends the ack deadline of msg until done is closed
func (e *AlertEvents) heartbeat(msg *nats.Msg, done <-chan struct{}) {
	ticker := time.NewTicker(e.ackWait / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				e.logger.Warn("Failed to extend alert ack deadline",
					zap.String("subject", msg.Subject),
					zap.Error(err))
			}
		}
	}
}

// LocalAlertEvents fans alerts out in process, used when no NATS server is configured
type LocalAlertEvents struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]localHandler
}

type localHandler struct {
	ctx     context.Context
	handler AlertHandler
}

// NewLocalAlertEvents creates an in-process alert stream
func NewLocalAlertEvents(logger *zap.Logger) *LocalAlertEvents {
	return &LocalAlertEvents{
		logger:   logger.Named("alert-events"),
		handlers: make(map[string]localHandler),
	}
}

// PublishAlert calls every subscribed handler in its own goroutine
func (e *LocalAlertEvents) PublishAlert(ctx context.Context, alert *model.Alert) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for name, h := range e.handlers {
		if h.ctx.Err() != nil {
			continue
		}
		a := *alert
		go h.handler(h.ctx, &a)
		e.logger.Debug("Alert dispatched",
			zap.String("alert_id", alert.ID),
			zap.String("consumer", name))
	}
	return nil
}

// SubscribeAlerts registers handler under consumer until ctx is done.
func (e *LocalAlertEvents) SubscribeAlerts(ctx context.Context, consumer string, handler AlertHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.handlers[consumer]; ok {
		return fmt.Errorf("consumer %q already subscribed", consumer)
	}
	e.handlers[consumer] = localHandler{ctx: ctx, handler: handler}

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.handlers, consumer)
		e.mu.Unlock()
	}()
	return nil
}
