// Package notify delivers security alerts to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/neuraledge/edgesec/pkg/monitor"
)

const (
	defaultTimeout     = 5 * time.Second
	breakerMaxRequests = 5
	breakerMaxFailures = 3
	breakerOpenTimeout = 30 * time.Second
)

// WebhookNotifier posts alerts as JSON to a configured endpoint. A circuit
// breaker stops hammering the endpoint while it is failing.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewWebhookNotifier(url string, logger *logrus.Logger) *WebhookNotifier {
	settings := gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: breakerMaxRequests,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert monitor.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook delivery failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", n.breaker.Name(), err)
	}

	n.logger.WithFields(logrus.Fields{
		"event_id": alert.Event.ID,
		"level":    alert.Event.Level,
	}).Debug("alert delivered")
	return nil
}

// NoopNotifier discards alerts. Used when no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, monitor.Alert) error { return nil }
