package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// PushReport summarizes one broadcast.
type PushReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

// PushMessage is the wire form sent to push subscribers.
type PushMessage struct {
	Type           domain.ChangeKind `json:"type"`
	EntityID       string            `json:"entityId"`
	OrganizationID string            `json:"organizationId"`
	Status         string            `json:"status"`
	OccurredAt     string            `json:"occurredAt"`
}

// EncodePushMessage serializes an event to its canonical JSON wire form.
func EncodePushMessage(event domain.StateChangeEvent) ([]byte, error) {
	msg := PushMessage{
		Type:           event.Kind,
		EntityID:       event.EntityID,
		OrganizationID: event.OrganizationID,
		Status:         event.NewStatus,
		OccurredAt:     event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal push message: %w", err)
	}
	return data, nil
}

// PushConfig contains push notifier configuration.
type PushConfig struct {
	SendTimeout    time.Duration
	MaxConcurrency int
}

// DefaultPushConfig returns default push configuration.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		SendTimeout:    5 * time.Second,
		MaxConcurrency: 64,
	}
}

// PushNotifier broadcasts state changes to live connections of an organization.
// Delivery is best effort: no queueing, no retry.
type PushNotifier struct {
	registry *Registry
	config   PushConfig
}

// NewPushNotifier creates a new PushNotifier.
func NewPushNotifier(registry *Registry, config PushConfig) *PushNotifier {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultPushConfig().MaxConcurrency
	}
	return &PushNotifier{
		registry: registry,
		config:   config,
	}
}

// Notify sends event to every live connection of its organization.
// Failed connections are evicted from the registry and never abort the broadcast.
func (p *PushNotifier) Notify(ctx context.Context, event domain.StateChangeEvent) (PushReport, error) {
	if err := event.Validate(); err != nil {
		return PushReport{}, err
	}

	msg, err := EncodePushMessage(event)
	if err != nil {
		return PushReport{}, err
	}

	logger := ctxlog.FromContext(ctx)

	var attempted, succeeded atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.config.MaxConcurrency)

	p.registry.ForEachInOrg(event.OrganizationID, func(sub Subscriber) {
		attempted.Add(1)
		g.Go(func() error {
			err := callWithTimeout(ctx, p.config.SendTimeout, func(ctx context.Context) error {
				return sub.Handle.Send(ctx, msg)
			})
			if err != nil {
				logger.Debug("push send failed, evicting connection",
					"connection_id", sub.ConnectionID,
					"error", fmt.Errorf("%w: %w", ErrPushSendFailed, err),
				)
				p.registry.Evict(sub)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	})
	_ = g.Wait()

	report := PushReport{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
	}
	recordPushReport(report)

	return report, nil
}
