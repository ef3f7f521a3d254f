package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"github.com/bissquit/statusboard/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// SubscriberLister looks up email subscribers of an organization.
type SubscriberLister interface {
	ListEmailSubscribers(ctx context.Context, organizationID string) ([]domain.EmailSubscriber, error)
}

// MailTransport delivers a single message to a single recipient.
type MailTransport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DeliveryFailure describes one recipient that could not be sent to.
type DeliveryFailure struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// DeliveryReport summarizes one email fan-out.
type DeliveryReport struct {
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    []DeliveryFailure `json:"failed"`
}

// newDeliveryReport starts a report whose Failed list encodes as [] rather than null.
func newDeliveryReport(attempted int) DeliveryReport {
	return DeliveryReport{Attempted: attempted, Failed: []DeliveryFailure{}}
}

// EmailConfig contains email notifier configuration.
type EmailConfig struct {
	Concurrency int
	SendTimeout time.Duration
}

// DefaultEmailConfig returns default email notifier configuration.
func DefaultEmailConfig() EmailConfig {
	return EmailConfig{
		Concurrency: 10,
		SendTimeout: 30 * time.Second,
	}
}

// EmailNotifier sends one email per opted-in subscriber for a state change.
// It never retries; retry belongs to the transport.
type EmailNotifier struct {
	subscribers SubscriberLister
	transport   MailTransport
	renderer    *Renderer
	config      EmailConfig
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(subscribers SubscriberLister, transport MailTransport, renderer *Renderer, config EmailConfig) *EmailNotifier {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultEmailConfig().Concurrency
	}
	return &EmailNotifier{
		subscribers: subscribers,
		transport:   transport,
		renderer:    renderer,
		config:      config,
	}
}

// Notify sends event to every subscriber of its organization with notifications enabled.
// Sends run concurrently up to the configured limit. A failed recipient is recorded in
// the report and does not stop the others. The call itself fails only when the
// subscriber lookup fails (ErrDependencyUnavailable) or the event is invalid.
func (n *EmailNotifier) Notify(ctx context.Context, event domain.StateChangeEvent) (DeliveryReport, error) {
	if err := event.Validate(); err != nil {
		return newDeliveryReport(0), err
	}

	logger := ctxlog.FromContext(ctx)

	subscribers, err := n.subscribers.ListEmailSubscribers(ctx, event.OrganizationID)
	if err != nil {
		if !errors.Is(err, domain.ErrDependencyUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrDependencyUnavailable, err)
		}
		return newDeliveryReport(0), fmt.Errorf("list email subscribers: %w", err)
	}

	recipients := make([]string, 0, len(subscribers))
	for _, s := range subscribers {
		if !s.NotificationsEnabled || s.Email == "" {
			continue
		}
		recipients = append(recipients, s.Email)
	}

	if len(recipients) == 0 {
		logger.Debug("no email subscribers for event", "organization_id", event.OrganizationID)
		return newDeliveryReport(0), nil
	}

	subject, body, err := n.renderer.Render(event)
	if err != nil {
		return newDeliveryReport(0), fmt.Errorf("render email: %w", err)
	}

	report := newDeliveryReport(len(recipients))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(n.config.Concurrency)

	for _, rcpt := range recipients {
		g.Go(func() error {
			err := callWithTimeout(ctx, n.config.SendTimeout, func(ctx context.Context) error {
				return n.transport.Send(ctx, rcpt, subject, body)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, DeliveryFailure{
					Recipient: rcpt,
					Reason:    err.Error(),
				})
				logger.Warn("failed to send email",
					"organization_id", event.OrganizationID,
					"error", fmt.Errorf("%w: %w", ErrRecipientDeliveryFailed, err),
				)
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].Recipient < report.Failed[j].Recipient
	})
	recordEmailReport(report)

	logger.Info("email notifications sent",
		"event_kind", event.Kind,
		"entity_id", event.EntityID,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
	)

	return report, nil
}
