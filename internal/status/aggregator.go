package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/statusboard/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Aggregator derives an organization's overall status from its current services and open incidents.
// Results are never cached.
type Aggregator struct {
	reader Reader
}

// NewAggregator creates a new aggregator.
func NewAggregator(reader Reader) *Aggregator {
	return &Aggregator{reader: reader}
}

// ComputeAggregate reads services and open incidents concurrently and summarizes them.
// Any read failure is returned wrapped in domain.ErrDependencyUnavailable.
func (a *Aggregator) ComputeAggregate(ctx context.Context, organizationID string) (domain.AggregateStatus, error) {
	var (
		services  []domain.Service
		incidents []domain.Incident
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		services, err = a.reader.ListServices(gctx, organizationID)
		if err != nil {
			return fmt.Errorf("list services: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		incidents, err = a.reader.ListOpenIncidents(gctx, organizationID)
		if err != nil {
			return fmt.Errorf("list open incidents: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if !errors.Is(err, domain.ErrDependencyUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrDependencyUnavailable, err)
		}
		return domain.AggregateStatus{}, err
	}

	return Summarize(organizationID, services, incidents), nil
}

// Summarize builds the aggregate for a fixed set of services and incidents.
// Resolved incidents are ignored even if the reader returned them.
func Summarize(organizationID string, services []domain.Service, incidents []domain.Incident) domain.AggregateStatus {
	active := 0
	for _, inc := range incidents {
		if !inc.Status.IsResolved() {
			active++
		}
	}

	summaries := make([]domain.ServiceStatusSummary, 0, len(services))
	for _, svc := range services {
		summaries = append(summaries, domain.ServiceStatusSummary{
			ID:     svc.ID,
			Name:   svc.Name,
			Status: svc.Status,
		})
	}

	return domain.AggregateStatus{
		OrganizationID:      organizationID,
		OverallStatus:       domain.OverallStatusFor(active),
		ActiveIncidentCount: active,
		Services:            summaries,
	}
}
