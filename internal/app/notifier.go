package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/metrics"
	"github.com/transfa/crowdfund-service/pkg/rabbitmq"
)

const publishTimeout = 5 * time.Second

// EventNotifier publishes escrow notifications to the event exchange.
// Publishing is best effort: a broker failure is logged and counted, never
// surfaced to the caller whose operation already committed.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	metrics   *metrics.Collector
	local     *InsightsProjection
	logger    logrus.FieldLogger
}

// NewEventNotifier creates a notifier. A nil publisher drops every event.
func NewEventNotifier(publisher rabbitmq.Publisher, collector *metrics.Collector, logger logrus.FieldLogger) *EventNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &EventNotifier{
		publisher: publisher,
		metrics:   collector,
		logger:    logger.WithField("component", "event_notifier"),
	}
}

// FeedLocally applies contribution events straight to projection, for
// deployments where no broker consumer keeps it up to date.
func (n *EventNotifier) FeedLocally(projection *InsightsProjection) {
	n.local = projection
}

func (n *EventNotifier) Contributed(ctx context.Context, event domain.ContributedEvent) {
	if n.local != nil {
		n.local.Apply(event)
	}
	n.publish(ctx, domain.EventCampaignContributed, event)
}

func (n *EventNotifier) Withdrawn(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
	event := domain.NewCampaignEvent(domain.EventCampaignWithdrawn, campaign.ID, domain.Identity(instruction.To), instruction.RequestedAt)
	event.EventID = instruction.ID.String()
	event.Amount = instruction.Amount
	event.Outcome = domain.FundingSucceeded
	n.publish(ctx, domain.EventCampaignWithdrawn, event)
}

func (n *EventNotifier) Refunded(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
	event := domain.NewCampaignEvent(domain.EventCampaignRefunded, campaign.ID, domain.Identity(instruction.To), instruction.RequestedAt)
	event.EventID = instruction.ID.String()
	event.Amount = instruction.Amount
	event.Outcome = domain.FundingFailed
	n.publish(ctx, domain.EventCampaignRefunded, event)
}

func (n *EventNotifier) Moderated(ctx context.Context, campaign domain.Campaign, actor domain.Identity) {
	event := domain.NewCampaignEvent(domain.EventCampaignModerated, campaign.ID, actor, time.Now().UTC())
	approved, held := campaign.Approved, campaign.Held
	event.Approved = &approved
	event.Held = &held
	n.publish(ctx, domain.EventCampaignModerated, event)
}

func (n *EventNotifier) Reported(ctx context.Context, campaign domain.Campaign, reporter domain.Identity) {
	event := domain.NewCampaignEvent(domain.EventCampaignReported, campaign.ID, reporter, time.Now().UTC())
	n.publish(ctx, domain.EventCampaignReported, event)
}

// Ended announces that a campaign's deadline passed with the given outcome.
func (n *EventNotifier) Ended(ctx context.Context, campaign domain.Campaign, outcome string, at time.Time) error {
	event := domain.NewCampaignEvent(domain.EventCampaignEnded, campaign.ID, "", at)
	event.Amount = campaign.TotalRaised
	event.Outcome = outcome
	return n.publish(ctx, domain.EventCampaignEnded, event)
}

func (n *EventNotifier) publish(ctx context.Context, routingKey string, event interface{}) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := n.publisher.PublishCampaignEvent(pubCtx, routingKey, event)
	n.metrics.RecordEventPublish(routingKey, err)
	if err != nil {
		n.logger.WithField("routing_key", routingKey).WithError(err).Warn("failed to publish campaign event")
	}
	return err
}
