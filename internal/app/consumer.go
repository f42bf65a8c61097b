package app

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/pkg/rabbitmq"
)

// CampaignInsights summarises the contribution stream of one campaign.
type CampaignInsights struct {
	CampaignID         domain.CampaignID `json:"campaign_id"`
	Backers            int               `json:"backers"`
	Contributions      int               `json:"contributions"`
	TotalContributed   domain.Amount     `json:"total_contributed"`
	AverageAmount      domain.Amount     `json:"average_amount"`
	LargestAmount      domain.Amount     `json:"largest_amount"`
	LastContributionAt *time.Time        `json:"last_contribution_at,omitempty"`
	TopBackers         []BackerTotal     `json:"top_backers"`
}

// BackerTotal is the gross amount one backer contributed.
type BackerTotal struct {
	Contributor domain.Identity `json:"contributor"`
	Amount      domain.Amount   `json:"amount"`
}

const topBackerLimit = 5

type campaignStream struct {
	contributions int
	total         domain.Amount
	largest       domain.Amount
	last          time.Time
	backers       map[domain.Identity]domain.Amount
}

// InsightsProjection folds contribution events into per-campaign insights.
// Events are deduplicated by id so redelivery never double counts.
type InsightsProjection struct {
	mu        sync.RWMutex
	campaigns map[domain.CampaignID]*campaignStream
	seen      map[string]struct{}
}

func NewInsightsProjection() *InsightsProjection {
	return &InsightsProjection{
		campaigns: make(map[domain.CampaignID]*campaignStream),
		seen:      make(map[string]struct{}),
	}
}

// Apply folds one event in. It reports false for a duplicate.
func (p *InsightsProjection) Apply(event domain.ContributedEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.EventID != "" {
		if _, dup := p.seen[event.EventID]; dup {
			return false
		}
		p.seen[event.EventID] = struct{}{}
	}

	stream, ok := p.campaigns[event.CampaignID]
	if !ok {
		stream = &campaignStream{backers: make(map[domain.Identity]domain.Amount)}
		p.campaigns[event.CampaignID] = stream
	}
	stream.contributions++
	stream.total = saturatingAdd(stream.total, event.Amount)
	stream.backers[event.Contributor] = saturatingAdd(stream.backers[event.Contributor], event.Amount)
	if event.Amount > stream.largest {
		stream.largest = event.Amount
	}
	if event.OccurredAt.After(stream.last) {
		stream.last = event.OccurredAt
	}
	return true
}

// Insights returns the insights of a campaign. A campaign without
// contributions yields zero values.
func (p *InsightsProjection) Insights(id domain.CampaignID) CampaignInsights {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := CampaignInsights{CampaignID: id, TopBackers: []BackerTotal{}}
	stream, ok := p.campaigns[id]
	if !ok {
		return out
	}

	out.Backers = len(stream.backers)
	out.Contributions = stream.contributions
	out.TotalContributed = stream.total
	out.LargestAmount = stream.largest
	if stream.contributions > 0 {
		out.AverageAmount = stream.total / domain.Amount(stream.contributions)
	}
	if !stream.last.IsZero() {
		last := stream.last
		out.LastContributionAt = &last
	}

	for who, amount := range stream.backers {
		out.TopBackers = append(out.TopBackers, BackerTotal{Contributor: who, Amount: amount})
	}
	sort.Slice(out.TopBackers, func(i, j int) bool {
		if out.TopBackers[i].Amount != out.TopBackers[j].Amount {
			return out.TopBackers[i].Amount > out.TopBackers[j].Amount
		}
		return out.TopBackers[i].Contributor < out.TopBackers[j].Contributor
	})
	if len(out.TopBackers) > topBackerLimit {
		out.TopBackers = out.TopBackers[:topBackerLimit]
	}
	return out
}

func saturatingAdd(a, b domain.Amount) domain.Amount {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^domain.Amount(0)
}

// CampaignLookup resolves campaigns known to this process.
type CampaignLookup interface {
	Get(id domain.CampaignID) (domain.Campaign, error)
}

// ContributionConsumer feeds campaign.contributed events into the projection.
type ContributionConsumer struct {
	projection *InsightsProjection
	campaigns  CampaignLookup
	logger     logrus.FieldLogger
}

func NewContributionConsumer(projection *InsightsProjection, campaigns CampaignLookup, logger logrus.FieldLogger) *ContributionConsumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ContributionConsumer{
		projection: projection,
		campaigns:  campaigns,
		logger:     logger.WithField("component", "contribution_consumer"),
	}
}

// HandleContribution applies one event. Duplicates are acknowledged since the
// projection already counted them. Events for a campaign this process has not
// loaded yet are retried.
func (c *ContributionConsumer) HandleContribution(event domain.ContributedEvent) rabbitmq.Verdict {
	log := c.logger.WithFields(logrus.Fields{"event_id": event.EventID, "campaign_id": event.CampaignID})

	if c.campaigns != nil {
		if _, err := c.campaigns.Get(event.CampaignID); err != nil {
			log.WithError(err).Warn("contribution for unknown campaign")
			return rabbitmq.Retry
		}
	}
	if !c.projection.Apply(event) {
		log.Debug("duplicate contribution event ignored")
	}
	return rabbitmq.Ack
}
