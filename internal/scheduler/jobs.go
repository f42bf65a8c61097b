/**
 * @description
 * Scheduled job implementations for the crowdfund-service: announcing
 * campaigns whose deadline has passed and refreshing the escrow gauges.
 */
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/escrow"
)

// Escrow defines the engine reads needed by the jobs.
type Escrow interface {
	List() []domain.Campaign
	Summary() (domain.FinanceSummary, error)
	Audit(id domain.CampaignID) error
}

// EndAnnouncer publishes the end of a campaign.
type EndAnnouncer interface {
	Ended(ctx context.Context, campaign domain.Campaign, outcome string, at time.Time) error
}

// SummaryRecorder receives the periodic escrow totals.
type SummaryRecorder interface {
	RecordSummary(summary domain.FinanceSummary)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	escrow    Escrow
	announcer EndAnnouncer
	recorder  SummaryRecorder
	clock     escrow.Clock
	logger    logrus.FieldLogger

	mu        sync.Mutex
	announced map[domain.CampaignID]struct{}
}

// NewJobs creates a new Jobs runner.
func NewJobs(engine Escrow, announcer EndAnnouncer, recorder SummaryRecorder, clock escrow.Clock, logger logrus.FieldLogger) *Jobs {
	if clock == nil {
		clock = escrow.SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Jobs{
		escrow:    engine,
		announcer: announcer,
		recorder:  recorder,
		clock:     clock,
		logger:    logger.WithField("component", "scheduler_jobs"),
		announced: make(map[domain.CampaignID]struct{}),
	}
}

// SweepEndedCampaigns announces every campaign whose deadline has passed.
// Each campaign is announced once per process; failed publishes are retried
// on the next run.
func (j *Jobs) SweepEndedCampaigns() {
	ctx := context.Background()
	now := j.clock.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var announced, failed int
	for _, campaign := range j.escrow.List() {
		if _, done := j.announced[campaign.ID]; done || !now.After(campaign.Deadline) {
			continue
		}

		outcome := domain.ProjectState(campaign, now).Funding
		if j.announcer != nil {
			if err := j.announcer.Ended(ctx, campaign, outcome, now); err != nil {
				failed++
				j.logger.WithFields(logrus.Fields{"campaign_id": campaign.ID, "outcome": outcome}).WithError(err).Warn("failed to announce ended campaign")
				continue
			}
		}
		j.announced[campaign.ID] = struct{}{}
		announced++
	}

	if announced > 0 || failed > 0 {
		j.logger.WithFields(logrus.Fields{"announced": announced, "failed": failed}).Info("deadline sweep finished")
	}
}

// RefreshEscrowMetrics publishes the platform totals and audits the
// conservation of every campaign.
func (j *Jobs) RefreshEscrowMetrics() {
	summary, err := j.escrow.Summary()
	if err != nil {
		j.logger.WithError(err).Error("failed to compute escrow summary")
		return
	}
	if j.recorder != nil {
		j.recorder.RecordSummary(summary)
	}

	for _, campaign := range j.escrow.List() {
		if err := j.escrow.Audit(campaign.ID); err != nil {
			log := j.logger.WithField("campaign_id", campaign.ID).WithError(err)
			if errors.Is(err, escrow.ErrConservationViolated) {
				log.Error("escrow conservation violated")
				continue
			}
			log.Warn("escrow audit failed")
		}
	}
}
