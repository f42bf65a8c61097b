/**
 * @description
 * Cron scheduler setup for the escrow maintenance jobs.
 */
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger logrus.FieldLogger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger logrus.FieldLogger, cfg config.Config) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.schedule("deadline sweep", s.config.DeadlineSweepSchedule, s.jobs.SweepEndedCampaigns)
	s.schedule("escrow metrics", s.config.EscrowMetricsSchedule, s.jobs.RefreshEscrowMetrics)
	s.cron.Start()
}

func (s *Scheduler) schedule(name, spec string, job func()) {
	log := s.logger.WithFields(logrus.Fields{"job": name, "schedule": spec})
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		log.WithError(err).Error("failed to schedule job")
		return
	}
	log.Info("scheduled job")
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
