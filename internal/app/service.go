/**
 * @description
 * This file contains the service layer of the crowdfund-service. The `Service`
 * struct fronts the escrow engine for the HTTP API and the scheduler: it
 * throttles callers, records metrics around every operation and exposes the
 * read models built on top of the engine.
 *
 * @dependencies
 * - internal/escrow: The escrow state machine that owns all balances.
 * - internal/metrics, internal/store: Metrics and the persisted journal.
 * - github.com/sirupsen/logrus: Structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/escrow"
	"github.com/transfa/crowdfund-service/internal/metrics"
	"github.com/transfa/crowdfund-service/internal/store"
)

// Rate limit scopes.
const (
	ScopeContribute = "contribute"
	ScopeReport     = "report"
)

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrJournalUnavailable = errors.New("escrow journal is not persisted")
)

// RateLimitError carries the seconds until the caller may retry.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %ds", ErrRateLimited, e.Scope, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RateLimits configures the limits per minute. Zero disables a scope.
// Contributions are counted per campaign and caller, reports per caller.
type RateLimits struct {
	ContributePerMinute int
	ReportPerMinute     int
}

func (l RateLimits) contributeRule() RateRule {
	return RateRule{Scope: ScopeContribute, Limit: l.ContributePerMinute, Window: time.Minute, PerCampaign: true}
}

func (l RateLimits) reportRule() RateRule {
	return RateRule{Scope: ScopeReport, Limit: l.ReportPerMinute, Window: time.Minute}
}

// CampaignView is a campaign with its derived lifecycle state.
type CampaignView struct {
	domain.Campaign
	State      domain.CampaignState `json:"state"`
	EscrowHeld domain.Amount        `json:"escrow_held"`
}

// Service provides the escrow use cases to the transports.
type Service struct {
	engine   *escrow.Engine
	limiter  RateLimiter
	limits   RateLimits
	metrics  *metrics.Collector
	insights *InsightsProjection
	journal  store.Repository
	logger   logrus.FieldLogger
}

// NewService creates a new crowdfund service instance.
func NewService(engine *escrow.Engine, collector *metrics.Collector, insights *InsightsProjection, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if insights == nil {
		insights = NewInsightsProjection()
	}
	return &Service{
		engine:   engine,
		metrics:  collector,
		insights: insights,
		logger:   logger.WithField("component", "crowdfund_service"),
	}
}

// SetRateLimiter enables per-caller throttling of contributions and reports.
func (s *Service) SetRateLimiter(limiter RateLimiter, limits RateLimits) {
	s.limiter = limiter
	s.limits = limits
}

// SetJournal exposes the persisted journal to JournalFor.
func (s *Service) SetJournal(repo store.Repository) {
	s.journal = repo
}

// Engine returns the underlying escrow engine.
func (s *Service) Engine() *escrow.Engine {
	return s.engine
}

var rejected = metrics.IsAny(
	escrow.ErrNotFound,
	escrow.ErrInvalidGoal,
	escrow.ErrInvalidDuration,
	escrow.ErrInvalidAmount,
	escrow.ErrZeroAmount,
	escrow.ErrOverflow,
	escrow.ErrCampaignNotApproved,
	escrow.ErrCampaignHeld,
	escrow.ErrCampaignEnded,
	escrow.ErrCampaignStillOpen,
	escrow.ErrGoalNotReached,
	escrow.ErrGoalWasReached,
	escrow.ErrAlreadyWithdrawn,
	escrow.ErrNothingToRefund,
	escrow.ErrNotOwner,
	escrow.ErrNotAdmin,
	ErrRateLimited,
)

func (s *Service) observe(op string, started time.Time, err error) {
	s.metrics.RecordOperation(op, time.Since(started), err, rejected)
	if errors.Is(err, escrow.ErrTransferFailed) {
		s.metrics.RecordCompensation(op)
	}
}

// CreateCampaign registers a pending campaign owned by caller.
func (s *Service) CreateCampaign(ctx context.Context, caller domain.Identity, params domain.CreateCampaignParams) (id domain.CampaignID, err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpCreate, started, err) }()
	params.Owner = caller
	return s.engine.Create(ctx, params)
}

// Contribute moves value from caller into the campaign escrow.
func (s *Service) Contribute(ctx context.Context, caller domain.Identity, id domain.CampaignID, value domain.Amount) (instruction *domain.TransferInstruction, err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpContribute, started, err) }()

	if err = s.throttle(ctx, s.limits.contributeRule(), caller, id); err != nil {
		return nil, err
	}
	return s.engine.Contribute(ctx, caller, id, value)
}

// Withdraw releases the raised funds to the owner.
func (s *Service) Withdraw(ctx context.Context, caller domain.Identity, id domain.CampaignID) (instruction *domain.TransferInstruction, err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpWithdraw, started, err) }()
	return s.engine.Withdraw(ctx, caller, id)
}

// Refund returns the caller's balance of a failed campaign.
func (s *Service) Refund(ctx context.Context, caller domain.Identity, id domain.CampaignID) (instruction *domain.TransferInstruction, err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpRefund, started, err) }()
	return s.engine.Refund(ctx, caller, id)
}

// Approve sets the approval flag of a campaign.
func (s *Service) Approve(ctx context.Context, caller domain.Identity, id domain.CampaignID, approved bool) (err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpApprove, started, err) }()
	return s.engine.Approve(ctx, caller, id, approved)
}

// SetHeld sets the hold flag of a campaign.
func (s *Service) SetHeld(ctx context.Context, caller domain.Identity, id domain.CampaignID, held bool) (err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpSetHeld, started, err) }()
	return s.engine.SetHeld(ctx, caller, id, held)
}

// Report flags a campaign once per caller.
func (s *Service) Report(ctx context.Context, caller domain.Identity, id domain.CampaignID) (err error) {
	started := time.Now()
	defer func() { s.observe(domain.OpReport, started, err) }()

	if err = s.throttle(ctx, s.limits.reportRule(), caller, id); err != nil {
		return err
	}
	return s.engine.ReportCampaign(ctx, caller, id)
}

// Campaign returns one campaign with its derived state.
func (s *Service) Campaign(id domain.CampaignID) (CampaignView, error) {
	campaign, err := s.engine.Get(id)
	if err != nil {
		return CampaignView{}, err
	}
	return s.view(campaign)
}

// Campaigns lists every campaign in id order.
func (s *Service) Campaigns() ([]CampaignView, error) {
	campaigns := s.engine.List()
	views := make([]CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		v, err := s.view(c)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Service) view(c domain.Campaign) (CampaignView, error) {
	state, err := s.engine.Status(c.ID)
	if err != nil {
		return CampaignView{}, err
	}
	held, err := s.engine.EscrowHeld(c.ID)
	if err != nil {
		return CampaignView{}, err
	}
	return CampaignView{Campaign: c, State: state, EscrowHeld: held}, nil
}

// ContributionOf returns the refundable balance of who in a campaign.
func (s *Service) ContributionOf(id domain.CampaignID, who domain.Identity) (domain.Contribution, error) {
	balance, err := s.engine.BalanceOf(id, who)
	if err != nil {
		return domain.Contribution{}, err
	}
	return domain.Contribution{CampaignID: id, Contributor: who, Amount: balance}, nil
}

// Insights returns the contribution insights of an existing campaign.
func (s *Service) Insights(id domain.CampaignID) (CampaignInsights, error) {
	if _, err := s.engine.Get(id); err != nil {
		return CampaignInsights{}, err
	}
	return s.insights.Insights(id), nil
}

// Summary returns the platform-wide escrow totals.
func (s *Service) Summary() (domain.FinanceSummary, error) {
	return s.engine.Summary()
}

// JournalFor returns the persisted operations of a campaign to the moderator.
func (s *Service) JournalFor(ctx context.Context, caller domain.Identity, id domain.CampaignID, limit int) ([]store.JournalRecord, error) {
	if admin := s.engine.Moderation().Admin(); admin.IsZero() || caller != admin {
		return nil, escrow.ErrNotAdmin
	}
	if _, err := s.engine.Get(id); err != nil {
		return nil, err
	}
	if s.journal == nil {
		return nil, ErrJournalUnavailable
	}
	return s.journal.JournalForCampaign(ctx, id, limit)
}

// throttle fails open when the limiter backend errors.
func (s *Service) throttle(ctx context.Context, rule RateRule, caller domain.Identity, id domain.CampaignID) error {
	if s.limiter == nil || rule.Limit <= 0 {
		return nil
	}
	decision, err := s.limiter.Consume(ctx, rule, caller, id)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"scope":       rule.Scope,
			"caller":      caller,
			"campaign_id": id,
		}).WithError(err).Warn("rate limiter unavailable; allowing request")
		return nil
	}
	if decision.Allowed() {
		return nil
	}
	s.metrics.RecordRateLimited(rule.Scope)
	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &RateLimitError{Scope: rule.Scope, RetryAfterSeconds: retryAfter}
}
