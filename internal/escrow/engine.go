/**
 * @description
 * Engine is the escrow state machine. Every mutation runs inside the
 * exclusive section of its campaign and follows the same order: read the
 * clock, validate, commit state (memory then journal), execute the transfer,
 * and undo the commit if the transfer fails.
 */
package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/amount"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// Engine owns the registry, the ledger and the moderation state.
type Engine struct {
	registry   *Registry
	ledger     *Ledger
	moderation *Moderation
	locks      *campaignLocks
	createMu   sync.Mutex

	transfers Transferer
	journal   Journal
	notifier  Notifier
	clock     Clock
	logger    logrus.FieldLogger
}

// NewEngine creates an engine with an empty registry. A nil transferer
// settles instantly and a nil logger uses the logrus standard logger.
func NewEngine(moderation *Moderation, transfers Transferer, logger logrus.FieldLogger) *Engine {
	if moderation == nil {
		moderation = NewModeration("")
	}
	if transfers == nil {
		transfers = ImmediateTransfers{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		registry:   NewRegistry(),
		ledger:     NewLedger(),
		moderation: moderation,
		locks:      newCampaignLocks(),
		transfers:  transfers,
		journal:    noopJournal{},
		notifier:   noopNotifier{},
		clock:      SystemClock{},
		logger:     logger.WithField("component", "escrow"),
	}
}

// SetJournal configures where committed changes are persisted.
func (e *Engine) SetJournal(journal Journal) {
	if journal == nil {
		journal = noopJournal{}
	}
	e.journal = journal
}

// SetNotifier configures the receiver of escrow notifications.
func (e *Engine) SetNotifier(notifier Notifier) {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	e.notifier = notifier
}

// SetClock replaces the trusted time source.
func (e *Engine) SetClock(clock Clock) {
	if clock == nil {
		clock = SystemClock{}
	}
	e.clock = clock
}

// Moderation exposes the moderation state for read access.
func (e *Engine) Moderation() *Moderation {
	return e.moderation
}

// Create registers a new pending campaign and returns its id.
func (e *Engine) Create(ctx context.Context, params domain.CreateCampaignParams) (domain.CampaignID, error) {
	if params.Goal == 0 {
		return 0, ErrInvalidGoal
	}
	if params.DurationDays < 1 {
		return 0, ErrInvalidDuration
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	id := domain.CampaignID(e.registry.Count())
	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return 0, err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.create(params, now)
	if err != nil {
		return 0, err
	}

	if err := e.record(ctx, now, domain.JournalEntry{
		Operation: domain.OpCreate,
		Caller:    params.Owner,
		Campaign:  campaign,
	}); err != nil {
		e.registry.remove(campaign.ID)
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"op":          domain.OpCreate,
		"campaign_id": campaign.ID,
		"owner":       campaign.Owner,
		"goal":        campaign.Goal,
		"deadline":    campaign.Deadline.Unix(),
	}).Info("campaign created")
	return campaign.ID, nil
}

// Contribute credits value to the caller's balance and moves it into escrow.
func (e *Engine) Contribute(ctx context.Context, caller domain.Identity, id domain.CampaignID, value domain.Amount) (*domain.TransferInstruction, error) {
	if value == 0 {
		return nil, ErrInvalidAmount
	}

	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case !campaign.Approved:
		return nil, ErrCampaignNotApproved
	case campaign.Held:
		return nil, ErrCampaignHeld
	case amount.IsExpired(campaign.Deadline, now):
		return nil, ErrCampaignEnded
	case campaign.Withdrawn:
		// Withdrawn is terminal: escrow takes no further value.
		return nil, ErrAlreadyWithdrawn
	}

	total, err := amount.Add(uint64(campaign.TotalRaised), uint64(value))
	if err != nil {
		return nil, err
	}
	previous := e.ledger.BalanceOf(id, caller)
	balance, err := e.ledger.credit(id, caller, value)
	if err != nil {
		return nil, err
	}
	updated, err := e.registry.setTotalRaised(id, domain.Amount(total))
	if err != nil {
		e.ledger.set(id, caller, previous)
		return nil, err
	}
	undo := func() {
		e.ledger.set(id, caller, previous)
		e.registry.put(campaign)
	}

	instruction := domain.NewContributionTransfer(id, caller, value, now)
	entry := domain.JournalEntry{
		Operation:    domain.OpContribute,
		Caller:       caller,
		Campaign:     updated,
		Contribution: &domain.Contribution{CampaignID: id, Contributor: caller, Amount: balance},
		Amount:       value,
		TransferID:   &instruction.ID,
	}
	if err := e.record(ctx, now, entry); err != nil {
		undo()
		return nil, err
	}

	receipt, err := e.transfers.Execute(context.WithoutCancel(ctx), instruction)
	if err != nil {
		undo()
		entry.Campaign = campaign
		entry.Contribution = &domain.Contribution{CampaignID: id, Contributor: caller, Amount: previous}
		e.compensate(ctx, now, entry, err)
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	instruction.Reference = receipt.Reference

	e.logger.WithFields(logrus.Fields{
		"op":           domain.OpContribute,
		"campaign_id":  id,
		"contributor":  caller,
		"amount":       value,
		"total_raised": updated.TotalRaised,
		"transfer_id":  instruction.ID,
	}).Info("contribution settled")

	e.notifier.Contributed(ctx, domain.ContributedEvent{
		EventID:     instruction.ID.String(),
		CampaignID:  id,
		Contributor: caller,
		Amount:      value,
		TotalRaised: updated.TotalRaised,
		OccurredAt:  now,
	})
	return &instruction, nil
}

// Withdraw releases the whole amount raised to the owner once the goal is met.
func (e *Engine) Withdraw(ctx context.Context, caller domain.Identity, id domain.CampaignID) (*domain.TransferInstruction, error) {
	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case caller != campaign.Owner:
		return nil, ErrNotOwner
	case !campaign.GoalReached():
		return nil, ErrGoalNotReached
	case campaign.Withdrawn:
		return nil, ErrAlreadyWithdrawn
	}

	payout := campaign.TotalRaised
	updated, err := e.registry.setWithdrawn(id, true, payout)
	if err != nil {
		return nil, err
	}

	instruction := domain.NewWithdrawalTransfer(id, campaign.Owner, payout, now)
	entry := domain.JournalEntry{
		Operation:  domain.OpWithdraw,
		Caller:     caller,
		Campaign:   updated,
		Amount:     payout,
		TransferID: &instruction.ID,
	}
	if err := e.record(ctx, now, entry); err != nil {
		e.registry.put(campaign)
		return nil, err
	}

	receipt, err := e.transfers.Execute(context.WithoutCancel(ctx), instruction)
	if err != nil {
		e.registry.put(campaign)
		entry.Campaign = campaign
		e.compensate(ctx, now, entry, err)
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	instruction.Reference = receipt.Reference

	e.logger.WithFields(logrus.Fields{
		"op":          domain.OpWithdraw,
		"campaign_id": id,
		"owner":       campaign.Owner,
		"amount":      payout,
		"transfer_id": instruction.ID,
	}).Info("withdrawal settled")

	e.notifier.Withdrawn(ctx, updated, instruction)
	return &instruction, nil
}

// Refund returns the caller's whole balance from a failed campaign.
func (e *Engine) Refund(ctx context.Context, caller domain.Identity, id domain.CampaignID) (*domain.TransferInstruction, error) {
	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case !amount.IsExpired(campaign.Deadline, now):
		return nil, ErrCampaignStillOpen
	case campaign.GoalReached():
		return nil, ErrGoalWasReached
	}

	taken, err := e.ledger.takeForRefund(id, caller)
	if err != nil {
		return nil, err
	}
	refunded, err := amount.Add(uint64(campaign.AmountRefunded), uint64(taken))
	if err != nil {
		e.ledger.set(id, caller, taken)
		return nil, err
	}
	updated, err := e.registry.setAmountRefunded(id, domain.Amount(refunded))
	if err != nil {
		e.ledger.set(id, caller, taken)
		return nil, err
	}
	undo := func() {
		e.ledger.set(id, caller, taken)
		e.registry.put(campaign)
	}

	instruction := domain.NewRefundTransfer(id, caller, taken, now)
	entry := domain.JournalEntry{
		Operation:    domain.OpRefund,
		Caller:       caller,
		Campaign:     updated,
		Contribution: &domain.Contribution{CampaignID: id, Contributor: caller, Amount: 0},
		Amount:       taken,
		TransferID:   &instruction.ID,
	}
	if err := e.record(ctx, now, entry); err != nil {
		undo()
		return nil, err
	}

	receipt, err := e.transfers.Execute(context.WithoutCancel(ctx), instruction)
	if err != nil {
		undo()
		entry.Campaign = campaign
		entry.Contribution = &domain.Contribution{CampaignID: id, Contributor: caller, Amount: taken}
		e.compensate(ctx, now, entry, err)
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	instruction.Reference = receipt.Reference

	e.logger.WithFields(logrus.Fields{
		"op":          domain.OpRefund,
		"campaign_id": id,
		"contributor": caller,
		"amount":      taken,
		"transfer_id": instruction.ID,
	}).Info("refund settled")

	e.notifier.Refunded(ctx, updated, instruction)
	return &instruction, nil
}

// Approve sets the approval flag. Only the moderator may call it.
func (e *Engine) Approve(ctx context.Context, caller domain.Identity, id domain.CampaignID, approved bool) error {
	return e.moderate(ctx, domain.OpApprove, caller, id, func() (domain.Campaign, error) {
		return e.registry.setApproved(id, approved)
	})
}

// SetHeld sets the hold flag. Held campaigns refuse new contributions only.
func (e *Engine) SetHeld(ctx context.Context, caller domain.Identity, id domain.CampaignID, held bool) error {
	return e.moderate(ctx, domain.OpSetHeld, caller, id, func() (domain.Campaign, error) {
		return e.registry.setHeld(id, held)
	})
}

func (e *Engine) moderate(ctx context.Context, op string, caller domain.Identity, id domain.CampaignID, apply func() (domain.Campaign, error)) error {
	if err := e.moderation.authorize(caller); err != nil {
		return err
	}

	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	updated, err := apply()
	if err != nil {
		return err
	}
	if err := e.record(ctx, now, domain.JournalEntry{Operation: op, Caller: caller, Campaign: updated}); err != nil {
		e.registry.put(campaign)
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"op":          op,
		"campaign_id": id,
		"approved":    updated.Approved,
		"held":        updated.Held,
	}).Info("campaign moderated")

	e.notifier.Moderated(ctx, updated, caller)
	return nil
}

// ReportCampaign counts one report per caller. Repeats succeed without effect.
func (e *Engine) ReportCampaign(ctx context.Context, caller domain.Identity, id domain.CampaignID) error {
	release, err := e.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	now := e.clock.Now()
	campaign, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if !e.moderation.recordReport(id, caller) {
		return nil
	}

	updated, err := e.registry.setReportCount(id, campaign.ReportCount+1)
	if err != nil {
		e.moderation.forgetReport(id, caller)
		return err
	}
	if err := e.record(ctx, now, domain.JournalEntry{
		Operation: domain.OpReport,
		Caller:    caller,
		Campaign:  updated,
		Report:    &domain.Report{CampaignID: id, Reporter: caller},
	}); err != nil {
		e.moderation.forgetReport(id, caller)
		e.registry.put(campaign)
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"op":           domain.OpReport,
		"campaign_id":  id,
		"reporter":     caller,
		"report_count": updated.ReportCount,
	}).Info("campaign reported")

	e.notifier.Reported(ctx, updated, caller)
	return nil
}

func (e *Engine) record(ctx context.Context, now time.Time, entry domain.JournalEntry) error {
	entry.ID = uuid.New()
	entry.RecordedAt = now
	if err := e.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WithFields(logrus.Fields{
			"op":          entry.Operation,
			"campaign_id": entry.Campaign.ID,
		}).WithError(err).Warn("journal write failed; state change undone")
		return fmt.Errorf("%w: %w", ErrJournalFailed, err)
	}
	return nil
}

// compensate persists the undo of a commit whose transfer failed. Memory has
// already been restored by the caller.
func (e *Engine) compensate(ctx context.Context, now time.Time, entry domain.JournalEntry, cause error) {
	log := e.logger.WithFields(logrus.Fields{
		"op":          entry.Operation,
		"campaign_id": entry.Campaign.ID,
		"caller":      entry.Caller,
		"amount":      entry.Amount,
	})
	log.WithError(cause).Warn("transfer failed; reverting state")

	entry.Operation += domain.OpRevertSuffix
	if err := e.record(ctx, now, entry); err != nil {
		log.WithField("critical", true).WithError(err).Error("failed to persist compensation")
	}
}
