package escrow

import (
	"errors"
	"fmt"

	"github.com/transfa/crowdfund-service/internal/amount"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// ErrConservationViolated is returned by Audit when escrow totals disagree.
var ErrConservationViolated = errors.New("escrow conservation violated")

// Get returns a snapshot of the campaign.
func (e *Engine) Get(id domain.CampaignID) (domain.Campaign, error) {
	return e.registry.Get(id)
}

// Count returns the number of campaign ids ever allocated.
func (e *Engine) Count() uint64 {
	return e.registry.Count()
}

// List returns every campaign ordered by id.
func (e *Engine) List() []domain.Campaign {
	return e.registry.List()
}

// BalanceOf returns the refundable balance of who in campaign id.
func (e *Engine) BalanceOf(id domain.CampaignID, who domain.Identity) (domain.Amount, error) {
	if _, err := e.registry.Get(id); err != nil {
		return 0, err
	}
	return e.ledger.BalanceOf(id, who), nil
}

// Contributions lists the live balances of a campaign.
func (e *Engine) Contributions(id domain.CampaignID) ([]domain.Contribution, error) {
	if _, err := e.registry.Get(id); err != nil {
		return nil, err
	}
	return e.ledger.Contributions(id), nil
}

// Status projects the lifecycle state of a campaign at the current time.
func (e *Engine) Status(id domain.CampaignID) (domain.CampaignState, error) {
	campaign, err := e.registry.Get(id)
	if err != nil {
		return domain.CampaignState{}, err
	}
	return domain.ProjectState(campaign, e.clock.Now()), nil
}

// Summary aggregates escrow totals across every campaign.
func (e *Engine) Summary() (domain.FinanceSummary, error) {
	now := e.clock.Now()
	summary := domain.FinanceSummary{GeneratedAtUnix: now.Unix()}

	var raised, withdrawn, refunded, locked uint64
	for _, c := range e.registry.List() {
		summary.Campaigns++
		state := domain.ProjectState(c, now)
		switch state.Moderation {
		case domain.ModerationPending:
			summary.Pending++
		case domain.ModerationApproved:
			summary.Approved++
		case domain.ModerationHeld:
			summary.Held++
		}
		switch state.Funding {
		case domain.FundingOpen:
			summary.Open++
		case domain.FundingSucceeded:
			summary.Succeeded++
		case domain.FundingFailed:
			summary.Failed++
		}
		if c.ReportCount > 0 {
			summary.ReportedCount++
		}

		held, err := escrowHeld(c)
		if err != nil {
			return domain.FinanceSummary{}, fmt.Errorf("campaign %d: %w", c.ID, err)
		}
		if raised, err = amount.Add(raised, uint64(c.TotalRaised)); err != nil {
			return domain.FinanceSummary{}, err
		}
		if withdrawn, err = amount.Add(withdrawn, uint64(c.AmountWithdrawn)); err != nil {
			return domain.FinanceSummary{}, err
		}
		if refunded, err = amount.Add(refunded, uint64(c.AmountRefunded)); err != nil {
			return domain.FinanceSummary{}, err
		}
		if locked, err = amount.Add(locked, uint64(held)); err != nil {
			return domain.FinanceSummary{}, err
		}
	}

	summary.TotalRaised = domain.Amount(raised)
	summary.TotalWithdrawn = domain.Amount(withdrawn)
	summary.TotalRefunded = domain.Amount(refunded)
	summary.LockedInEscrow = domain.Amount(locked)
	return summary, nil
}

// EscrowHeld returns the value currently held in escrow for a campaign.
func (e *Engine) EscrowHeld(id domain.CampaignID) (domain.Amount, error) {
	campaign, err := e.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return escrowHeld(campaign)
}

func escrowHeld(c domain.Campaign) (domain.Amount, error) {
	held, err := amount.Sub(uint64(c.TotalRaised), uint64(c.AmountWithdrawn))
	if err != nil {
		return 0, ErrConservationViolated
	}
	held, err = amount.Sub(held, uint64(c.AmountRefunded))
	if err != nil {
		return 0, ErrConservationViolated
	}
	return domain.Amount(held), nil
}

// Audit checks that the amount raised is fully accounted for by live
// balances, refunds and the withdrawal.
func (e *Engine) Audit(id domain.CampaignID) error {
	campaign, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	held, err := escrowHeld(campaign)
	if err != nil {
		return fmt.Errorf("campaign %d: %w", id, err)
	}

	if campaign.Withdrawn {
		if campaign.AmountRefunded != 0 || held != 0 {
			return fmt.Errorf("campaign %d: withdrawn=%d refunded=%d raised=%d: %w",
				id, campaign.AmountWithdrawn, campaign.AmountRefunded, campaign.TotalRaised, ErrConservationViolated)
		}
		return nil
	}

	outstanding, err := e.ledger.Outstanding(id)
	if err != nil {
		return err
	}
	accounted, err := amount.Add(uint64(outstanding), uint64(campaign.AmountRefunded))
	if err != nil {
		return err
	}
	if campaign.AmountWithdrawn != 0 || domain.Amount(accounted) != campaign.TotalRaised {
		return fmt.Errorf("campaign %d: live=%d refunded=%d raised=%d: %w",
			id, outstanding, campaign.AmountRefunded, campaign.TotalRaised, ErrConservationViolated)
	}
	return nil
}

// Restore loads persisted state. It must run before the engine serves calls.
func (e *Engine) Restore(snapshot domain.Snapshot) {
	for _, c := range snapshot.Campaigns {
		e.registry.put(c)
	}
	for _, c := range snapshot.Contributions {
		e.ledger.set(c.CampaignID, c.Contributor, c.Amount)
	}
	for _, r := range snapshot.Reports {
		e.moderation.recordReport(r.CampaignID, r.Reporter)
	}
}
