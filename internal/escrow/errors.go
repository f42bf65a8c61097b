package escrow

import (
	"errors"

	"github.com/transfa/crowdfund-service/internal/amount"
)

var (
	ErrNotFound            = errors.New("campaign not found")
	ErrInvalidGoal         = errors.New("goal must be greater than zero")
	ErrInvalidDuration     = amount.ErrInvalidDuration
	ErrInvalidAmount       = errors.New("contribution amount must be greater than zero")
	ErrZeroAmount          = errors.New("ledger credit amount must be greater than zero")
	ErrOverflow            = amount.ErrOverflow
	ErrCampaignNotApproved = errors.New("campaign is not approved")
	ErrCampaignHeld        = errors.New("campaign is on hold")
	ErrCampaignEnded       = errors.New("campaign has ended")
	ErrCampaignStillOpen   = errors.New("campaign is still open")
	ErrGoalNotReached      = errors.New("campaign goal not reached")
	ErrGoalWasReached      = errors.New("campaign goal was reached")
	ErrAlreadyWithdrawn    = errors.New("campaign funds already withdrawn")
	ErrNothingToRefund     = errors.New("nothing to refund")
	ErrNotOwner            = errors.New("caller is not the campaign owner")
	ErrNotAdmin            = errors.New("caller is not the moderator")

	// ErrTransferFailed wraps a settlement failure after state was rolled back.
	ErrTransferFailed = errors.New("value transfer failed")
	// ErrJournalFailed means the state change could not be persisted and was undone.
	ErrJournalFailed = errors.New("escrow journal write failed")
)
