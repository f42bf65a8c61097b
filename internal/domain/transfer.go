package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transfer kinds produced by the escrow state machine.
const (
	TransferContribution = "contribution"
	TransferWithdrawal   = "withdrawal"
	TransferRefund       = "refund"
)

// EscrowAccount names the escrow account that holds a campaign's funds.
func EscrowAccount(id CampaignID) string {
	return fmt.Sprintf("escrow:%d", id)
}

// TransferInstruction is the value movement an escrow operation asks the
// settlement layer to perform. ID doubles as the idempotency key.
type TransferInstruction struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	CampaignID  CampaignID `json:"campaign_id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Amount      Amount     `json:"amount"`
	Reference   string     `json:"reference,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// TransferReceipt is returned by the settlement layer once value has moved.
type TransferReceipt struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// NewContributionTransfer moves amount from the contributor into escrow.
func NewContributionTransfer(id CampaignID, contributor Identity, amount Amount, at time.Time) TransferInstruction {
	return TransferInstruction{
		ID:          uuid.New(),
		Kind:        TransferContribution,
		CampaignID:  id,
		From:        contributor.String(),
		To:          EscrowAccount(id),
		Amount:      amount,
		RequestedAt: at,
	}
}

// NewWithdrawalTransfer releases amount from escrow to the campaign owner.
func NewWithdrawalTransfer(id CampaignID, owner Identity, amount Amount, at time.Time) TransferInstruction {
	return TransferInstruction{
		ID:          uuid.New(),
		Kind:        TransferWithdrawal,
		CampaignID:  id,
		From:        EscrowAccount(id),
		To:          owner.String(),
		Amount:      amount,
		RequestedAt: at,
	}
}

// NewRefundTransfer returns amount from escrow to a contributor.
func NewRefundTransfer(id CampaignID, contributor Identity, amount Amount, at time.Time) TransferInstruction {
	return TransferInstruction{
		ID:          uuid.New(),
		Kind:        TransferRefund,
		CampaignID:  id,
		From:        EscrowAccount(id),
		To:          contributor.String(),
		Amount:      amount,
		RequestedAt: at,
	}
}
