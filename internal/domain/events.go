package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for campaign events published on the event exchange.
const (
	EventCampaignContributed = "campaign.contributed"
	EventCampaignWithdrawn   = "campaign.withdrawn"
	EventCampaignRefunded    = "campaign.refunded"
	EventCampaignEnded       = "campaign.ended"
	EventCampaignModerated   = "campaign.moderated"
	EventCampaignReported    = "campaign.reported"
)

// ContributedEvent is emitted after every successful contribution.
type ContributedEvent struct {
	EventID     string     `json:"event_id"`
	CampaignID  CampaignID `json:"campaign_id"`
	Contributor Identity   `json:"contributor"`
	Amount      Amount     `json:"amount"`
	TotalRaised Amount     `json:"total_raised"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// CampaignEvent is the generic payload for the remaining lifecycle events.
type CampaignEvent struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	CampaignID CampaignID `json:"campaign_id"`
	Actor      Identity   `json:"actor,omitempty"`
	Amount     Amount     `json:"amount,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Approved   *bool      `json:"approved,omitempty"`
	Held       *bool      `json:"held,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewCampaignEvent stamps a fresh event id on a lifecycle event.
func NewCampaignEvent(eventType string, id CampaignID, actor Identity, at time.Time) CampaignEvent {
	return CampaignEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		CampaignID: id,
		Actor:      actor,
		OccurredAt: at,
	}
}

// Journal operations.
const (
	OpCreate       = "create"
	OpContribute   = "contribute"
	OpWithdraw     = "withdraw"
	OpRefund       = "refund"
	OpApprove      = "approve"
	OpSetHeld      = "set_held"
	OpReport       = "report"
	OpRevertSuffix = "_reverted"
)

// JournalEntry describes one committed state change. Campaign is the record
// after the change; Contribution is set when a ledger balance moved and
// Report when a new reporter was recorded.
type JournalEntry struct {
	ID           uuid.UUID     `json:"id"`
	Operation    string        `json:"operation"`
	Caller       Identity      `json:"caller"`
	Campaign     Campaign      `json:"campaign"`
	Contribution *Contribution `json:"contribution,omitempty"`
	Report       *Report       `json:"report,omitempty"`
	Amount       Amount        `json:"amount"`
	TransferID   *uuid.UUID    `json:"transfer_id,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Snapshot is the persisted escrow state loaded at boot.
type Snapshot struct {
	Campaigns     []Campaign
	Contributions []Contribution
	Reports       []Report
}
