/**
 * @description
 * Core domain models for the crowdfund escrow service: campaigns, contributions,
 * moderation state and the derived lifecycle projection used by dashboards.
 *
 * @notes
 * - Amounts are unsigned and expressed in the smallest unit of the settlement
 *   currency. Arithmetic on them goes through internal/amount.
 * - Campaign ids are sequential and the first campaign created is id 0.
 */

package domain

import (
	"strconv"
	"strings"
	"time"
)

// CampaignID identifies a campaign. Ids are allocated sequentially from 0.
type CampaignID uint64

func (id CampaignID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseCampaignID parses the decimal form produced by CampaignID.String.
func ParseCampaignID(raw string) (CampaignID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return CampaignID(v), nil
}

// Identity is an authenticated caller identifier supplied by the runtime.
type Identity string

func (i Identity) String() string { return string(i) }

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool { return strings.TrimSpace(string(i)) == "" }

// Amount is a non-negative value in the smallest settlement unit.
type Amount uint64

func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// ParseAmount parses a decimal amount string.
func ParseAmount(raw string) (Amount, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return Amount(v), nil
}

// Campaign is the durable record for one fundraising campaign.
type Campaign struct {
	ID          CampaignID `json:"id"`
	Owner       Identity   `json:"owner"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	MediaRef    string     `json:"media_ref,omitempty"`
	ProjectLink string     `json:"project_link,omitempty"`
	Goal        Amount     `json:"goal"`
	CreatedAt   time.Time  `json:"created_at"`
	Deadline    time.Time  `json:"deadline"`
	TotalRaised Amount     `json:"total_raised"`
	Withdrawn   bool       `json:"withdrawn"`
	Approved    bool       `json:"approved"`
	Held        bool       `json:"held"`
	ReportCount uint64     `json:"report_count"`
	Exists      bool       `json:"exists"`

	// Bookkeeping for the finance summary; never feeds back into TotalRaised.
	AmountWithdrawn Amount `json:"amount_withdrawn"`
	AmountRefunded  Amount `json:"amount_refunded"`
}

// GoalReached reports whether the campaign raised at least its goal.
func (c Campaign) GoalReached() bool {
	return c.TotalRaised >= c.Goal
}

// Contribution is the cumulative, still-refundable balance of one contributor.
type Contribution struct {
	CampaignID  CampaignID `json:"campaign_id"`
	Contributor Identity   `json:"contributor"`
	Amount      Amount     `json:"amount"`
}

// Report records that a reporter flagged a campaign.
type Report struct {
	CampaignID CampaignID `json:"campaign_id"`
	Reporter   Identity   `json:"reporter"`
}

// CreateCampaignParams carries the caller supplied fields for a new campaign.
type CreateCampaignParams struct {
	Owner        Identity `json:"-"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	MediaRef     string   `json:"media_ref,omitempty"`
	ProjectLink  string   `json:"project_link,omitempty"`
	Goal         Amount   `json:"goal"`
	DurationDays int64    `json:"duration_days"`
}

// Moderation axis of the lifecycle projection.
const (
	ModerationPending  = "pending"
	ModerationApproved = "approved"
	ModerationHeld     = "held"
)

// Funding axis of the lifecycle projection.
const (
	FundingOpen      = "open"
	FundingSucceeded = "succeeded"
	FundingFailed    = "failed"
)

// Resolution axis of the lifecycle projection.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionWithdrawn  = "withdrawn"
	ResolutionRefunding  = "refunding"
)

// CampaignState is the derived lifecycle position of a campaign at an instant.
type CampaignState struct {
	CampaignID       CampaignID `json:"campaign_id"`
	Moderation       string     `json:"moderation"`
	Funding          string     `json:"funding"`
	Resolution       string     `json:"resolution"`
	AcceptsFunds     bool       `json:"accepts_contributions"`
	CanWithdraw      bool       `json:"can_withdraw"`
	RefundsAvailable bool       `json:"refunds_available"`
	SecondsRemaining int64      `json:"seconds_remaining"`
}

// ProjectState derives the lifecycle projection of c at now.
func ProjectState(c Campaign, now time.Time) CampaignState {
	state := CampaignState{CampaignID: c.ID}

	switch {
	case c.Held:
		state.Moderation = ModerationHeld
	case c.Approved:
		state.Moderation = ModerationApproved
	default:
		state.Moderation = ModerationPending
	}

	expired := now.After(c.Deadline)
	switch {
	case !expired:
		state.Funding = FundingOpen
	case c.GoalReached():
		state.Funding = FundingSucceeded
	default:
		state.Funding = FundingFailed
	}

	switch {
	case c.Withdrawn:
		state.Resolution = ResolutionWithdrawn
	case state.Funding == FundingFailed:
		state.Resolution = ResolutionRefunding
	default:
		state.Resolution = ResolutionUnresolved
	}

	state.AcceptsFunds = c.Approved && !c.Held && !expired
	state.CanWithdraw = c.GoalReached() && !c.Withdrawn
	state.RefundsAvailable = state.Funding == FundingFailed
	if !expired {
		state.SecondsRemaining = int64(c.Deadline.Sub(now).Seconds())
	}
	return state
}

// FinanceSummary aggregates escrow balances across every campaign.
type FinanceSummary struct {
	Campaigns       uint64 `json:"campaigns"`
	Pending         uint64 `json:"pending"`
	Approved        uint64 `json:"approved"`
	Held            uint64 `json:"held"`
	Open            uint64 `json:"open"`
	Succeeded       uint64 `json:"succeeded"`
	Failed          uint64 `json:"failed"`
	TotalRaised     Amount `json:"total_raised"`
	TotalWithdrawn  Amount `json:"total_withdrawn"`
	TotalRefunded   Amount `json:"total_refunded"`
	LockedInEscrow  Amount `json:"locked_in_escrow"`
	ReportedCount   uint64 `json:"reported_campaigns"`
	GeneratedAtUnix int64  `json:"generated_at"`
}
