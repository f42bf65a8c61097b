/**
 * @description
 * This file defines the `Repository` interface, the contract for persisting the
 * escrow state. The engine keeps campaigns and balances in memory and writes
 * every committed change through this interface; the stored rows are read back
 * once at boot.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/transfa/crowdfund-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// EnsureSchema creates the escrow tables when missing.
	EnsureSchema(ctx context.Context) error
	// Record persists one committed state change atomically.
	Record(ctx context.Context, entry domain.JournalEntry) error
	// LoadState reads every campaign, live balance and reporter.
	LoadState(ctx context.Context) (*domain.Snapshot, error)
	// JournalForCampaign lists the recorded operations of a campaign, newest first.
	JournalForCampaign(ctx context.Context, id domain.CampaignID, limit int) ([]JournalRecord, error)
}

// JournalRecord is one row of the escrow journal.
type JournalRecord struct {
	ID         string            `json:"id"`
	Operation  string            `json:"operation"`
	CampaignID domain.CampaignID `json:"campaign_id"`
	Caller     domain.Identity   `json:"caller"`
	Amount     domain.Amount     `json:"amount"`
	TransferID *string           `json:"transfer_id,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}
