package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/transfa/crowdfund-service/internal/domain"
)

// Transferer moves value between accounts. Execute must either move the full
// amount and return a receipt, or move nothing and return an error.
type Transferer interface {
	Execute(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferReceipt, error)
}

// Journal persists committed state changes.
type Journal interface {
	Record(ctx context.Context, entry domain.JournalEntry) error
}

// Notifier receives escrow notifications after an operation completed.
type Notifier interface {
	Contributed(ctx context.Context, event domain.ContributedEvent)
	Withdrawn(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction)
	Refunded(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction)
	Moderated(ctx context.Context, campaign domain.Campaign, actor domain.Identity)
	Reported(ctx context.Context, campaign domain.Campaign, reporter domain.Identity)
}

// Clock is the trusted time source. It is read once per operation.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ImmediateTransfers is used when value moves outside the engine before the
// operation is submitted, so there is nothing left to settle.
type ImmediateTransfers struct{}

func (ImmediateTransfers) Execute(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferReceipt, error) {
	return &domain.TransferReceipt{
		Reference: fmt.Sprintf("local:%s", instruction.ID),
		Status:    "completed",
	}, nil
}

type noopJournal struct{}

func (noopJournal) Record(ctx context.Context, entry domain.JournalEntry) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Contributed(ctx context.Context, event domain.ContributedEvent) {}
func (noopNotifier) Withdrawn(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
}
func (noopNotifier) Refunded(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
}
func (noopNotifier) Moderated(ctx context.Context, campaign domain.Campaign, actor domain.Identity) {}
func (noopNotifier) Reported(ctx context.Context, campaign domain.Campaign, reporter domain.Identity) {
}
