package escrow

import (
	"sort"
	"sync"

	"github.com/transfa/crowdfund-service/internal/amount"
	"github.com/transfa/crowdfund-service/internal/domain"
)

type balanceKey struct {
	campaign    domain.CampaignID
	contributor domain.Identity
}

// Ledger tracks the refundable balance of every contributor per campaign.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]domain.Amount
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[balanceKey]domain.Amount)}
}

// credit adds value to a contributor balance and returns the new balance.
func (l *Ledger) credit(id domain.CampaignID, contributor domain.Identity, value domain.Amount) (domain.Amount, error) {
	if value == 0 {
		return 0, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{campaign: id, contributor: contributor}
	next, err := amount.Add(uint64(l.balances[key]), uint64(value))
	if err != nil {
		return 0, err
	}
	l.balances[key] = domain.Amount(next)
	return domain.Amount(next), nil
}

// BalanceOf returns 0 for contributors that never contributed.
func (l *Ledger) BalanceOf(id domain.CampaignID, contributor domain.Identity) domain.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{campaign: id, contributor: contributor}]
}

// takeForRefund reads and zeroes a balance in one step.
func (l *Ledger) takeForRefund(id domain.CampaignID, contributor domain.Identity) (domain.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{campaign: id, contributor: contributor}
	balance := l.balances[key]
	if balance == 0 {
		return 0, ErrNothingToRefund
	}
	l.balances[key] = 0
	return balance, nil
}

// set overwrites a balance; used to undo a credit or a refund and when
// restoring persisted state.
func (l *Ledger) set(id domain.CampaignID, contributor domain.Identity, value domain.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{campaign: id, contributor: contributor}] = value
}

// Contributions lists the non-zero balances of a campaign ordered by contributor.
func (l *Ledger) Contributions(id domain.CampaignID) []domain.Contribution {
	l.mu.Lock()
	out := make([]domain.Contribution, 0)
	for key, balance := range l.balances {
		if key.campaign != id || balance == 0 {
			continue
		}
		out = append(out, domain.Contribution{CampaignID: id, Contributor: key.contributor, Amount: balance})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Contributor < out[j].Contributor })
	return out
}

// Outstanding sums the live balances of a campaign.
func (l *Ledger) Outstanding(id domain.CampaignID) (domain.Amount, error) {
	var total uint64
	for _, c := range l.Contributions(id) {
		next, err := amount.Add(total, uint64(c.Amount))
		if err != nil {
			return 0, err
		}
		total = next
	}
	return domain.Amount(total), nil
}
