package escrow

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/transfa/crowdfund-service/internal/domain"
)

func TestLedger_CreditAccumulates(t *testing.T) {
	l := NewLedger()

	if _, err := l.credit(0, testBackerX, 0); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if balance, _ := l.credit(0, testBackerX, 7); balance != 7 {
		t.Fatalf("expected balance 7, got %d", balance)
	}
	if balance, _ := l.credit(0, testBackerX, 4); balance != 11 {
		t.Fatalf("expected balance 11, got %d", balance)
	}
	if got := l.BalanceOf(1, testBackerX); got != 0 {
		t.Fatalf("expected balances to be scoped per campaign, got %d", got)
	}
	if _, err := l.credit(0, testBackerX, math.MaxUint64); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if got := l.BalanceOf(0, testBackerX); got != 11 {
		t.Fatalf("expected balance unchanged after overflow, got %d", got)
	}
}

func TestLedger_TakeForRefundIsAtomic(t *testing.T) {
	l := NewLedger()
	if _, err := l.credit(2, testBackerY, 50); err != nil {
		t.Fatalf("credit returned error: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var taken domain.Amount
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.takeForRefund(2, testBackerY)
			if err != nil {
				return
			}
			mu.Lock()
			taken += v
			mu.Unlock()
		}()
	}
	wg.Wait()

	if taken != 50 {
		t.Fatalf("expected 50 taken exactly once, got %d", taken)
	}
	if _, err := l.takeForRefund(2, testBackerY); !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund, got %v", err)
	}
}

func TestLedger_ContributionsAndOutstanding(t *testing.T) {
	l := NewLedger()
	_, _ = l.credit(1, testBackerY, 5)
	_, _ = l.credit(1, testBackerX, 3)
	_, _ = l.credit(2, testBackerX, 100)
	l.set(1, "drained", 0)

	got := l.Contributions(1)
	if len(got) != 2 || got[0].Contributor != testBackerX || got[1].Contributor != testBackerY {
		t.Fatalf("unexpected contributions: %+v", got)
	}
	outstanding, err := l.Outstanding(1)
	if err != nil || outstanding != 8 {
		t.Fatalf("expected outstanding 8, got %d (err=%v)", outstanding, err)
	}
}

func TestRegistry_CreateAndUpdate(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1_700_000_000, 0)

	c, err := r.create(domain.CreateCampaignParams{Owner: testOwner, Title: "t", Goal: 5, DurationDays: 2, MediaRef: "  ipfs://cid  "}, now)
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if c.MediaRef != "ipfs://cid" || c.ProjectLink != "" {
		t.Fatalf("unexpected optional fields: media=%q link=%q", c.MediaRef, c.ProjectLink)
	}
	if _, err := r.Get(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := r.setTotalRaised(c.ID, 9); err != nil {
		t.Fatalf("setTotalRaised returned error: %v", err)
	}
	if _, err := r.setWithdrawn(7, true, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from setter, got %v", err)
	}

	got, _ := r.Get(c.ID)
	got.TotalRaised = 1000
	again, _ := r.Get(c.ID)
	if again.TotalRaised != 9 {
		t.Fatalf("expected Get to return a copy, got %d", again.TotalRaised)
	}
}
