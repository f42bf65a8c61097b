package escrow

import (
	"context"
	"sync"

	"github.com/transfa/crowdfund-service/internal/domain"
)

// campaignLocks hands out one exclusive section per campaign. Waiters are
// released in arrival order and may give up while still waiting.
type campaignLocks struct {
	mu    sync.Mutex
	slots map[domain.CampaignID]chan struct{}
}

func newCampaignLocks() *campaignLocks {
	return &campaignLocks{slots: make(map[domain.CampaignID]chan struct{})}
}

func (l *campaignLocks) slot(id domain.CampaignID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

// acquire blocks until the campaign section is free or ctx is done. The
// returned func releases the section.
func (l *campaignLocks) acquire(ctx context.Context, id domain.CampaignID) (func(), error) {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
