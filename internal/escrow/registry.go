package escrow

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transfa/crowdfund-service/internal/amount"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// Registry owns campaign records. Ids are allocated sequentially from 0.
// Mutations other than create are unexported and only reached through the
// Engine while it holds the campaign lock.
type Registry struct {
	mu        sync.RWMutex
	campaigns map[domain.CampaignID]*domain.Campaign
	nextID    domain.CampaignID
}

func NewRegistry() *Registry {
	return &Registry{campaigns: make(map[domain.CampaignID]*domain.Campaign)}
}

func (r *Registry) create(params domain.CreateCampaignParams, now time.Time) (domain.Campaign, error) {
	if params.Goal == 0 {
		return domain.Campaign{}, ErrInvalidGoal
	}
	deadline, err := amount.DeadlineFrom(now, params.DurationDays)
	if err != nil {
		return domain.Campaign{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &domain.Campaign{
		ID:          r.nextID,
		Owner:       params.Owner,
		Title:       params.Title,
		Description: params.Description,
		MediaRef:    strings.TrimSpace(params.MediaRef),
		ProjectLink: strings.TrimSpace(params.ProjectLink),
		Goal:        params.Goal,
		CreatedAt:   now.Truncate(time.Second),
		Deadline:    deadline,
		Exists:      true,
	}
	r.campaigns[c.ID] = c
	r.nextID++
	return *c, nil
}

// Get returns a copy of the campaign record.
func (r *Registry) Get(id domain.CampaignID) (domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return domain.Campaign{}, ErrNotFound
	}
	return *c, nil
}

// Count returns the number of ids ever allocated.
func (r *Registry) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(r.nextID)
}

// List returns every campaign ordered by id.
func (r *Registry) List() []domain.Campaign {
	r.mu.RLock()
	out := make([]domain.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// update applies fn to the stored record. fn must not block.
func (r *Registry) update(id domain.CampaignID, fn func(c *domain.Campaign)) (domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return domain.Campaign{}, ErrNotFound
	}
	fn(c)
	return *c, nil
}

func (r *Registry) setTotalRaised(id domain.CampaignID, total domain.Amount) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) { c.TotalRaised = total })
}

func (r *Registry) setWithdrawn(id domain.CampaignID, withdrawn bool, paid domain.Amount) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) {
		c.Withdrawn = withdrawn
		c.AmountWithdrawn = paid
	})
}

func (r *Registry) setApproved(id domain.CampaignID, approved bool) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) { c.Approved = approved })
}

func (r *Registry) setHeld(id domain.CampaignID, held bool) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) { c.Held = held })
}

func (r *Registry) setReportCount(id domain.CampaignID, count uint64) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) { c.ReportCount = count })
}

func (r *Registry) setAmountRefunded(id domain.CampaignID, refunded domain.Amount) (domain.Campaign, error) {
	return r.update(id, func(c *domain.Campaign) { c.AmountRefunded = refunded })
}

// put replaces a whole record; used for rollback and when restoring persisted state.
func (r *Registry) put(c domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := c
	r.campaigns[c.ID] = &stored
	if c.ID >= r.nextID {
		r.nextID = c.ID + 1
	}
}

// remove drops a record allocated by create whose commit failed. Only the
// most recently allocated id can be released.
func (r *Registry) remove(id domain.CampaignID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.campaigns, id)
	if r.nextID == id+1 {
		r.nextID = id
	}
}
