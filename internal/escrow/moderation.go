package escrow

import (
	"strings"
	"sync"

	"github.com/transfa/crowdfund-service/internal/domain"
)

type reportKey struct {
	campaign domain.CampaignID
	reporter domain.Identity
}

// Moderation holds the moderator identity and the reporter set. The
// moderator is fixed at construction.
type Moderation struct {
	admin domain.Identity

	mu        sync.Mutex
	reporters map[reportKey]struct{}
}

func NewModeration(admin domain.Identity) *Moderation {
	return &Moderation{
		admin:     domain.Identity(strings.TrimSpace(admin.String())),
		reporters: make(map[reportKey]struct{}),
	}
}

// Admin returns the moderator identity.
func (m *Moderation) Admin() domain.Identity {
	return m.admin
}

// authorize fails with ErrNotAdmin unless caller is the moderator.
func (m *Moderation) authorize(caller domain.Identity) error {
	if m.admin.IsZero() || caller != m.admin {
		return ErrNotAdmin
	}
	return nil
}

// recordReport returns true the first time reporter flags the campaign.
func (m *Moderation) recordReport(id domain.CampaignID, reporter domain.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := reportKey{campaign: id, reporter: reporter}
	if _, seen := m.reporters[key]; seen {
		return false
	}
	m.reporters[key] = struct{}{}
	return true
}

func (m *Moderation) forgetReport(id domain.CampaignID, reporter domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reporters, reportKey{campaign: id, reporter: reporter})
}

// HasReported reports whether reporter already flagged the campaign.
func (m *Moderation) HasReported(id domain.CampaignID, reporter domain.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.reporters[reportKey{campaign: id, reporter: reporter}]
	return seen
}
