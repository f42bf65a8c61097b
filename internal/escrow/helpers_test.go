package escrow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
)

const (
	testAdmin   domain.Identity = "admin"
	testOwner   domain.Identity = "owner"
	testBackerX domain.Identity = "backer-x"
	testBackerY domain.Identity = "backer-y"
)

var errSettlementDown = errors.New("settlement unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transferStub struct {
	mu       sync.Mutex
	failKind map[string]bool
	executed []domain.TransferInstruction
}

func (s *transferStub) Execute(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKind[instruction.Kind] {
		return nil, errSettlementDown
	}
	s.executed = append(s.executed, instruction)
	return &domain.TransferReceipt{Reference: "ref-" + instruction.ID.String(), Status: "completed"}, nil
}

func (s *transferStub) fail(kind string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKind == nil {
		s.failKind = make(map[string]bool)
	}
	s.failKind[kind] = fail
}

func (s *transferStub) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range s.executed {
		if in.Kind == kind {
			n++
		}
	}
	return n
}

type journalStub struct {
	mu      sync.Mutex
	failOp  map[string]bool
	entries []domain.JournalEntry
}

func (s *journalStub) Record(ctx context.Context, entry domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOp[entry.Operation] {
		return errors.New("database unavailable")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *journalStub) operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Operation)
	}
	return out
}

type notifierStub struct {
	noopNotifier

	mu          sync.Mutex
	contributed []domain.ContributedEvent
	withdrawn   int
	refunded    int
	reported    int
}

func (n *notifierStub) Contributed(ctx context.Context, event domain.ContributedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contributed = append(n.contributed, event)
}

func (n *notifierStub) Withdrawn(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withdrawn++
}

func (n *notifierStub) Refunded(ctx context.Context, campaign domain.Campaign, instruction domain.TransferInstruction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunded++
}

func (n *notifierStub) Reported(ctx context.Context, campaign domain.Campaign, reporter domain.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reported++
}

type testEngine struct {
	*Engine
	clock     *fakeClock
	transfers *transferStub
	journal   *journalStub
	notifier  *notifierStub
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	transfers := &transferStub{}
	engine := NewEngine(NewModeration(testAdmin), transfers, logger)
	clock := newFakeClock()
	journal := &journalStub{}
	notifier := &notifierStub{}
	engine.SetClock(clock)
	engine.SetJournal(journal)
	engine.SetNotifier(notifier)

	return &testEngine{Engine: engine, clock: clock, transfers: transfers, journal: journal, notifier: notifier}
}

func (te *testEngine) mustCreate(t *testing.T, goal domain.Amount, days int64) domain.CampaignID {
	t.Helper()
	id, err := te.Create(context.Background(), domain.CreateCampaignParams{
		Owner:        testOwner,
		Title:        "Community garden",
		Description:  "Raised beds for the east lot",
		Goal:         goal,
		DurationDays: days,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return id
}

func (te *testEngine) mustApprove(t *testing.T, id domain.CampaignID) {
	t.Helper()
	if err := te.Approve(context.Background(), testAdmin, id, true); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}
}

func (te *testEngine) mustContribute(t *testing.T, who domain.Identity, id domain.CampaignID, value domain.Amount) {
	t.Helper()
	if _, err := te.Contribute(context.Background(), who, id, value); err != nil {
		t.Fatalf("Contribute(%s, %d) returned error: %v", who, value, err)
	}
}

func (te *testEngine) pastDeadline(days int64) {
	te.clock.Advance(time.Duration(days)*24*time.Hour + time.Second)
}

func (te *testEngine) mustAudit(t *testing.T, id domain.CampaignID) {
	t.Helper()
	if err := te.Audit(id); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
}
