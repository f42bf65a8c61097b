package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/transfa/crowdfund-service/internal/app"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/escrow"
	"github.com/transfa/crowdfund-service/internal/metrics"
)

var testSecret = []byte("test-secret")

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type rejectingTransfers struct{}

func (rejectingTransfers) Execute(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferReceipt, error) {
	return nil, errors.New("settlement declined")
}

type apiHarness struct {
	server *httptest.Server
	clock  *manualClock
	svc    *app.Service
}

func newHarness(t *testing.T, transfers escrow.Transferer) *apiHarness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	engine := escrow.NewEngine(escrow.NewModeration("admin"), transfers, logger)
	engine.SetClock(clock)
	collector := metrics.NewCollector("test")
	svc := app.NewService(engine, collector, nil, logger)

	router := CrowdfundRoutes(NewCrowdfundHandlers(svc, logger), RouterOptions{
		Auth:    AuthConfig{Secret: testSecret, Issuer: "crowdfund-test"},
		Metrics: collector.Handler(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiHarness{server: server, clock: clock, svc: svc}
}

func signToken(t *testing.T, subject, issuer string, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (h *apiHarness) do(t *testing.T, method, path, caller string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, caller, "crowdfund-test", testSecret))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *apiHarness) createApproved(t *testing.T, goal uint64, days int) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/campaigns", "owner", map[string]interface{}{
		"title":         "School roof",
		"description":   "Replace the roof",
		"goal":          goal,
		"duration_days": days,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating campaign, got %d %v", resp.StatusCode, body)
	}
	id := fmt.Sprintf("%v", body["campaign_id"])
	resp, body = h.do(t, http.MethodPut, "/campaigns/"+id+"/approval", "admin", map[string]bool{"approved": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 approving campaign, got %d %v", resp.StatusCode, body)
	}
	return id
}

func TestRoutes_FullSuccessfulLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createApproved(t, 100, 7)

	resp, body := h.do(t, http.MethodPost, "/campaigns/"+id+"/contributions", "backer", map[string]uint64{"amount": 120})
	if resp.StatusCode != http.StatusCreated || body["kind"] != domain.TransferContribution {
		t.Fatalf("expected contribution accepted, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/campaigns/"+id+"/withdraw", "backer", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner withdrawal, got %d %v", resp.StatusCode, body)
	}

	// The goal is met, so the owner may withdraw before the deadline.
	h.clock.advance(24 * time.Hour)
	resp, body = h.do(t, http.MethodPost, "/campaigns/"+id+"/withdraw", "owner", nil)
	if resp.StatusCode != http.StatusOK || body["amount"].(float64) != 120 {
		t.Fatalf("expected withdrawal of 120, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/campaigns/"+id+"/withdraw", "owner", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second withdrawal, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodPost, "/campaigns/"+id+"/contributions", "late-backer", map[string]uint64{"amount": 5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 contributing after withdrawal, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/campaigns/"+id, "", nil)
	if resp.StatusCode != http.StatusOK || body["withdrawn"] != true || body["escrow_held"].(float64) != 0 {
		t.Fatalf("expected withdrawn campaign with empty escrow, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/summary", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected summary, got %d", resp.StatusCode)
	}
	if body["total_withdrawn"].(float64) != 120 || body["locked_in_escrow"].(float64) != 0 {
		t.Fatalf("expected 120 withdrawn and nothing locked, got %v", body)
	}
}

func TestRoutes_RefundFlowAndContributionLookup(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createApproved(t, 1000, 1)

	h.do(t, http.MethodPost, "/campaigns/"+id+"/contributions", "backer", map[string]uint64{"amount": 300})

	resp, body := h.do(t, http.MethodGet, "/campaigns/"+id+"/contributions/backer", "", nil)
	if resp.StatusCode != http.StatusOK || body["amount"].(float64) != 300 {
		t.Fatalf("expected balance 300, got %d %v", resp.StatusCode, body)
	}

	h.clock.advance(2 * 24 * time.Hour)
	resp, body = h.do(t, http.MethodPost, "/campaigns/"+id+"/refund", "backer", nil)
	if resp.StatusCode != http.StatusOK || body["amount"].(float64) != 300 {
		t.Fatalf("expected refund of 300, got %d %v", resp.StatusCode, body)
	}
	resp, _ = h.do(t, http.MethodPost, "/campaigns/"+id+"/refund", "backer", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second refund, got %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodGet, "/campaigns/"+id+"/insights", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected insights, got %d %v", resp.StatusCode, body)
	}
}

func TestRoutes_ErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   interface{}
		want   int
	}{
		{name: "unknown campaign", method: http.MethodGet, path: "/campaigns/42", want: http.StatusNotFound},
		{name: "malformed id", method: http.MethodGet, path: "/campaigns/abc", want: http.StatusBadRequest},
		{name: "invalid goal", method: http.MethodPost, path: "/campaigns", caller: "owner", body: map[string]interface{}{"goal": 0, "duration_days": 3}, want: http.StatusBadRequest},
		{name: "invalid duration", method: http.MethodPost, path: "/campaigns", caller: "owner", body: map[string]interface{}{"goal": 5, "duration_days": 0}, want: http.StatusBadRequest},
		{name: "non-admin approval", method: http.MethodPut, path: "/campaigns/0/approval", caller: "owner", body: map[string]bool{"approved": true}, want: http.StatusForbidden},
		{name: "approval without flag", method: http.MethodPut, path: "/campaigns/0/approval", caller: "admin", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "missing token", method: http.MethodPost, path: "/campaigns/0/report", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, tt.method, tt.path, tt.caller, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d %v", tt.want, resp.StatusCode, body)
			}
		})
	}
}

func TestRoutes_ContributionStateConflicts(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, http.MethodPost, "/campaigns", "owner", map[string]interface{}{"goal": 10, "duration_days": 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create failed: %d %v", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodPost, "/campaigns/0/contributions", "backer", map[string]uint64{"amount": 5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for pending campaign, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/campaigns/0/contributions", "backer", map[string]uint64{"amount": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", resp.StatusCode)
	}

	h.do(t, http.MethodPut, "/campaigns/0/approval", "admin", map[string]bool{"approved": true})
	resp, body = h.do(t, http.MethodPut, "/campaigns/0/hold", "admin", map[string]bool{"held": true})
	if resp.StatusCode != http.StatusOK || body["held"] != true {
		t.Fatalf("expected held campaign, got %d %v", resp.StatusCode, body)
	}
	resp, _ = h.do(t, http.MethodPost, "/campaigns/0/contributions", "backer", map[string]uint64{"amount": 5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for held campaign, got %d", resp.StatusCode)
	}
}

func TestRoutes_TransferFailureMapsToBadGateway(t *testing.T) {
	h := newHarness(t, rejectingTransfers{})
	id := h.createApproved(t, 10, 1)

	resp, body := h.do(t, http.MethodPost, "/campaigns/"+id+"/contributions", "backer", map[string]uint64{"amount": 5})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, http.MethodGet, "/campaigns/"+id+"/contributions/backer", "", nil)
	if resp.StatusCode != http.StatusOK || body["amount"].(float64) != 0 {
		t.Fatalf("expected no balance after failed settlement, got %v", body)
	}
}

func TestRoutes_ReportIsIdempotentPerCaller(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createApproved(t, 10, 1)

	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodPost, "/campaigns/"+id+"/report", "backer", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on report %d, got %d", i, resp.StatusCode)
		}
	}
	_, body := h.do(t, http.MethodGet, "/campaigns/"+id, "", nil)
	if body["report_count"].(float64) != 1 {
		t.Fatalf("expected report_count 1, got %v", body["report_count"])
	}
}

func TestRoutes_JournalRequiresModerator(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createApproved(t, 10, 1)

	resp, _ := h.do(t, http.MethodGet, "/campaigns/"+id+"/journal", "owner", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/campaigns/"+id+"/journal", "admin", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without persisted journal, got %d", resp.StatusCode)
	}
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %v %v", resp, err)
	}
	resp.Body.Close()

	h.createApproved(t, 10, 1)
	resp, err = http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `test_escrow_operations_total{op="approve",outcome="success"} 1`) {
		t.Fatalf("expected approve metric, got:\n%s", buf.String())
	}
}

func TestCallerAuthMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := GetCallerIdentity(r.Context())
		seen = caller.String()
		w.WriteHeader(http.StatusNoContent)
	})
	mw := CallerAuthMiddleware(AuthConfig{Secret: testSecret, Issuer: "crowdfund-test", Audience: "crowdfund"})(next)

	audienceToken := func(subject string, audience string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "crowdfund-test",
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, _ := token.SignedString(testSecret)
		return signed
	}

	tests := []struct {
		name   string
		header string
		want   int
		caller string
	}{
		{name: "valid", header: "Bearer " + audienceToken("user-1", "crowdfund"), want: http.StatusNoContent, caller: "user-1"},
		{name: "wrong audience", header: "Bearer " + audienceToken("user-1", "other"), want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "user-1", "crowdfund-test", []byte("nope")), want: http.StatusUnauthorized},
		{name: "empty subject", header: "Bearer " + audienceToken(" ", "crowdfund"), want: http.StatusUnauthorized},
		{name: "no bearer prefix", header: "Token abc", want: http.StatusUnauthorized},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/campaigns", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
			if seen != tt.caller {
				t.Fatalf("expected caller %q, got %q", tt.caller, seen)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{escrow.ErrNotFound, http.StatusNotFound},
		{escrow.ErrNotAdmin, http.StatusForbidden},
		{escrow.ErrNotOwner, http.StatusForbidden},
		{escrow.ErrInvalidAmount, http.StatusBadRequest},
		{escrow.ErrNothingToRefund, http.StatusConflict},
		{escrow.ErrGoalWasReached, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", escrow.ErrOverflow), http.StatusUnprocessableEntity},
		{&app.RateLimitError{Scope: app.ScopeReport, RetryAfterSeconds: 3}, http.StatusTooManyRequests},
		{fmt.Errorf("%w: %w", escrow.ErrTransferFailed, errors.New("timeout")), http.StatusBadGateway},
		{escrow.ErrJournalFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
