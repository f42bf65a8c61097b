/**
 * @description
 * This file contains the HTTP handlers for the crowdfund-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the escrow engine.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/sirupsen/logrus: Structured request outcome logging.
 * - internal/app, internal/domain, internal/escrow: Service logic, models and errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/app"
	"github.com/transfa/crowdfund-service/internal/domain"
	"github.com/transfa/crowdfund-service/internal/escrow"
)

// CrowdfundHandlers holds the application service that handlers will use.
type CrowdfundHandlers struct {
	service *app.Service
	logger  logrus.FieldLogger
}

// NewCrowdfundHandlers creates a new instance of CrowdfundHandlers.
func NewCrowdfundHandlers(service *app.Service, logger logrus.FieldLogger) *CrowdfundHandlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CrowdfundHandlers{service: service, logger: logger.WithField("component", "api")}
}

type createCampaignResponse struct {
	CampaignID domain.CampaignID `json:"campaign_id"`
	Status     string            `json:"status"`
}

type contributeRequest struct {
	Amount domain.Amount `json:"amount"`
}

type transferResponse struct {
	CampaignID  domain.CampaignID `json:"campaign_id"`
	TransferID  string            `json:"transfer_id"`
	Kind        string            `json:"kind"`
	Amount      domain.Amount     `json:"amount"`
	Reference   string            `json:"reference,omitempty"`
	Message     string            `json:"message"`
	RequestedAt int64             `json:"requested_at"`
}

type approvalRequest struct {
	Approved *bool `json:"approved"`
}

type holdRequest struct {
	Held *bool `json:"held"`
}

func buildTransferResponse(instruction *domain.TransferInstruction, message string) transferResponse {
	return transferResponse{
		CampaignID:  instruction.CampaignID,
		TransferID:  instruction.ID.String(),
		Kind:        instruction.Kind,
		Amount:      instruction.Amount,
		Reference:   instruction.Reference,
		Message:     message,
		RequestedAt: instruction.RequestedAt.Unix(),
	}
}

// CreateCampaignHandler registers a new campaign owned by the caller.
func (h *CrowdfundHandlers) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.CreateCampaignParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithFields(logrus.Fields{"endpoint": "create_campaign", "outcome": "reject", "reason": "invalid_json"}).WithError(err).Warn("request rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	id, err := h.service.CreateCampaign(r.Context(), caller, req)
	if err != nil {
		h.fail(w, "create_campaign", caller, err)
		return
	}

	h.logger.WithFields(logrus.Fields{"endpoint": "create_campaign", "outcome": "accepted", "caller": caller, "campaign_id": id}).Info("campaign created")
	writeJSON(w, http.StatusCreated, createCampaignResponse{CampaignID: id, Status: domain.ModerationPending})
}

// ListCampaignsHandler lists every campaign with its lifecycle state.
func (h *CrowdfundHandlers) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.Campaigns()
	if err != nil {
		h.fail(w, "list_campaigns", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": views,
		"count":     len(views),
	})
}

// GetCampaignHandler returns one campaign.
func (h *CrowdfundHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.service.Campaign(id)
	if err != nil {
		h.fail(w, "get_campaign", "", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetContributionHandler returns the refundable balance of an identity.
func (h *CrowdfundHandlers) GetContributionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}
	who := domain.Identity(chi.URLParam(r, "identity"))
	contribution, err := h.service.ContributionOf(id, who)
	if err != nil {
		h.fail(w, "get_contribution", "", err)
		return
	}
	writeJSON(w, http.StatusOK, contribution)
}

// GetInsightsHandler returns the backer insights of a campaign.
func (h *CrowdfundHandlers) GetInsightsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}
	insights, err := h.service.Insights(id)
	if err != nil {
		h.fail(w, "get_insights", "", err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// GetSummaryHandler returns the platform finance summary.
func (h *CrowdfundHandlers) GetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary()
	if err != nil {
		h.fail(w, "get_summary", "", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ContributeHandler moves value from the caller into a campaign's escrow.
func (h *CrowdfundHandlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	var req contributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithFields(logrus.Fields{"endpoint": "contribute", "outcome": "reject", "reason": "invalid_json"}).WithError(err).Warn("request rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	instruction, err := h.service.Contribute(r.Context(), caller, id, req.Amount)
	if err != nil {
		h.fail(w, "contribute", caller, err)
		return
	}
	writeJSON(w, http.StatusCreated, buildTransferResponse(instruction, "Contribution received"))
}

// WithdrawHandler releases the raised funds to the campaign owner.
func (h *CrowdfundHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	instruction, err := h.service.Withdraw(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "withdraw", caller, err)
		return
	}
	writeJSON(w, http.StatusOK, buildTransferResponse(instruction, "Funds released"))
}

// RefundHandler returns the caller's balance of a failed campaign.
func (h *CrowdfundHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	instruction, err := h.service.Refund(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "refund", caller, err)
		return
	}
	writeJSON(w, http.StatusOK, buildTransferResponse(instruction, "Refund issued"))
}

// ReportHandler flags a campaign on behalf of the caller.
func (h *CrowdfundHandlers) ReportHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Report(r.Context(), caller, id); err != nil {
		h.fail(w, "report", caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Report recorded"})
}

// ApprovalHandler sets the approval flag. Moderator only.
func (h *CrowdfundHandlers) ApprovalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		writeError(w, http.StatusBadRequest, "Request body must contain a boolean 'approved' field")
		return
	}

	if err := h.service.Approve(r.Context(), caller, id, *req.Approved); err != nil {
		h.fail(w, "approve", caller, err)
		return
	}
	h.writeCampaign(w, id)
}

// HoldHandler sets the hold flag. Moderator only.
func (h *CrowdfundHandlers) HoldHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Held == nil {
		writeError(w, http.StatusBadRequest, "Request body must contain a boolean 'held' field")
		return
	}

	if err := h.service.SetHeld(r.Context(), caller, id, *req.Held); err != nil {
		h.fail(w, "set_held", caller, err)
		return
	}
	h.writeCampaign(w, id)
}

// JournalHandler returns the persisted operations of a campaign. Moderator only.
func (h *CrowdfundHandlers) JournalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := campaignIDParam(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.service.JournalFor(r.Context(), caller, id, limit)
	if err != nil {
		h.fail(w, "journal", caller, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": records})
}

func (h *CrowdfundHandlers) writeCampaign(w http.ResponseWriter, id domain.CampaignID) {
	view, err := h.service.Campaign(id)
	if err != nil {
		h.fail(w, "get_campaign", "", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *CrowdfundHandlers) caller(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	caller, ok := GetCallerIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get caller identity from context")
		return "", false
	}
	return caller, true
}

func (h *CrowdfundHandlers) fail(w http.ResponseWriter, endpoint string, caller domain.Identity, err error) {
	status := statusForError(err)
	log := h.logger.WithFields(logrus.Fields{"endpoint": endpoint, "status": status}).WithError(err)
	if !caller.IsZero() {
		log = log.WithField("caller", caller)
	}

	var rle *app.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed")
		message := "Internal server error"
		switch status {
		case http.StatusBadGateway:
			message = "Settlement failed; no funds were moved"
		case http.StatusServiceUnavailable:
			message = err.Error()
		}
		writeError(w, status, message)
		return
	}
	log.Warn("request rejected")
	writeError(w, status, err.Error())
}

// statusForError maps escrow errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrNotAdmin), errors.Is(err, escrow.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidGoal),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrZeroAmount):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrCampaignNotApproved),
		errors.Is(err, escrow.ErrCampaignHeld),
		errors.Is(err, escrow.ErrCampaignEnded),
		errors.Is(err, escrow.ErrCampaignStillOpen),
		errors.Is(err, escrow.ErrGoalNotReached),
		errors.Is(err, escrow.ErrGoalWasReached),
		errors.Is(err, escrow.ErrAlreadyWithdrawn),
		errors.Is(err, escrow.ErrNothingToRefund):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrJournalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func campaignIDParam(w http.ResponseWriter, r *http.Request) (domain.CampaignID, bool) {
	id, err := domain.ParseCampaignID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid campaign id")
		return 0, false
	}
	return id, true
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
