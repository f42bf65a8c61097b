/**
 * @description
 * This package provides a client for the settlement ledger that actually moves
 * value between contributor accounts, campaign escrow accounts and campaign
 * owners. It implements escrow.Transferer.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// Client is a client for the settlement API.
type Client struct {
	BaseURL    string
	APIKey     string
	Currency   string
	HTTPClient *http.Client
	logger     logrus.FieldLogger
}

// NewClient creates a new settlement API client.
func NewClient(baseURL, apiKey string, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:  strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:   apiKey,
		Currency: "NGN",
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.WithField("component", "settlement_client"),
	}
}

// EscrowTransferRequest represents the payload for a settlement transfer.
type EscrowTransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency   string `json:"currency"`
			Amount     string `json:"amount"`
			Reason     string `json:"reason"`
			Kind       string `json:"kind"`
			CampaignID string `json:"campaignId"`
		} `json:"attributes"`
		Relationships struct {
			Source struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"source"`
			Destination struct {
				Data struct {
					Type string `json:"type"`
					ID   string `json:"id"`
				} `json:"data"`
			} `json:"destination"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferResponse is the expected response from the transfer endpoint.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// APIError is one entry of an error response.
type APIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status string `json:"status"`
}

// ErrorResponse represents an error from the settlement API.
type ErrorResponse struct {
	StatusCode int        `json:"-"`
	Errors     []APIError `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("settlement api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("settlement api error (status %d)", e.StatusCode)
}

// IsExplicitRejection reports whether the API refused the transfer outright,
// as opposed to failing in a way where the outcome is unknown.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Execute performs the transfer described by instruction. The instruction id
// is sent as the idempotency key so retries never move value twice.
func (c *Client) Execute(ctx context.Context, instruction domain.TransferInstruction) (*domain.TransferReceipt, error) {
	payload := EscrowTransferRequest{}
	payload.Data.Type = "EscrowTransfer"
	payload.Data.Attributes.Currency = c.Currency
	payload.Data.Attributes.Amount = instruction.Amount.String()
	payload.Data.Attributes.Reason = fmt.Sprintf("crowdfund:%s:%d", instruction.Kind, instruction.CampaignID)
	payload.Data.Attributes.Kind = instruction.Kind
	payload.Data.Attributes.CampaignID = instruction.CampaignID.String()
	payload.Data.Relationships.Source.Data.Type = accountType(instruction.From)
	payload.Data.Relationships.Source.Data.ID = instruction.From
	payload.Data.Relationships.Destination.Data.Type = accountType(instruction.To)
	payload.Data.Relationships.Destination.Data.ID = instruction.To

	resp, err := c.doTransfer(ctx, instruction.ID.String(), payload)
	if err != nil {
		return nil, err
	}

	status := strings.ToLower(strings.TrimSpace(resp.Data.Attributes.Status))
	if status == "failed" || status == "rejected" {
		return nil, &ErrorResponse{
			StatusCode: http.StatusUnprocessableEntity,
			Errors:     []APIError{{Title: "transfer " + status, Detail: resp.Data.ID}},
		}
	}

	return &domain.TransferReceipt{Reference: resp.Data.ID, Status: status}, nil
}

func accountType(account string) string {
	if strings.HasPrefix(account, "escrow:") {
		return "EscrowAccount"
	}
	return "HolderAccount"
}

// doTransfer executes the transfer request and decodes the response.
func (c *Client) doTransfer(ctx context.Context, idempotencyKey string, payload interface{}) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-settlement-key", c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			c.logger.WithFields(logrus.Fields{"op": "transfer", "status": resp.StatusCode}).Warn("non-2xx response (unparsable error body)")
			return nil, &ErrorResponse{StatusCode: resp.StatusCode}
		}
		c.logger.WithFields(logrus.Fields{
			"op":     "transfer",
			"status": resp.StatusCode,
			"title":  firstErrorTitle(errResp),
			"detail": firstErrorDetail(errResp),
		}).Warn("transfer rejected")
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	return &successResp, nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
