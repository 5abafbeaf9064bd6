package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/currency"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/metrics"
)

// Gateway response codes. GTW_1000 is the only approval code; every BNK_
// code other than BNK_2000 is a bank decline.
const (
	approvedResponseCode = "GTW_1000"
	approvedBankCode     = "BNK_2000"
)

// Bank response codes that always mean a decline, with the human-readable
// reason reported alongside the verbatim code.
var bankDeclineReasons = map[string]string{
	"05": "Card declined by issuing bank",
	"51": "Insufficient funds",
	"14": "Invalid card number",
	"54": "Card expired",
	"41": "Card reported lost",
	"43": "Card reported stolen",
	"61": "Exceeds withdrawal limit",
	"62": "Restricted card",
	"65": "Exceeds withdrawal frequency",
}

var declineMessageRE = regexp.MustCompile(
	`(?i)declin|insufficient|invalid|not supported|failed|do not honor|expired|lost|stolen|restricted`,
)

var orderDescStripRE = regexp.MustCompile(`[^\w\s,.\-]`)
var multiSpaceRE = regexp.MustCompile(`\s{2,}`)

// Client is the stateless adapter for the NetValve REST API. It signs
// requests, classifies responses into typed outcomes and never retries; the
// retry policy belongs to the caller.
type Client struct {
	cfg  *config.Config
	http *http.Client

	mu       sync.Mutex
	boToken  string
	boExpiry time.Time
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// AuthorizeRequest carries the validated parameters for a POST /sale call.
type AuthorizeRequest struct {
	PaymentToken  string
	PaymentType   string // "CARD" (hosted fields) or "TOKEN" (stored card)
	Amount        int64  // minor units
	Currency      string
	OrderRef      string
	OrderDesc     string
	CustomerEmail string
	CustomerIP    string
}

// Authorize runs a sale against the gateway. Validation failures are
// returned as errors before any HTTP call; remote outcomes come back inside
// the CallResult.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*domain.CallResult, error) {
	if req.PaymentToken == "" {
		return nil, &domain.ValidationError{Field: "payment_token", Msg: "required"}
	}
	if req.Amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Msg: "must be positive"}
	}
	if req.OrderRef == "" {
		return nil, &domain.ValidationError{Field: "order_ref", Msg: "required"}
	}

	paymentType := strings.ToUpper(req.PaymentType)
	if paymentType == "" {
		paymentType = "CARD"
	}

	cur := currency.Normalize(req.Currency)
	payload := map[string]any{
		"amount":        currency.ToDecimal(req.Amount, cur),
		"currency":      cur,
		"paymentType":   paymentType,
		"paymentToken":  req.PaymentToken,
		"siteId":        c.cfg.SiteID,
		"netvalveMidId": c.cfg.MIDFor(cur),
		"clientOrderId": req.OrderRef,
		"orderDesc":     sanitizeOrderDesc(req.OrderDesc, "Order "+req.OrderRef),
	}
	if req.CustomerEmail != "" {
		payload["customerEmail"] = req.CustomerEmail
	}
	if req.CustomerIP != "" {
		payload["customerIp"] = req.CustomerIP
	}

	return c.call(ctx, "authorize", http.MethodPost, c.cfg.PaymentAPIURL+"/sale", payload), nil
}

// Capture converts an authorization hold into a funds transfer. The amount
// is validated locally against the remaining authorized total; violations
// fail fast without touching the gateway.
func (c *Client) Capture(ctx context.Context, tx *domain.Transaction, amount int64) (*domain.CallResult, error) {
	if amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Msg: "must be positive"}
	}
	if amount > tx.Amount-tx.CapturedAmount {
		return nil, &domain.ValidationError{
			Field: "amount",
			Msg: fmt.Sprintf("capture of %d exceeds remaining authorized amount %d",
				amount, tx.Amount-tx.CapturedAmount),
		}
	}

	txnID, err := numericTransactionID(tx.ID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"transactionID": txnID,
		"amount":        currency.ToDecimal(amount, tx.Currency),
	}
	return c.call(ctx, "capture", http.MethodPost, c.cfg.PaymentAPIURL+"/capture", payload), nil
}

// Refund returns captured funds. The amount must not exceed what remains
// captured after prior refunds.
func (c *Client) Refund(ctx context.Context, tx *domain.Transaction, amount int64) (*domain.CallResult, error) {
	if amount <= 0 {
		return nil, &domain.ValidationError{Field: "amount", Msg: "must be positive"}
	}
	if amount > tx.CapturedAmount-tx.RefundedAmount {
		return nil, &domain.ValidationError{
			Field: "amount",
			Msg: fmt.Sprintf("refund of %d exceeds remaining captured amount %d",
				amount, tx.CapturedAmount-tx.RefundedAmount),
		}
	}

	txnID, err := numericTransactionID(tx.ID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"transactionID": txnID,
		"amount":        currency.ToDecimal(amount, tx.Currency),
	}
	return c.call(ctx, "refund", http.MethodPost, c.cfg.PaymentAPIURL+"/refund", payload), nil
}

// Cancel voids an authorization hold without capturing funds.
func (c *Client) Cancel(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, error) {
	txnID, err := numericTransactionID(tx.ID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"transactionID": txnID}
	return c.call(ctx, "cancel", http.MethodPost, c.cfg.PaymentAPIURL+"/cancel", payload), nil
}

// QueryStatus asks the gateway for the current status of a transaction.
func (c *Client) QueryStatus(ctx context.Context, transactionID string) (*domain.CallResult, error) {
	txnID, err := numericTransactionID(transactionID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/status?transactionID=%d", c.cfg.PaymentAPIURL, txnID)
	return c.call(ctx, "status", http.MethodGet, url, nil), nil
}

// --- transport and classification ---

func (c *Client) call(ctx context.Context, operation, method, url string, payload any) *domain.CallResult {
	start := time.Now()
	res := c.doCall(ctx, method, url, payload)
	metrics.ObserveGatewayCall(operation, string(res.Outcome), time.Since(start).Seconds())

	log.Printf("[gateway] %s: outcome=%s http=%d code=%s txn=%s",
		operation, res.Outcome, res.HTTPStatus, res.ResponseCode, res.TransactionID)
	return res
}

func (c *Client) doCall(ctx context.Context, method, url string, payload any) *domain.CallResult {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &domain.CallResult{Outcome: domain.OutcomeProtocolError, ResponseMessage: err.Error()}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &domain.CallResult{Outcome: domain.OutcomeProtocolError, ResponseMessage: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("netvalve-client-id", c.cfg.ClientID)
	req.Header.Set("netvalve-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, connection resets and the like are transient; the
		// caller may retry with backoff.
		return &domain.CallResult{Outcome: domain.OutcomeNetworkError, ResponseMessage: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.CallResult{Outcome: domain.OutcomeNetworkError, HTTPStatus: resp.StatusCode, ResponseMessage: err.Error()}
	}

	if resp.StatusCode >= 500 {
		return &domain.CallResult{
			Outcome:         domain.OutcomeNetworkError,
			HTTPStatus:      resp.StatusCode,
			ResponseMessage: truncate(string(raw), 200),
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed map[string]any
	if err := dec.Decode(&parsed); err != nil {
		return &domain.CallResult{
			Outcome:         domain.OutcomeProtocolError,
			HTTPStatus:      resp.StatusCode,
			ResponseMessage: "non-JSON response: " + truncate(string(raw), 200),
			Raw:             nil,
		}
	}

	return classify(resp.StatusCode, parsed, raw)
}

// classify maps a parsed gateway response onto the closed outcome set. The
// approval rule requires GTW_1000 with no decline indicator of any kind.
func classify(httpStatus int, m map[string]any, raw []byte) *domain.CallResult {
	responseCode := stringField(m, "responseCode")
	responseMessage := stringField(m, "responseMessage")
	codeType := strings.ToUpper(stringField(m, "responseCodeType"))
	bankCode := stringField(m, "bankResponseCode")

	res := &domain.CallResult{
		TransactionID:    stringField(m, "transactionID", "transactionId"),
		OrderID:          stringField(m, "orderId", "orderID"),
		ResponseCode:     responseCode,
		ResponseMessage:  responseMessage,
		BankResponseCode: bankCode,
		HTTPStatus:       httpStatus,
		Raw:              raw,
	}

	hasDeclineType := strings.Contains(codeType, "DECLINE") ||
		strings.Contains(codeType, "FAILED") ||
		strings.Contains(codeType, "REJECT")
	hasDeclineMessage := declineMessageRE.MatchString(responseMessage)
	isBankDecline := strings.HasPrefix(responseCode, "BNK_") && responseCode != approvedBankCode
	declineReason, hasBankDeclineCode := bankDeclineReasons[bankCode]

	isPending := strings.Contains(codeType, "PENDING") ||
		strings.EqualFold(stringField(m, "status"), "pending")

	switch {
	case httpStatus < 400 && responseCode == approvedResponseCode &&
		!hasDeclineType && !hasDeclineMessage && !isBankDecline && !hasBankDeclineCode:
		res.Outcome = domain.OutcomeApproved

	case hasDeclineType || hasDeclineMessage || isBankDecline || hasBankDeclineCode:
		res.Outcome = domain.OutcomeDeclined
		if declineReason != "" {
			res.DeclineReason = declineReason
		} else {
			res.DeclineReason = responseMessage
		}

	case isPending && httpStatus < 400:
		res.Outcome = domain.OutcomePending

	default:
		res.Outcome = domain.OutcomeProtocolError
	}

	return res
}

// --- helpers ---

func numericTransactionID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: "transaction_id", Msg: "not a numeric gateway identifier"}
	}
	return n, nil
}

// stringField returns the first non-empty value among keys, converting JSON
// numbers to their textual form (the gateway sends transactionID as a
// number).
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// sanitizeOrderDesc keeps alphanumerics, spaces and basic punctuation, caps
// the length at 100 and falls back when nothing survives.
func sanitizeOrderDesc(raw, fallback string) string {
	cleaned := orderDescStripRE.ReplaceAllString(raw, "")
	cleaned = strings.TrimSpace(multiSpaceRE.ReplaceAllString(cleaned, " "))
	if len(cleaned) > 100 {
		cleaned = cleaned[:100]
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
