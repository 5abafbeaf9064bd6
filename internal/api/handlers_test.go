package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/lifecycle"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/orchestrator"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/reconciler"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/repository"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/session"
)

// stubGateway serves both the waterfall and the orchestrator in handler
// tests.
type stubGateway struct {
	authorizeResult *domain.CallResult
}

func (s *stubGateway) InitHPFSession(context.Context, string) (*gateway.HPFSession, error) {
	return nil, fmt.Errorf("%w: connection refused", domain.ErrNetwork)
}

func (s *stubGateway) BackofficeToken(context.Context) (string, error) {
	return "", fmt.Errorf("%w: sign-in HTTP 401", domain.ErrRejected)
}

func (s *stubGateway) FetchHPFScript(context.Context, string) (*gateway.HPFScript, error) {
	return nil, fmt.Errorf("%w: no script", domain.ErrRejected)
}

func (s *stubGateway) CreateHPPOrder(context.Context, string, gateway.HPPOrderRequest) (*gateway.HPPOrder, error) {
	return nil, fmt.Errorf("%w: HTTP 404", domain.ErrRejected)
}

func (s *stubGateway) Authorize(context.Context, gateway.AuthorizeRequest) (*domain.CallResult, error) {
	return s.authorizeResult, nil
}

func (s *stubGateway) Capture(context.Context, *domain.Transaction, int64) (*domain.CallResult, error) {
	return &domain.CallResult{Outcome: domain.OutcomeApproved}, nil
}

func (s *stubGateway) Refund(context.Context, *domain.Transaction, int64) (*domain.CallResult, error) {
	return &domain.CallResult{Outcome: domain.OutcomeApproved}, nil
}

func (s *stubGateway) Cancel(context.Context, *domain.Transaction) (*domain.CallResult, error) {
	return &domain.CallResult{Outcome: domain.OutcomeApproved}, nil
}

func (s *stubGateway) QueryStatus(context.Context, string) (*domain.CallResult, error) {
	return &domain.CallResult{Outcome: domain.OutcomePending}, nil
}

func testServer(t *testing.T, gw *stubGateway) *httptest.Server {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		MIDUSD:        "mid-usd",
		PaymentAPIURL: "https://payment.test",
		BackofficeURL: "https://backoffice.test",
		HPPBaseURL:    "https://hpp.test",
		StepTimeout:   100 * time.Millisecond,
	}

	txs := repository.NewTransactionRepo(db)
	whs := repository.NewWebhookRepo(db)
	locks := lifecycle.NewTxLocks()

	router := NewRouter(
		session.NewController(cfg, gw),
		orchestrator.NewService(cfg, txs, gw, locks),
		reconciler.NewService(whs, txs, locks),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPaymentEndpointPersistsAuthorization(t *testing.T) {
	srv := testServer(t, &stubGateway{authorizeResult: &domain.CallResult{
		Outcome:       domain.OutcomeApproved,
		TransactionID: "900001",
		ResponseCode:  "GTW_1000",
	}})

	resp := postJSON(t, srv.URL+"/api/v1/netvalve/payment",
		`{"payment_token":"tok-1","amount":100.00,"currency":"USD","order_ref":"order-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Transaction *domain.Transaction `json:"transaction"`
		Call        *domain.CallResult  `json:"call"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Transaction == nil || body.Transaction.State != domain.StateAuthorized {
		t.Fatalf("body = %+v", body)
	}
	if body.Transaction.Amount != 10000 {
		t.Fatalf("amount = %d, want 10000 minor units", body.Transaction.Amount)
	}
}

func TestCaptureWithoutAuthorizationIs409(t *testing.T) {
	srv := testServer(t, &stubGateway{authorizeResult: &domain.CallResult{
		Outcome:       domain.OutcomePending,
		TransactionID: "900001",
	}})

	postJSON(t, srv.URL+"/api/v1/netvalve/payment",
		`{"payment_token":"tok-1","amount":100.00,"currency":"USD","order_ref":"order-1"}`)

	resp := postJSON(t, srv.URL+"/api/v1/netvalve/capture",
		`{"transaction_id":"900001"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSessionExhaustionIs502WithTrail(t *testing.T) {
	srv := testServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/api/v1/netvalve/hpf/session",
		`{"currency":"USD","amount":100.00,"order_ref":"order-1"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	var body struct {
		Attempts   []domain.WaterfallAttempt `json:"attempts"`
		Diagnostic string                    `json:"diagnostic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Only one MID is configured, so the default-MID variant is skipped.
	if len(body.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 4", len(body.Attempts))
	}
	if body.Diagnostic == "" {
		t.Fatal("response must carry the diagnostic")
	}
}

func TestWebhookUnmatchedIs422(t *testing.T) {
	srv := testServer(t, &stubGateway{})

	resp := postJSON(t, srv.URL+"/api/v1/netvalve/webhook",
		`{"type":"payment.captured","event_id":"evt-1","transactionID":"999999"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestWebhookAppliedIs200(t *testing.T) {
	srv := testServer(t, &stubGateway{authorizeResult: &domain.CallResult{
		Outcome:       domain.OutcomeApproved,
		TransactionID: "900001",
		ResponseCode:  "GTW_1000",
	}})

	postJSON(t, srv.URL+"/api/v1/netvalve/payment",
		`{"payment_token":"tok-1","amount":100.00,"currency":"USD","order_ref":"order-1"}`)

	resp := postJSON(t, srv.URL+"/api/v1/netvalve/webhook",
		`{"type":"payment.captured","event_id":"evt-1","transactionID":"900001","amount":100.00}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var ack reconciler.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.Status != domain.WebhookApplied || ack.State != domain.StateCaptured {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestFailedWebhookListHonorsLimitParam(t *testing.T) {
	srv := testServer(t, &stubGateway{})

	// Two unmatched deliveries end up stored as failed.
	for _, id := range []string{"evt-1", "evt-2"} {
		resp := postJSON(t, srv.URL+"/api/v1/netvalve/webhook",
			fmt.Sprintf(`{"type":"payment.captured","event_id":%q,"transactionID":"999999"}`, id))
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, want 422", resp.StatusCode)
		}
	}

	count := func(query string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/v1/netvalve/webhooks/failed" + query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Count
	}

	if got := count("?limit=1"); got != 1 {
		t.Fatalf("count with limit=1 = %d, want 1", got)
	}
	// Garbage and missing limits fall back to the default.
	if got := count("?limit=abc"); got != 2 {
		t.Fatalf("count with garbage limit = %d, want 2", got)
	}
	if got := count(""); got != 2 {
		t.Fatalf("count without limit = %d, want 2", got)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	srv := testServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/api/v1/netvalve/transactions/999999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
