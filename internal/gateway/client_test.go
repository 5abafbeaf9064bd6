package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

func testClient(srv *httptest.Server) *Client {
	return NewClient(&config.Config{
		APIKey:        "key",
		ClientID:      "client",
		SiteID:        "site-1",
		MIDUSD:        "mid-usd",
		PaymentAPIURL: srv.URL,
		BackofficeURL: srv.URL,
		HPPBaseURL:    srv.URL,
		CallTimeout:   5 * time.Second,
	})
}

func authReq() AuthorizeRequest {
	return AuthorizeRequest{
		PaymentToken: "tok-1",
		Amount:       10000,
		Currency:     "USD",
		OrderRef:     "order-1",
	}
}

func TestAuthorizeApproved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sale" {
			t.Errorf("path = %s, want /sale", r.URL.Path)
		}
		if r.Header.Get("netvalve-client-id") != "client" || r.Header.Get("netvalve-api-key") != "key" {
			t.Error("missing auth headers")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"transactionID": 900001,
			"responseCode": "GTW_1000",
			"responseCodeType": "APPROVED",
			"responseMessage": "Transaction approved",
			"bankResponseCode": "00"
		}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Authorize(context.Background(), authReq())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Outcome != domain.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", res.Outcome)
	}
	if res.TransactionID != "900001" {
		t.Fatalf("transaction id = %s, want 900001", res.TransactionID)
	}
}

func TestAuthorizeBankDeclineKeepsVerbatimCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"transactionID": 900002,
			"responseCode": "GTW_1000",
			"responseCodeType": "APPROVED",
			"responseMessage": "Transaction processed",
			"bankResponseCode": "51"
		}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Authorize(context.Background(), authReq())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Outcome != domain.OutcomeDeclined {
		t.Fatalf("outcome = %s, want declined", res.Outcome)
	}
	if res.BankResponseCode != "51" {
		t.Fatalf("bank code = %s, want 51 verbatim", res.BankResponseCode)
	}
	if res.DeclineReason != "Insufficient funds" {
		t.Fatalf("decline reason = %q", res.DeclineReason)
	}
}

func TestAuthorizeGatewayCodeDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"responseCode": "BNK_4001",
			"responseCodeType": "DECLINED",
			"responseMessage": "Do not honor"
		}`))
	}))
	defer srv.Close()

	res, err := testClient(srv).Authorize(context.Background(), authReq())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Outcome != domain.OutcomeDeclined {
		t.Fatalf("outcome = %s, want declined", res.Outcome)
	}
	if res.DeclineReason != "Do not honor" {
		t.Fatalf("decline reason = %q, want gateway message verbatim", res.DeclineReason)
	}
}

func TestServerErrorIsNetworkOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := testClient(srv).Authorize(context.Background(), authReq())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Outcome != domain.OutcomeNetworkError {
		t.Fatalf("outcome = %s, want network_error", res.Outcome)
	}
	if !res.Retryable() {
		t.Fatal("network error must be retryable")
	}
}

func TestNonJSONIsProtocolOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	res, err := testClient(srv).Authorize(context.Background(), authReq())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Outcome != domain.OutcomeProtocolError {
		t.Fatalf("outcome = %s, want protocol_error", res.Outcome)
	}
	if res.Retryable() {
		t.Fatal("protocol error must not be marked retryable")
	}
}

func TestCaptureOverAmountFailsWithoutHTTPCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tx := &domain.Transaction{ID: "900001", Currency: "USD", Amount: 10000, CapturedAmount: 4000}
	_, err := testClient(srv).Capture(context.Background(), tx, 7000)

	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if calls.Load() != 0 {
		t.Fatal("validation failure must not reach the gateway")
	}
}

func TestRefundOverCapturedFailsWithoutHTTPCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tx := &domain.Transaction{ID: "900001", Currency: "USD", Amount: 10000, CapturedAmount: 5000, RefundedAmount: 3000}
	_, err := testClient(srv).Refund(context.Background(), tx, 2500)

	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if calls.Load() != 0 {
		t.Fatal("validation failure must not reach the gateway")
	}
}

func TestQueryStatusRejectsNonNumericID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	_, err := testClient(srv).QueryStatus(context.Background(), "not-a-number")
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestBackofficeTokenIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken": "bo-token", "expiresIn": 3600}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	c.cfg.BackofficeUsername = "user"
	c.cfg.BackofficePassword = "pass"

	for i := 0; i < 3; i++ {
		token, err := c.BackofficeToken(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if token != "bo-token" {
			t.Fatalf("token = %s", token)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("sign-in called %d times, want 1 (cached)", calls.Load())
	}
}

func TestCreateHPPOrderNormalizesNestedRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"payment_url": "https://pay.test/p/123"}}`))
	}))
	defer srv.Close()

	order, err := testClient(srv).CreateHPPOrder(context.Background(), "bo-token", HPPOrderRequest{
		Amount:   10000,
		Currency: "USD",
		OrderRef: "order-1",
		MID:      "mid-usd",
	})
	if err != nil {
		t.Fatalf("create hpp order: %v", err)
	}
	if order.RedirectURL != "https://pay.test/p/123" {
		t.Fatalf("redirect = %s", order.RedirectURL)
	}
}

func TestSanitizeOrderDesc(t *testing.T) {
	got := sanitizeOrderDesc("T-shirt  <script>  100% cotton!", "fallback")
	if got != "T-shirt script 100 cotton" {
		t.Fatalf("sanitized = %q", got)
	}
	if sanitizeOrderDesc("!!!", "fallback") != "fallback" {
		t.Fatal("empty result must use the fallback")
	}
}
