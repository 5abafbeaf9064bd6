package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
)

type fakeGateway struct {
	initCalls     []string // MIDs in call order
	tokenCalls    int
	scriptCalls   int
	hppCalls      int
	initFn        func(ctx context.Context, mid string) (*gateway.HPFSession, error)
	tokenFn       func(ctx context.Context) (string, error)
	scriptFn      func(ctx context.Context, token string) (*gateway.HPFScript, error)
	createOrderFn func(ctx context.Context, token string, req gateway.HPPOrderRequest) (*gateway.HPPOrder, error)
}

func (f *fakeGateway) InitHPFSession(ctx context.Context, mid string) (*gateway.HPFSession, error) {
	f.initCalls = append(f.initCalls, mid)
	return f.initFn(ctx, mid)
}

func (f *fakeGateway) BackofficeToken(ctx context.Context) (string, error) {
	f.tokenCalls++
	return f.tokenFn(ctx)
}

func (f *fakeGateway) FetchHPFScript(ctx context.Context, token string) (*gateway.HPFScript, error) {
	f.scriptCalls++
	return f.scriptFn(ctx, token)
}

func (f *fakeGateway) CreateHPPOrder(ctx context.Context, token string, req gateway.HPPOrderRequest) (*gateway.HPPOrder, error) {
	f.hppCalls++
	return f.createOrderFn(ctx, token, req)
}

func failingGateway() *fakeGateway {
	return &fakeGateway{
		initFn: func(context.Context, string) (*gateway.HPFSession, error) {
			return nil, fmt.Errorf("%w: connection refused", domain.ErrNetwork)
		},
		tokenFn: func(context.Context) (string, error) {
			return "", fmt.Errorf("%w: sign-in HTTP 401", domain.ErrRejected)
		},
		scriptFn: func(context.Context, string) (*gateway.HPFScript, error) {
			return nil, fmt.Errorf("%w: no active script", domain.ErrRejected)
		},
		createOrderFn: func(context.Context, string, gateway.HPPOrderRequest) (*gateway.HPPOrder, error) {
			return nil, fmt.Errorf("%w: HTTP 404", domain.ErrRejected)
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		MIDUSD:        "mid-usd",
		MIDEUR:        "mid-eur",
		PaymentAPIURL: "https://payment.test",
		BackofficeURL: "https://backoffice.test",
		HPPBaseURL:    "https://hpp.test",
		StepTimeout:   200 * time.Millisecond,
	}
}

func euroRequest() Request {
	return Request{Currency: "EUR", Amount: 10000, OrderRef: "order-1"}
}

func TestFirstStepSucceeds(t *testing.T) {
	gw := failingGateway()
	gw.initFn = func(_ context.Context, mid string) (*gateway.HPFSession, error) {
		return &gateway.HPFSession{ScriptSrc: "https://cdn.test/hpf.js", PaymentToken: "tok-1"}, nil
	}

	sess, err := NewController(testConfig(), gw).InitSession(context.Background(), euroRequest())
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if sess.Strategy != "hpf-direct" {
		t.Fatalf("strategy = %s, want hpf-direct", sess.Strategy)
	}
	if sess.MID != "mid-eur" {
		t.Fatalf("mid = %s, want mid-eur", sess.MID)
	}
	if len(sess.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(sess.Attempts))
	}
	if len(gw.initCalls) != 1 || gw.tokenCalls != 0 {
		t.Fatalf("later strategies must not run after a success")
	}
}

func TestFallbackScriptAfterFourFailures(t *testing.T) {
	cfg := testConfig()
	cfg.HPFFallbackScriptSrc = "https://cdn.test/fallback.js"

	gw := failingGateway()
	sess, err := NewController(cfg, gw).InitSession(context.Background(), euroRequest())
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if sess.Strategy != "hpf-fallback-script" {
		t.Fatalf("strategy = %s, want hpf-fallback-script", sess.Strategy)
	}
	if len(sess.Attempts) != 5 {
		t.Fatalf("attempts = %d, want 5", len(sess.Attempts))
	}
	for _, a := range sess.Attempts[:4] {
		if a.Succeeded {
			t.Fatalf("step %d (%s) recorded as succeeded", a.Step, a.Strategy)
		}
	}
	if !sess.Attempts[4].Succeeded {
		t.Fatal("final step not recorded as succeeded")
	}

	// No strategy runs twice.
	if len(gw.initCalls) != 2 {
		t.Fatalf("hpf-direct called %d times, want 2 (two distinct MIDs)", len(gw.initCalls))
	}
	if gw.initCalls[0] != "mid-eur" || gw.initCalls[1] != "mid-usd" {
		t.Fatalf("MID order = %v, want [mid-eur mid-usd]", gw.initCalls)
	}
}

func TestExhaustionCarriesFullTrail(t *testing.T) {
	gw := failingGateway()
	_, err := NewController(testConfig(), gw).InitSession(context.Background(), euroRequest())

	var sErr *domain.SessionInitError
	if !errors.As(err, &sErr) {
		t.Fatalf("err = %v, want SessionInitError", err)
	}
	if len(sErr.Attempts) != 5 {
		t.Fatalf("attempts = %d, want 5", len(sErr.Attempts))
	}

	wantCodes := []string{"network_error", "network_error", "rejected", "rejected", "rejected"}
	for i, a := range sErr.Attempts {
		if a.Step != i+1 {
			t.Errorf("attempt %d has step %d", i, a.Step)
		}
		if a.ErrorCode != wantCodes[i] {
			t.Errorf("step %d error code = %s, want %s", a.Step, a.ErrorCode, wantCodes[i])
		}
	}
	if sErr.Diagnostic == "" {
		t.Fatal("exhaustion must carry a diagnostic")
	}
}

func TestSlowStepTimesOutAndAdvances(t *testing.T) {
	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.HPFFallbackScriptSrc = "https://cdn.test/fallback.js"

	gw := failingGateway()
	gw.initFn = func(ctx context.Context, _ string) (*gateway.HPFSession, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	sess, err := NewController(cfg, gw).InitSession(context.Background(), euroRequest())
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if sess.Attempts[0].ErrorCode != "timeout" {
		t.Fatalf("step 1 error code = %s, want timeout", sess.Attempts[0].ErrorCode)
	}
	if sess.Strategy != "hpf-fallback-script" {
		t.Fatalf("strategy = %s, want hpf-fallback-script", sess.Strategy)
	}
}

func TestConfiguredHPPURLSkipsWaterfall(t *testing.T) {
	cfg := testConfig()
	cfg.HPPDirectURL = "https://pay.test/checkout"

	gw := failingGateway()
	sess, err := NewController(cfg, gw).InitSession(context.Background(), euroRequest())
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	if sess.Flow != "hpp" || sess.RedirectURL != "https://pay.test/checkout" {
		t.Fatalf("session = %+v, want configured hpp redirect", sess)
	}
	if len(gw.initCalls) != 0 || gw.tokenCalls != 0 {
		t.Fatal("configured override must not touch the gateway")
	}
}
