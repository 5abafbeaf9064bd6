package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/metrics"
)

// Gateway is the slice of the gateway client the waterfall needs.
type Gateway interface {
	InitHPFSession(ctx context.Context, mid string) (*gateway.HPFSession, error)
	BackofficeToken(ctx context.Context) (string, error)
	FetchHPFScript(ctx context.Context, token string) (*gateway.HPFScript, error)
	CreateHPPOrder(ctx context.Context, token string, req gateway.HPPOrderRequest) (*gateway.HPPOrder, error)
}

// Request carries the validated parameters for one session initialization.
type Request struct {
	Currency     string
	Amount       int64 // minor units
	OrderRef     string
	OrderDesc    string
	PreferredMID string // overrides currency routing when set
}

// Controller drives hosted-fields session initialization through an ordered
// sequence of up to five fallback strategies. Strategies are tried strictly
// in order, each under its own timeout; a failed strategy is never retried
// in place and the first success wins.
type Controller struct {
	cfg *config.Config
	gw  Gateway
}

func NewController(cfg *config.Config, gw Gateway) *Controller {
	return &Controller{cfg: cfg, gw: gw}
}

type step struct {
	name     string
	mid      string
	endpoint string
	run      func(ctx context.Context) (*domain.Session, error)
}

// InitSession returns a usable session or a SessionInitError carrying the
// full attempt trail.
func (c *Controller) InitSession(ctx context.Context, req Request) (*domain.Session, error) {
	// Configured overrides short-circuit the waterfall entirely.
	if s := c.configuredOverride(); s != nil {
		metrics.ObserveSessionInit("override", 1)
		return s, nil
	}

	var attempts []domain.WaterfallAttempt
	for i, st := range c.plan(req) {
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		sess, err := st.run(stepCtx)
		cancel()

		att := domain.WaterfallAttempt{
			Step:     i + 1,
			Strategy: st.name,
			MID:      st.mid,
			Endpoint: st.endpoint,
			At:       time.Now().UTC(),
		}

		if err != nil {
			att.ErrorCode = errorCode(err)
			attempts = append(attempts, att)
			log.Printf("[waterfall] step %d (%s) failed: %v", i+1, st.name, err)
			continue
		}

		att.Succeeded = true
		attempts = append(attempts, att)
		sess.Strategy = st.name
		if sess.MID == "" {
			sess.MID = st.mid
		}
		sess.Attempts = attempts

		log.Printf("[waterfall] session initialized via %s after %d attempt(s)", st.name, len(attempts))
		metrics.ObserveSessionInit("success", len(attempts))
		return sess, nil
	}

	metrics.ObserveSessionInit("exhausted", len(attempts))
	return nil, &domain.SessionInitError{
		Attempts:   attempts,
		Diagnostic: diagnostic(attempts),
	}
}

// plan derives the ordered strategy list for the request's currency. Each
// strategy is a distinct (merchant ID, endpoint variant) pair.
func (c *Controller) plan(req Request) []step {
	currencyMID := req.PreferredMID
	if currencyMID == "" {
		currencyMID = c.cfg.MIDFor(req.Currency)
	}
	defaultMID := c.cfg.DefaultMID()

	steps := []step{
		{
			name:     "hpf-direct",
			mid:      currencyMID,
			endpoint: c.cfg.PaymentAPIURL,
			run: func(ctx context.Context) (*domain.Session, error) {
				return c.runHPFDirect(ctx, currencyMID)
			},
		},
	}

	if defaultMID != "" && defaultMID != currencyMID {
		steps = append(steps, step{
			name:     "hpf-direct-default-mid",
			mid:      defaultMID,
			endpoint: c.cfg.PaymentAPIURL,
			run: func(ctx context.Context) (*domain.Session, error) {
				return c.runHPFDirect(ctx, defaultMID)
			},
		})
	}

	steps = append(steps,
		step{
			name:     "hpf-backoffice",
			mid:      currencyMID,
			endpoint: c.cfg.BackofficeURL,
			run:      c.runHPFBackoffice,
		},
		step{
			name:     "hpp-order",
			mid:      currencyMID,
			endpoint: c.cfg.HPPBaseURL,
			run: func(ctx context.Context) (*domain.Session, error) {
				return c.runHPPOrder(ctx, currencyMID, req)
			},
		},
		step{
			name: "hpf-fallback-script",
			run:  c.runFallbackScript,
		},
	)

	return steps
}

func (c *Controller) configuredOverride() *domain.Session {
	now := time.Now().UTC()
	if u := c.cfg.HPPDirectURL; u != "" {
		return &domain.Session{
			Flow:        "hpp",
			RedirectURL: u,
			Strategy:    "configured-hpp-url",
			Attempts: []domain.WaterfallAttempt{
				{Step: 1, Strategy: "configured-hpp-url", Succeeded: true, At: now},
			},
		}
	}
	if src := c.cfg.HPFScriptSrc; src != "" {
		return &domain.Session{
			Flow:      "hpf",
			ScriptSrc: src,
			Integrity: c.cfg.HPFScriptIntegrity,
			Strategy:  "configured-hpf-script",
			Attempts: []domain.WaterfallAttempt{
				{Step: 1, Strategy: "configured-hpf-script", Succeeded: true, At: now},
			},
		}
	}
	return nil
}

func (c *Controller) runHPFDirect(ctx context.Context, mid string) (*domain.Session, error) {
	hpf, err := c.gw.InitHPFSession(ctx, mid)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		Flow:         "hpf",
		ScriptSrc:    hpf.ScriptSrc,
		Integrity:    hpf.Integrity,
		PaymentToken: hpf.PaymentToken,
		JWTToken:     hpf.JWTToken,
		MID:          mid,
	}, nil
}

func (c *Controller) runHPFBackoffice(ctx context.Context) (*domain.Session, error) {
	token, err := c.gw.BackofficeToken(ctx)
	if err != nil {
		return nil, err
	}
	script, err := c.gw.FetchHPFScript(ctx, token)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		Flow:      "hpf",
		ScriptSrc: script.ScriptSrc,
		Integrity: script.Integrity,
	}, nil
}

func (c *Controller) runHPPOrder(ctx context.Context, mid string, req Request) (*domain.Session, error) {
	token, err := c.gw.BackofficeToken(ctx)
	if err != nil {
		return nil, err
	}
	order, err := c.gw.CreateHPPOrder(ctx, token, gateway.HPPOrderRequest{
		Amount:    req.Amount,
		Currency:  req.Currency,
		OrderRef:  req.OrderRef,
		OrderDesc: req.OrderDesc,
		MID:       mid,
	})
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		Flow:        "hpp",
		RedirectURL: order.RedirectURL,
		MID:         mid,
	}, nil
}

func (c *Controller) runFallbackScript(_ context.Context) (*domain.Session, error) {
	src := c.cfg.HPFFallbackScriptSrc
	if src == "" {
		return nil, fmt.Errorf("%w: no fallback hpf script configured", domain.ErrRejected)
	}
	return &domain.Session{
		Flow:      "hpf",
		ScriptSrc: src,
		Integrity: c.cfg.HPFScriptIntegrity,
	}, nil
}

// errorCode maps a step failure onto the trail's compact error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, domain.ErrNetwork):
		return "network_error"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, domain.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

// diagnostic builds the operator-facing summary attached to an exhausted
// waterfall.
func diagnostic(attempts []domain.WaterfallAttempt) string {
	var b strings.Builder
	b.WriteString("payment session could not be initialized\n")
	for _, a := range attempts {
		fmt.Fprintf(&b, "  step %d %s: %s\n", a.Step, a.Strategy, a.ErrorCode)
		if a.Strategy == "hpf-backoffice" && a.ErrorCode == "rejected" {
			b.WriteString("    check NETVALVE_BASIC_AUTH_USERNAME / NETVALVE_BASIC_AUTH_PASSWORD\n")
		}
	}
	b.WriteString("quick fix: set NETVALVE_HPF_SCRIPT_SRC or NETVALVE_HPP_DIRECT_URL")
	return b.String()
}
