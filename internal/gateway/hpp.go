package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/currency"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

// HPPOrderRequest carries the parameters for creating a hosted payment page
// order as the redirect-based fallback to hosted fields.
type HPPOrderRequest struct {
	Amount    int64 // minor units
	Currency  string
	OrderRef  string
	OrderDesc string
	MID       string
}

// HPPOrder is a created hosted payment page order.
type HPPOrder struct {
	RedirectURL   string
	OrderID       string
	TransactionID string
	Endpoint      string
}

// CreateHPPOrder creates an HPP order, probing the configured host/path
// candidates in order and returning the first response that yields a
// redirect URL.
func (c *Client) CreateHPPOrder(ctx context.Context, token string, req HPPOrderRequest) (*HPPOrder, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no bearer token for hpp order", domain.ErrRejected)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: hpp order needs a positive amount", domain.ErrRejected)
	}
	if req.MID == "" || c.cfg.SiteID == "" {
		return nil, fmt.Errorf("%w: hpp order needs a site id and merchant id", domain.ErrRejected)
	}

	cur := currency.Normalize(req.Currency)
	if cur == "" {
		cur = "USD"
	}

	returnBase := strings.TrimRight(c.cfg.ReturnBaseURL, "/")
	payload, _ := json.Marshal(map[string]any{
		"mode":          c.cfg.HPPMode,
		"amount":        currency.ToDecimal(req.Amount, cur),
		"currency":      cur,
		"siteId":        c.cfg.SiteID,
		"netvalveMidId": req.MID,
		"clientOrderId": req.OrderRef,
		"orderDesc":     sanitizeOrderDesc(req.OrderDesc, "Order "+req.OrderRef),
		"successUrl":    returnBase + "/payment?netvalve_status=success",
		"cancelUrl":     returnBase + "/payment?netvalve_status=cancel",
		"failedUrl":     returnBase + "/payment?netvalve_status=failed",
		"pendingUrl":    returnBase + "/payment?netvalve_status=pending",
	})

	var lastErr error
	for _, endpoint := range c.hppOrderCandidates() {
		order, err := c.tryHPPOrder(ctx, endpoint, token, payload)
		if err != nil {
			log.Printf("[gateway] hpp order candidate %s failed: %v", endpoint, err)
			lastErr = err
			continue
		}
		order.Endpoint = endpoint
		return order, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no hpp order endpoint configured", domain.ErrRejected)
}

func (c *Client) tryHPPOrder(ctx context.Context, endpoint, token string, payload []byte) (*HPPOrder, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: hpp order: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: hpp order HTTP %d", domain.ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: hpp order HTTP %d: %s",
			domain.ErrRejected, resp.StatusCode, readBody(resp.Body))
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("%w: hpp order returned non-JSON content", domain.ErrProtocol)
	}

	var parsed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: hpp order: %v", domain.ErrProtocol, err)
	}

	redirect := normalizeHPPRedirect(parsed)
	if redirect == "" {
		return nil, fmt.Errorf("%w: hpp order response carries no redirect url", domain.ErrProtocol)
	}

	return &HPPOrder{
		RedirectURL:   redirect,
		OrderID:       stringField(parsed, "orderId", "orderID"),
		TransactionID: stringField(parsed, "transactionID", "transactionId"),
	}, nil
}

// hppOrderCandidates builds the deduplicated (host x path) probe list, with
// configured overrides first.
func (c *Client) hppOrderCandidates() []string {
	var hosts []string
	for _, h := range []string{c.cfg.HPPOrderHost, c.cfg.HPPBaseURL} {
		if h != "" {
			hosts = append(hosts, strings.TrimRight(h, "/"))
		}
	}

	var paths []string
	for _, p := range []string{c.cfg.HPPOrderPath, "/hpp/order", "/order"} {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		paths = append(paths, p)
	}

	seen := make(map[string]bool)
	var candidates []string
	for _, host := range hosts {
		for _, path := range paths {
			full := host + path
			if !seen[full] {
				seen[full] = true
				candidates = append(candidates, full)
			}
		}
	}
	return candidates
}

// normalizeHPPRedirect extracts the redirect URL from the various response
// shapes the HPP API is known to produce, including nested envelopes.
func normalizeHPPRedirect(m map[string]any) string {
	sources := []map[string]any{m}
	for _, k := range []string{"data", "payload", "order"} {
		if nested, ok := m[k].(map[string]any); ok {
			sources = append(sources, nested)
		}
	}

	keys := []string{"redirectUrl", "redirect_url", "url", "paymentUrl", "payment_url"}
	for _, src := range sources {
		for _, k := range keys {
			if v, ok := src[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}
