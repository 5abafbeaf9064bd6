package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

// HPFSession is the result of a successful hosted-fields initialization
// against the payment API.
type HPFSession struct {
	ScriptSrc    string
	Integrity    string
	Version      string
	PaymentToken string
	JWTToken     string
	TraceID      string
}

// HPFScript is a hosted-fields script registered in the backoffice.
type HPFScript struct {
	ScriptSrc string
	Integrity string
	Version   string
	ScriptID  int64
}

// InitHPFSession calls GET /hpf/initializeSession on the payment API. The
// merchant ID is advisory routing; the response must carry a script source
// or a payment token to be usable.
func (c *Client) InitHPFSession(ctx context.Context, mid string) (*HPFSession, error) {
	if c.cfg.ClientID == "" || c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: client id or api key not configured", domain.ErrRejected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.PaymentAPIURL+"/hpf/initializeSession", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	req.Header.Set("netvalve-client-id", c.cfg.ClientID)
	req.Header.Set("netvalve-api-key", c.cfg.APIKey)
	if mid != "" {
		req.Header.Set("netvalve-mid-id", mid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: initializeSession: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: initializeSession HTTP %d", domain.ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: initializeSession HTTP %d", domain.ErrRejected, resp.StatusCode)
	}

	var data struct {
		ScriptSrc    string `json:"netvalveScriptSrc"`
		Integrity    string `json:"integrity"`
		Version      string `json:"version"`
		PaymentToken string `json:"paymentToken"`
		JWTToken     string `json:"jwtToken"`
		TraceID      string `json:"traceID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: initializeSession: %v", domain.ErrProtocol, err)
	}
	if data.ScriptSrc == "" && data.PaymentToken == "" {
		return nil, fmt.Errorf("%w: initializeSession returned no script src or payment token", domain.ErrProtocol)
	}

	sess := &HPFSession{
		ScriptSrc:    data.ScriptSrc,
		Integrity:    data.Integrity,
		Version:      data.Version,
		PaymentToken: data.PaymentToken,
		JWTToken:     data.JWTToken,
		TraceID:      data.TraceID,
	}
	if sess.JWTToken == "" && sess.ScriptSrc != "" {
		sess.JWTToken = jwtFromScriptURL(sess.ScriptSrc)
	}
	return sess, nil
}

// BackofficeToken signs in to the backoffice API and returns a bearer token.
// Tokens are cached with a 5-minute pre-expiry buffer.
func (c *Client) BackofficeToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.boToken != "" && time.Now().Before(c.boExpiry.Add(-5*time.Minute)) {
		token := c.boToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if c.cfg.BackofficeUsername == "" || c.cfg.BackofficePassword == "" {
		return "", fmt.Errorf("%w: backoffice credentials not configured", domain.ErrRejected)
	}

	payload, _ := json.Marshal(map[string]string{
		"userName":    c.cfg.BackofficeUsername,
		"password":    c.cfg.BackofficePassword,
		"checkForBot": "net",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BackofficeURL+"/backoffice/users/sign-in", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: backoffice sign-in: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: backoffice sign-in HTTP %d", domain.ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: backoffice sign-in HTTP %d", domain.ErrRejected, resp.StatusCode)
	}

	var data struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("%w: backoffice sign-in: %v", domain.ErrProtocol, err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("%w: backoffice sign-in returned no accessToken", domain.ErrProtocol)
	}

	expiresIn := data.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	c.mu.Lock()
	c.boToken = data.AccessToken
	c.boExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	c.mu.Unlock()

	log.Printf("[gateway] backoffice sign-in ok, token valid for %ds", expiresIn)
	return data.AccessToken, nil
}

// FetchHPFScript lists the hosted-fields scripts registered in the
// backoffice and picks the best candidate: active, not deleted, https only,
// the default script if one is flagged, otherwise the newest.
func (c *Client) FetchHPFScript(ctx context.Context, token string) (*HPFScript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BackofficeURL+"/backoffice/hpf/script", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: hpf scripts: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: hpf scripts HTTP %d", domain.ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: hpf scripts HTTP %d", domain.ErrRejected, resp.StatusCode)
	}

	var scripts []struct {
		ID          int64  `json:"id"`
		ScriptSrc   string `json:"netvalveScriptSrc"`
		Integrity   string `json:"integrity"`
		Version     string `json:"clientVersion"`
		Status      string `json:"status"`
		Deleted     bool   `json:"deleted"`
		IsDefault   bool   `json:"isDefault"`
		CreatedDate string `json:"createdDate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&scripts); err != nil {
		return nil, fmt.Errorf("%w: hpf scripts: %v", domain.ErrProtocol, err)
	}

	type candidate struct {
		script    HPFScript
		isDefault bool
		created   string
	}
	var active []candidate
	for _, s := range scripts {
		if s.Status != "ACTIVE" || s.Deleted || !strings.HasPrefix(s.ScriptSrc, "https://") {
			continue
		}
		active = append(active, candidate{
			script: HPFScript{
				ScriptSrc: s.ScriptSrc,
				Integrity: s.Integrity,
				Version:   s.Version,
				ScriptID:  s.ID,
			},
			isDefault: s.IsDefault,
			created:   s.CreatedDate,
		})
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: no active hpf script in backoffice", domain.ErrRejected)
	}

	for _, c := range active {
		if c.isDefault {
			s := c.script
			return &s, nil
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].created > active[j].created })
	s := active[0].script
	return &s, nil
}

func jwtFromScriptURL(scriptSrc string) string {
	u, err := url.Parse(scriptSrc)
	if err != nil {
		return ""
	}
	return u.Query().Get("jwtToken")
}

// readBody is used by HPP candidate probing where the body is recorded in
// the attempt trail.
func readBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(data)
}
