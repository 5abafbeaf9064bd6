package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/currency"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/orchestrator"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/reconciler"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/session"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	sessions *session.Controller
	orch     *orchestrator.Service
	recon    *reconciler.Service
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// handleError maps typed domain errors onto HTTP statuses.
func handleError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		writeError(w, http.StatusBadRequest, vErr.Error())
		return
	}

	var cErr *domain.ConsistencyError
	if errors.As(err, &cErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          cErr.Error(),
			"transaction_id": cErr.TransactionID,
			"state":          cErr.State,
		})
		return
	}

	var sErr *domain.SessionInitError
	if errors.As(err, &sErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":      "payment session unavailable",
			"attempts":   sErr.Attempts,
			"diagnostic": sErr.Diagnostic,
		})
		return
	}

	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeCallResult maps non-final gateway outcomes onto upstream-failure
// statuses; final outcomes are reported as 200 regardless of approval.
func writeCallResult(w http.ResponseWriter, res *orchestrator.Result) {
	switch res.Call.Outcome {
	case domain.OutcomeNetworkError:
		writeJSON(w, http.StatusGatewayTimeout, res)
	case domain.OutcomeProtocolError:
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// --- InitSession ---

func (h *Handlers) InitSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Currency  string  `json:"currency"`
		Amount    float64 `json:"amount"`
		OrderRef  string  `json:"order_ref"`
		OrderDesc string  `json:"order_desc"`
		MID       string  `json:"mid"`
	}
	if !decode(w, r, &body) {
		return
	}

	sess, err := h.sessions.InitSession(r.Context(), session.Request{
		Currency:     body.Currency,
		Amount:       currency.ToMinor(body.Amount, body.Currency),
		OrderRef:     body.OrderRef,
		OrderDesc:    body.OrderDesc,
		PreferredMID: body.MID,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Authorize ---

func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentToken  string  `json:"payment_token"`
		PaymentType   string  `json:"payment_type"`
		Amount        float64 `json:"amount"`
		Currency      string  `json:"currency"`
		OrderRef      string  `json:"order_ref"`
		OrderDesc     string  `json:"order_desc"`
		CustomerEmail string  `json:"customer_email"`
		CustomerIP    string  `json:"customer_ip"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := h.orch.Authorize(r.Context(), gateway.AuthorizeRequest{
		PaymentToken:  body.PaymentToken,
		PaymentType:   body.PaymentType,
		Amount:        currency.ToMinor(body.Amount, body.Currency),
		Currency:      body.Currency,
		OrderRef:      body.OrderRef,
		OrderDesc:     body.OrderDesc,
		CustomerEmail: body.CustomerEmail,
		CustomerIP:    body.CustomerIP,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeCallResult(w, res)
}

// --- Capture / Refund / Cancel ---

func (h *Handlers) Capture(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string  `json:"transaction_id"`
		Amount        float64 `json:"amount"` // 0 means full remaining
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := h.orch.Capture(r.Context(), body.TransactionID, currency.ToMinor(body.Amount, ""))
	if err != nil {
		handleError(w, err)
		return
	}
	writeCallResult(w, res)
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string  `json:"transaction_id"`
		Amount        float64 `json:"amount"` // 0 means full captured amount
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := h.orch.Refund(r.Context(), body.TransactionID, currency.ToMinor(body.Amount, ""))
	if err != nil {
		handleError(w, err)
		return
	}
	writeCallResult(w, res)
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TransactionID string `json:"transaction_id"`
	}
	if !decode(w, r, &body) {
		return
	}

	res, err := h.orch.Cancel(r.Context(), body.TransactionID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeCallResult(w, res)
}

// --- Status / Get ---

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("transaction_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	res, err := h.orch.Status(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeCallResult(w, res)
}

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.orch.Get(id)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- Webhook ---

func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ack, err := h.recon.Ingest(raw)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		// Unmatched or inconsistent: reject so the gateway redelivers once
		// the direct call result has landed.
		var cErr *domain.ConsistencyError
		if errors.Is(err, reconciler.ErrUnmatched) || errors.As(err, &cErr) {
			writeJSON(w, http.StatusUnprocessableEntity, ack)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handlers) ListFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	events, err := h.recon.ListFailed(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": events,
		"count":    len(events),
	})
}
