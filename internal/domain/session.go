package domain

import "time"

// WaterfallAttempt records one step of the session-init waterfall.
type WaterfallAttempt struct {
	Step      int       `json:"step"` // 1-based
	Strategy  string    `json:"strategy"`
	MID       string    `json:"mid,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Succeeded bool      `json:"succeeded"`
	ErrorCode string    `json:"error_code,omitempty"`
	At        time.Time `json:"at"`
}

// Session is a usable hosted-fields (or hosted-page) payment session produced
// by the waterfall controller.
type Session struct {
	Flow         string             `json:"flow"` // "hpf" or "hpp"
	ScriptSrc    string             `json:"script_src,omitempty"`
	Integrity    string             `json:"integrity,omitempty"`
	PaymentToken string             `json:"payment_token,omitempty"`
	JWTToken     string             `json:"jwt_token,omitempty"`
	RedirectURL  string             `json:"redirect_url,omitempty"`
	MID          string             `json:"mid,omitempty"`
	Strategy     string             `json:"strategy"`
	Attempts     []WaterfallAttempt `json:"attempts"`
}
