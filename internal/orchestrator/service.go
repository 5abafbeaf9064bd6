package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/lifecycle"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/repository"
)

// Gateway is the slice of the gateway client the orchestrator drives.
type Gateway interface {
	Authorize(ctx context.Context, req gateway.AuthorizeRequest) (*domain.CallResult, error)
	Capture(ctx context.Context, tx *domain.Transaction, amount int64) (*domain.CallResult, error)
	Refund(ctx context.Context, tx *domain.Transaction, amount int64) (*domain.CallResult, error)
	Cancel(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, error)
	QueryStatus(ctx context.Context, transactionID string) (*domain.CallResult, error)
}

// Service coordinates gateway calls with the transaction state machine. All
// state mutations for a given transaction happen under its per-transaction
// lock, so a direct call result and a racing webhook for the same transaction
// serialize instead of clobbering each other.
type Service struct {
	cfg   *config.Config
	repo  *repository.TransactionRepo
	gw    Gateway
	locks *lifecycle.TxLocks
}

func NewService(cfg *config.Config, repo *repository.TransactionRepo, gw Gateway, locks *lifecycle.TxLocks) *Service {
	return &Service{cfg: cfg, repo: repo, gw: gw, locks: locks}
}

// Result pairs the persisted transaction view with the raw gateway outcome of
// the call that produced it. Transaction is nil when the gateway never
// assigned a transaction identifier.
type Result struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Call        *domain.CallResult  `json:"call"`
}

// Authorize runs a sale and, when the gateway assigns a transaction ID,
// persists the transaction with its first lifecycle event. Transport and
// protocol failures come back in the result with no state recorded; there is
// nothing durable to record until the gateway names a transaction.
func (s *Service) Authorize(ctx context.Context, req gateway.AuthorizeRequest) (*Result, error) {
	res, err := s.gw.Authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.TransactionID == "" {
		return &Result{Call: res}, nil
	}

	release := s.locks.Acquire(res.TransactionID)
	defer release()

	currency := strings.ToUpper(req.Currency)
	now := time.Now().UTC()

	tx, err := s.repo.GetByID(res.TransactionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tx = &domain.Transaction{
			ID:        res.TransactionID,
			OrderRef:  req.OrderRef,
			Currency:  currency,
			Amount:    req.Amount,
			State:     domain.StateCreated,
			MID:       s.cfg.MIDFor(currency),
			Route:     currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Insert(tx); err != nil {
			return nil, fmt.Errorf("persist transaction %s: %w", tx.ID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("load transaction %s: %w", res.TransactionID, err)
	}

	if err := s.applyAndSave(tx, domain.Event{
		Type:         domain.EventAuthorize,
		Outcome:      res.Outcome,
		Amount:       req.Amount,
		ResponseCode: res.ResponseCode,
		Reason:       res.DeclineReason,
		Source:       domain.SourceClient,
		OccurredAt:   now,
	}); err != nil {
		return nil, err
	}
	return &Result{Transaction: tx, Call: res}, nil
}

// Capture converts an authorization into a funds transfer. The transaction
// lock is held across the gateway call so a concurrent webhook cannot move
// the state between the call and the event append.
func (s *Service) Capture(ctx context.Context, transactionID string, amount int64) (*Result, error) {
	return s.mutate(ctx, transactionID, domain.EventCapture, func(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, int64, error) {
		if amount <= 0 {
			// Zero means capture the full remaining authorized amount.
			amount = tx.Amount - tx.CapturedAmount
		}
		res, err := s.gw.Capture(ctx, tx, amount)
		return res, amount, err
	})
}

// Refund returns captured funds, partially or in full.
func (s *Service) Refund(ctx context.Context, transactionID string, amount int64) (*Result, error) {
	return s.mutate(ctx, transactionID, domain.EventRefund, func(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, int64, error) {
		if amount <= 0 {
			amount = tx.CapturedAmount - tx.RefundedAmount
		}
		res, err := s.gw.Refund(ctx, tx, amount)
		return res, amount, err
	})
}

// Cancel voids an authorization that has not been captured.
func (s *Service) Cancel(ctx context.Context, transactionID string) (*Result, error) {
	return s.mutate(ctx, transactionID, domain.EventCancel, func(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, int64, error) {
		res, err := s.gw.Cancel(ctx, tx)
		return res, 0, err
	})
}

// Status queries the gateway for the transaction's current status and folds a
// declined or pending answer into the local lifecycle when it moves the state
// forward. An answer that merely confirms the local state is a no-op.
func (s *Service) Status(ctx context.Context, transactionID string) (*Result, error) {
	release := s.locks.Acquire(transactionID)
	defer release()

	tx, err := s.loadLocked(transactionID)
	if err != nil {
		return nil, err
	}

	res, err := s.gw.QueryStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if res.Outcome == domain.OutcomePending || res.Outcome == domain.OutcomeDeclined {
		applyErr := s.applyAndSave(tx, domain.Event{
			Type:         domain.EventStatusChange,
			Outcome:      res.Outcome,
			ResponseCode: res.ResponseCode,
			Reason:       res.DeclineReason,
			Source:       domain.SourceClient,
			OccurredAt:   time.Now().UTC(),
		})
		var cerr *domain.ConsistencyError
		if applyErr != nil && !errors.As(applyErr, &cerr) {
			return nil, applyErr
		}
		if cerr != nil {
			log.Printf("[orchestrator] status for %s does not advance state %s, keeping local view",
				transactionID, tx.State)
		}
	}
	return &Result{Transaction: tx, Call: res}, nil
}

// Get returns the locally stored transaction without touching the gateway.
func (s *Service) Get(transactionID string) (*domain.Transaction, error) {
	release := s.locks.Acquire(transactionID)
	defer release()
	return s.loadLocked(transactionID)
}

// --- internals ---

type gatewayCall func(ctx context.Context, tx *domain.Transaction) (*domain.CallResult, int64, error)

func (s *Service) mutate(ctx context.Context, transactionID string, evType domain.EventType, call gatewayCall) (*Result, error) {
	release := s.locks.Acquire(transactionID)
	defer release()

	tx, err := s.loadLocked(transactionID)
	if err != nil {
		return nil, err
	}

	// Fail fast on transitions the state machine would reject, before any
	// money moves at the gateway.
	if err := precheck(tx, evType); err != nil {
		return nil, err
	}

	res, amount, err := call(ctx, tx)
	if err != nil {
		return nil, err
	}

	if !res.Outcome.Final() {
		// Transport or protocol trouble: the gateway outcome is unknown, so
		// the local state must not move. The caller retries or reconciles
		// through the status operation.
		return &Result{Transaction: tx, Call: res}, nil
	}

	if err := s.applyAndSave(tx, domain.Event{
		Type:         evType,
		Outcome:      res.Outcome,
		Amount:       amount,
		ResponseCode: res.ResponseCode,
		Reason:       res.DeclineReason,
		Source:       domain.SourceClient,
		OccurredAt:   time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return &Result{Transaction: tx, Call: res}, nil
}

func (s *Service) loadLocked(transactionID string) (*domain.Transaction, error) {
	tx, err := s.repo.GetByID(transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ValidationError{Field: "transaction_id", Msg: "unknown transaction"}
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}
	return tx, nil
}

// applyAndSave advances the state machine and persists state plus event
// atomically. An event that only confirms the current state is dropped
// silently; the caller's view of the transaction is already correct.
func (s *Service) applyAndSave(tx *domain.Transaction, ev domain.Event) error {
	if err := lifecycle.Apply(tx, ev); err != nil {
		if lifecycle.IsDuplicateConfirmation(tx.State, ev) {
			log.Printf("[orchestrator] duplicate %s confirmation for %s in state %s, ignoring",
				ev.Type, tx.ID, tx.State)
			return nil
		}
		return err
	}
	if err := s.repo.SaveWithEvent(tx, ev); err != nil {
		return fmt.Errorf("persist event for %s: %w", tx.ID, err)
	}
	return nil
}

// precheck rejects operations that cannot possibly succeed from the current
// state, mirroring the state machine's legality rules for the happy outcome.
func precheck(tx *domain.Transaction, evType domain.EventType) error {
	bad := func() error {
		return &domain.ConsistencyError{
			TransactionID: tx.ID,
			State:         tx.State,
			Event:         evType,
			Outcome:       domain.OutcomeApproved,
		}
	}
	switch evType {
	case domain.EventCapture:
		if tx.State != domain.StateAuthorized && tx.State != domain.StateCapturing {
			return bad()
		}
	case domain.EventRefund:
		if tx.State != domain.StateCaptured && tx.State != domain.StatePartiallyRefunded &&
			tx.State != domain.StateRefunding {
			return bad()
		}
	case domain.EventCancel:
		if tx.State != domain.StateCreated && tx.State != domain.StateAwaitingAuthorization &&
			tx.State != domain.StateAuthorized {
			return bad()
		}
	}
	return nil
}
