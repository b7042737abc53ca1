package paymentwatch

import (
	"time"

	"github.com/pkg/errors"

	"storefront/internal/v2/hostbridge"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

// Phase of one watch session
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseInitiating           Phase = "initiating"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseConfirmed            Phase = "confirmed"
	PhaseTimedOut             Phase = "timed_out"
	PhaseFailed               Phase = "failed"
	PhaseCancelled            Phase = "cancelled"
)

// Terminal phases end the session; a new Pay starts a fresh one.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseConfirmed, PhaseTimedOut, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// State is the observable progress of a session
type State struct {
	OrderID        int64                     `json:"order_id"`
	Rail           types.Rail                `json:"rail"`
	Phase          Phase                     `json:"phase"`
	ElapsedMs      int64                     `json:"elapsed_ms"`
	InvoiceOutcome hostbridge.InvoiceOutcome `json:"invoice_outcome,omitempty"`
	ErrorKind      api.ErrorType             `json:"error_kind,omitempty"`
	Err            error                     `json:"-"`
}

// sessionState is advanced only through its on* transitions. Each returns false
// when the move is not allowed from the current phase, so late events after a
// terminal phase are ignored.
type sessionState struct {
	orderID int64
	rail    types.Rail
	phase   Phase

	started       time.Time
	awaitingSince time.Time
	ended         time.Time

	attempt        types.PaymentAttempt
	invoiceOutcome hostbridge.InvoiceOutcome
	err            error
}

func newSessionState(orderID int64, rail types.Rail) *sessionState {
	return &sessionState{orderID: orderID, rail: rail, phase: PhaseIdle}
}

func (s *sessionState) begin(now time.Time) bool {
	if s.phase != PhaseIdle {
		return false
	}
	s.phase = PhaseInitiating
	s.started = now
	s.attempt = types.PaymentAttempt{OrderID: s.orderID, Rail: s.rail, CreatedAt: now}
	return true
}

func (s *sessionState) onInitiated(now time.Time, res types.InitiationResult) bool {
	if s.phase != PhaseInitiating {
		return false
	}
	s.phase = PhaseAwaitingConfirmation
	s.awaitingSince = now
	s.attempt.InvoiceRef = res.InvoiceRef
	if s.attempt.InvoiceRef == "" {
		s.attempt.InvoiceRef = res.RedirectRef
	}
	return true
}

func (s *sessionState) onInitiationFailed(now time.Time, err error) bool {
	if s.phase != PhaseInitiating {
		return false
	}
	s.finish(now, PhaseFailed, asInitiationFailure(err))
	return true
}

// onActionFailed handles a host that could not open the invoice or redirect.
func (s *sessionState) onActionFailed(now time.Time, err error) bool {
	if s.phase != PhaseAwaitingConfirmation {
		return false
	}
	s.finish(now, PhaseFailed, asInitiationFailure(err))
	return true
}

func (s *sessionState) onInvoiceOutcome(outcome hostbridge.InvoiceOutcome) bool {
	if s.phase.Terminal() || s.invoiceOutcome == outcome {
		return false
	}
	s.invoiceOutcome = outcome
	return true
}

func (s *sessionState) onStatus(now time.Time, status types.OrderStatus) bool {
	if s.phase != PhaseAwaitingConfirmation {
		return false
	}
	switch status {
	case types.OrderPaid:
		s.finish(now, PhaseConfirmed, nil)
		return true
	case types.OrderFailed:
		s.finish(now, PhaseFailed, errors.Errorf("order %d reported failed by server", s.orderID))
		return true
	}
	return false
}

func (s *sessionState) onStatusError(now time.Time, err error) bool {
	if s.phase != PhaseAwaitingConfirmation {
		return false
	}
	s.finish(now, PhaseFailed, errors.Wrapf(err, "read status of order %d", s.orderID))
	return true
}

// onTick times the session out once deadline has passed since entering awaiting_confirmation.
func (s *sessionState) onTick(now time.Time, deadline time.Duration) bool {
	if s.phase != PhaseAwaitingConfirmation || now.Sub(s.awaitingSince) < deadline {
		return false
	}
	s.finish(now, PhaseTimedOut, errors.Wrapf(api.ErrTimedOut, "order %d not paid within %v", s.orderID, deadline))
	return true
}

func (s *sessionState) onCancel(now time.Time) bool {
	if s.phase.Terminal() {
		return false
	}
	s.finish(now, PhaseCancelled, errors.Wrapf(api.ErrCancelled, "payment watch for order %d", s.orderID))
	return true
}

func (s *sessionState) finish(now time.Time, phase Phase, err error) {
	s.phase = phase
	s.ended = now
	s.err = err
}

func (s *sessionState) snapshot(now time.Time) State {
	st := State{
		OrderID:        s.orderID,
		Rail:           s.rail,
		Phase:          s.phase,
		InvoiceOutcome: s.invoiceOutcome,
		Err:            s.err,
		ErrorKind:      api.KindOf(s.err),
	}
	switch {
	case s.started.IsZero():
	case s.phase.Terminal():
		st.ElapsedMs = s.ended.Sub(s.started).Milliseconds()
	default:
		st.ElapsedMs = now.Sub(s.started).Milliseconds()
	}
	return st
}

func asInitiationFailure(err error) error {
	if errors.Is(err, api.ErrPaymentInitiationFailed) {
		return err
	}
	return errors.Wrapf(api.ErrPaymentInitiationFailed, "%v", err)
}
