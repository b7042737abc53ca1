package paymentwatch

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"storefront/internal/constants"
	"storefront/internal/v2/hostbridge"
	"storefront/internal/v2/transport"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

// Listener receives every phase change and invoice outcome of every session
type Listener interface {
	OnPaymentState(st State)
}

type Options struct {
	StatusInterval time.Duration
	// Deadline counts from entering awaiting_confirmation.
	Deadline time.Duration
	Clock    clock.WithTicker
	Registry Registry
}

func (o *Options) setDefaults() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = constants.DefaultStatusInterval
	}
	if o.Deadline <= 0 {
		o.Deadline = constants.DefaultPaymentDeadline
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Registry == nil {
		o.Registry = NewMemoryRegistry()
	}
}

// Watcher turns a pay intent into one initiation side effect and then watches
// the order status until a terminal phase.
type Watcher struct {
	api       transport.PaymentAPI
	bridge    hostbridge.Bridge
	navigator hostbridge.Navigator
	opts      Options
	listener  Listener

	mu       sync.RWMutex
	sessions map[int64]*Session
	// finished keeps only the final state of sessions that reached a terminal phase
	finished map[int64]State
}

func NewWatcher(paymentAPI transport.PaymentAPI, bridge hostbridge.Bridge, navigator hostbridge.Navigator,
	opts Options, listener Listener) *Watcher {
	opts.setDefaults()
	return &Watcher{
		api:       paymentAPI,
		bridge:    bridge,
		navigator: navigator,
		opts:      opts,
		listener:  listener,
		sessions:  make(map[int64]*Session),
		finished:  make(map[int64]State),
	}
}

// Pay starts a watch session for orderID. It fails with ErrAlreadyInFlight while
// another session for the same order has not reached a terminal phase.
// The session is cancelled when ctx ends.
func (w *Watcher) Pay(ctx context.Context, orderID int64, rail types.Rail) (*Session, error) {
	if orderID <= 0 {
		return nil, errors.Wrapf(api.ErrInvalidOrder, "order id %d", orderID)
	}
	if _, err := types.ParseRail(string(rail)); err != nil {
		return nil, err
	}

	ok, err := w.opts.Registry.Acquire(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "payment registry")
	}
	if !ok {
		return nil, errors.Wrapf(api.ErrAlreadyInFlight, "order %d", orderID)
	}

	sess := newSession(ctx, w, orderID, rail)
	w.mu.Lock()
	w.sessions[orderID] = sess
	delete(w.finished, orderID)
	w.mu.Unlock()

	sess.transition(func(st *sessionState, now time.Time) bool { return st.begin(now) })
	glog.Infof("payment watch for order %d started, rail %s", orderID, rail)
	go sess.run()
	return sess, nil
}

// State returns the latest state of the most recent session for orderID
func (w *Watcher) State(orderID int64) (State, bool) {
	w.mu.RLock()
	sess, live := w.sessions[orderID]
	last, done := w.finished[orderID]
	w.mu.RUnlock()
	switch {
	case live:
		return sess.State(), true
	case done:
		return last, true
	}
	return State{OrderID: orderID, Phase: PhaseIdle}, false
}

func (w *Watcher) retire(sess *Session, final State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions[final.OrderID] != sess {
		return
	}
	delete(w.sessions, final.OrderID)
	w.finished[final.OrderID] = final
}

// Cancel cancels every live session
func (w *Watcher) Cancel() {
	w.mu.RLock()
	live := make([]*Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		live = append(live, s)
	}
	w.mu.RUnlock()
	for _, s := range live {
		s.Cancel()
	}
}

// Session is one watch from Pay to a terminal phase
type Session struct {
	w *Watcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// notifyMu keeps listener calls in transition order
	notifyMu    sync.Mutex
	mu          sync.Mutex
	state       *sessionState
	releaseOnce sync.Once
}

func newSession(parent context.Context, w *Watcher, orderID int64, rail types.Rail) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		w:      w,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  newSessionState(orderID, rail),
	}
}

func (s *Session) OrderID() int64 { return s.state.orderID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.snapshot(s.w.opts.Clock.Now())
}

// Attempt returns the payment attempt built by Pay, with its reference once initiated
func (s *Session) Attempt() types.PaymentAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.attempt
}

// Done is closed when the session is terminal and its goroutines have stopped
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx ends
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		st := s.State()
		return st, st.Err
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Cancel moves a non terminal session to cancelled and halts polling. Safe to call repeatedly.
func (s *Session) Cancel() {
	s.transition(func(st *sessionState, now time.Time) bool { return st.onCancel(now) })
}

// transition applies fn under the lock. Reaching a terminal phase cancels all
// in-flight work of the session and releases the order.
func (s *Session) transition(fn func(st *sessionState, now time.Time) bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn(s.state, s.w.opts.Clock.Now()) {
		s.mu.Unlock()
		return false
	}
	snap := s.state.snapshot(s.w.opts.Clock.Now())
	s.mu.Unlock()

	if snap.Phase.Terminal() {
		s.cancel()
		s.w.retire(s, snap)
		s.release()
		if snap.Err != nil && snap.Phase != PhaseCancelled {
			glog.Errorf("payment watch for order %d ended %s after %dms: %v", snap.OrderID, snap.Phase, snap.ElapsedMs, snap.Err)
		} else {
			glog.Infof("payment watch for order %d ended %s after %dms", snap.OrderID, snap.Phase, snap.ElapsedMs)
		}
	} else {
		glog.V(2).Infof("payment watch for order %d: %s", snap.OrderID, snap.Phase)
	}
	if s.w.listener != nil {
		s.w.listener.OnPaymentState(snap)
	}
	return true
}

func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.phase.Terminal()
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		// the session ctx is already cancelled here
		if err := s.w.opts.Registry.Release(context.Background(), s.state.orderID); err != nil {
			glog.Warningf("release order %d: %v", s.state.orderID, err)
		}
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer s.release()

	orderID, rail := s.state.orderID, s.state.rail
	res, err := s.w.api.InitiatePayment(s.ctx, orderID, rail)
	if s.ctx.Err() != nil {
		s.Cancel()
		return
	}
	if err == nil {
		err = res.Validate(rail)
	}
	if err != nil {
		s.transition(func(st *sessionState, now time.Time) bool { return st.onInitiationFailed(now, err) })
		return
	}
	if !s.transition(func(st *sessionState, now time.Time) bool { return st.onInitiated(now, res) }) {
		return
	}

	var action sync.WaitGroup
	defer action.Wait()
	s.fireAction(&action, rail, res)

	s.pollStatus()
}

// fireAction opens the invoice or the redirect page. It runs once per session,
// right after the initiation succeeded.
func (s *Session) fireAction(wg *sync.WaitGroup, rail types.Rail, res types.InitiationResult) {
	switch rail {
	case types.RailStars:
		// the invoice sheet stays open while status polling runs
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.w.bridge.OpenInvoice(s.ctx, res.InvoiceRef)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				s.transition(func(st *sessionState, now time.Time) bool {
					return st.onActionFailed(now, errors.Wrap(err, "open invoice"))
				})
				return
			}
			// the host outcome is a hint only; the server status decides
			glog.Infof("invoice for order %d closed with %s", s.state.orderID, outcome)
			s.transition(func(st *sessionState, now time.Time) bool { return st.onInvoiceOutcome(outcome) })
		}()
	case types.RailCard:
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.w.navigator.Open(s.ctx, res.RedirectRef); err != nil && s.ctx.Err() == nil {
				s.transition(func(st *sessionState, now time.Time) bool {
					return st.onActionFailed(now, errors.Wrap(err, "open payment page"))
				})
			}
		}()
	}
}

func (s *Session) pollStatus() {
	interval, deadline := s.w.opts.StatusInterval, s.w.opts.Deadline
	ticker := s.w.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	s.mu.Lock()
	remaining := deadline - s.w.opts.Clock.Since(s.state.awaitingSince)
	s.mu.Unlock()
	timer := s.w.opts.Clock.NewTimer(remaining)
	defer timer.Stop()

	for !s.terminal() {
		select {
		case <-s.ctx.Done():
			s.Cancel()
			return
		case <-timer.C():
			s.transition(func(st *sessionState, now time.Time) bool { return st.onTick(now, deadline) })
		case <-ticker.C():
			s.checkStatus(deadline)
		}
	}
}

func (s *Session) checkStatus(deadline time.Duration) {
	s.mu.Lock()
	remaining := deadline - s.w.opts.Clock.Since(s.state.awaitingSince)
	orderID := s.state.orderID
	s.mu.Unlock()
	if remaining <= 0 {
		s.transition(func(st *sessionState, now time.Time) bool { return st.onTick(now, deadline) })
		return
	}

	// a slow read must not carry the session past its deadline
	readCtx, cancel := context.WithTimeout(s.ctx, remaining)
	defer cancel()
	status, err := s.w.api.ReadOrderStatus(readCtx, orderID)
	switch {
	case s.ctx.Err() != nil:
		return
	case readCtx.Err() != nil:
		s.transition(func(st *sessionState, now time.Time) bool { return st.onTick(now, deadline) })
	case err != nil:
		s.transition(func(st *sessionState, now time.Time) bool { return st.onStatusError(now, err) })
	default:
		glog.V(2).Infof("order %d status %s", orderID, status)
		s.transition(func(st *sessionState, now time.Time) bool { return st.onStatus(now, status) })
	}
}
