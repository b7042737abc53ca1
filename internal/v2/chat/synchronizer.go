package chat

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"storefront/internal/constants"
	"storefront/internal/v2/transport"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

// Listener observes a session. Callbacks run outside the session lock, possibly
// from different goroutines; use Snapshot.Version to drop stale transcripts.
type Listener interface {
	OnTranscript(snap Snapshot)
	OnDegraded(orderID int64, degraded bool)
}

type Options struct {
	// Author selects the buyer or admin send endpoint and tags optimistic messages.
	Author types.AuthorKind
	// BackoffBase and BackoffCap bound the capped exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MinPollInterval spaces out polls that return empty faster than this,
	// so a server ignoring the blocking hint is not hammered.
	MinPollInterval time.Duration
	Clock           clock.Clock
}

func (o *Options) setDefaults() {
	if o.Author == "" {
		o.Author = types.AuthorBuyer
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = constants.DefaultBackoffBase
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = constants.DefaultBackoffCap
		if o.BackoffCap < o.BackoffBase {
			o.BackoffCap = o.BackoffBase
		}
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Synchronizer owns at most one live session; starting another order stops the previous one.
type Synchronizer struct {
	api      transport.MessageAPI
	opts     Options
	listener Listener

	mu      sync.Mutex
	current *Session
	// loading is the session whose history fetch is in progress
	loading *Session
}

func NewSynchronizer(messageAPI transport.MessageAPI, opts Options, listener Listener) *Synchronizer {
	opts.setDefaults()
	return &Synchronizer{
		api:      messageAPI,
		opts:     opts,
		listener: listener,
	}
}

// Start loads the full history of orderID and begins long-polling for new messages.
// Any live session is stopped first; nothing of it carries over.
func (s *Synchronizer) Start(ctx context.Context, orderID int64) (*Session, error) {
	if orderID <= 0 {
		return nil, errors.Wrapf(api.ErrInvalidOrder, "order id %d", orderID)
	}

	sess := newSession(ctx, orderID, s.api, s.opts, s.listener)

	s.mu.Lock()
	prev, stale := s.current, s.loading
	s.current, s.loading = nil, sess
	s.mu.Unlock()
	if stale != nil {
		stale.Stop()
	}
	if prev != nil {
		glog.Infof("switching chat from order %d to %d", prev.orderID, orderID)
		prev.Stop()
	}

	err := sess.loadHistory()

	s.mu.Lock()
	superseded := s.loading != sess
	if !superseded {
		s.loading = nil
	}
	if err == nil && !superseded {
		s.current = sess
		go sess.pollLoop()
	}
	s.mu.Unlock()

	if err != nil {
		sess.Stop()
		return nil, err
	}
	if superseded {
		sess.Stop()
		return nil, errors.Wrapf(api.ErrCancelled, "chat for order %d superseded while loading", orderID)
	}
	return sess, nil
}

// Current returns the live session or nil
func (s *Synchronizer) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop stops the live session, if any
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	sess, loading := s.current, s.loading
	s.current, s.loading = nil, nil
	s.mu.Unlock()
	if loading != nil {
		loading.Stop()
	}
	if sess != nil {
		sess.Stop()
	}
}

// Session is the handle of one order chat view
type Session struct {
	orderID  int64
	api      transport.MessageAPI
	opts     Options
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	transcript *Transcript
	degraded   bool

	stopOnce sync.Once
}

func newSession(parent context.Context, orderID int64, messageAPI transport.MessageAPI, opts Options, listener Listener) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		orderID:    orderID,
		api:        messageAPI,
		opts:       opts,
		listener:   listener,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		transcript: NewTranscript(orderID),
	}
}

func (s *Session) OrderID() int64 { return s.orderID }

// Done is closed once the poll loop has exited
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Messages()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Snapshot()
}

func (s *Session) Cursor() types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Cursor()
}

// Degraded reports whether the last poll failed and the loop is backing off
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Stop cancels the in-flight poll and any in-flight send. Safe to call repeatedly.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		// wait out a transition that checked ctx before the cancel
		s.mu.Lock()
		s.mu.Unlock()
		glog.Infof("chat session for order %d stopped", s.orderID)
	})
}

// Send shows content immediately as a pending message and posts it once.
// On failure the placeholder is removed and an ErrSendFailed error returned;
// the send is never retried automatically.
func (s *Session) Send(ctx context.Context, content string) (types.Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return types.Message{}, errors.Wrap(api.ErrEmptyContent, "send")
	}

	var placeholder types.Message
	if !s.apply(func(t *Transcript) bool {
		placeholder = t.InsertPending(text, s.opts.Author, s.opts.Clock.Now())
		return true
	}) {
		return types.Message{}, errors.Wrapf(api.ErrCancelled, "chat session for order %d stopped", s.orderID)
	}
	token := placeholder.ClientToken

	reqCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	confirmed, err := s.api.SendMessage(reqCtx, s.orderID, s.opts.Author, text, token)
	if err != nil {
		if s.ctx.Err() != nil {
			return types.Message{}, errors.Wrapf(api.ErrCancelled, "chat session for order %d stopped", s.orderID)
		}
		s.apply(func(t *Transcript) bool { return t.Revert(token) })
		glog.Warningf("send to order %d failed, reverted %s: %v", s.orderID, token, err)
		// both the kind and the transport cause stay matchable with errors.Is
		return types.Message{}, fmt.Errorf("%w: %w", api.ErrSendFailed, err)
	}

	if !s.apply(func(t *Transcript) bool { return t.Confirm(token, confirmed) }) {
		glog.V(2).Infof("order %d: confirmation %s arrived after stop, dropped", s.orderID, confirmed.ID)
	}
	return confirmed, nil
}

func (s *Session) loadHistory() error {
	msgs, err := s.api.FetchMessages(s.ctx, s.orderID, types.Cursor{}, false)
	switch {
	case err == nil:
		s.apply(func(t *Transcript) bool { return t.ApplyHistory(msgs) > 0 })
		glog.Infof("chat session for order %d started with %d messages, cursor %s", s.orderID, len(msgs), s.Cursor())
		return nil
	case s.ctx.Err() != nil:
		return errors.Wrapf(api.ErrCancelled, "load history for order %d", s.orderID)
	case errors.Is(err, api.ErrMalformedPayload):
		glog.Warningf("order %d: malformed history payload, starting empty: %v", s.orderID, err)
		return nil
	case api.IsTransient(err):
		// the first poll from the epoch cursor returns the full history once the link recovers
		glog.Warningf("order %d: history fetch failed, starting degraded: %v", s.orderID, err)
		s.setDegraded(true)
		return nil
	default:
		return errors.Wrapf(err, "load history for order %d", s.orderID)
	}
}

func (s *Session) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: s.opts.BackoffBase,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      s.opts.BackoffCap,
	}
}

// pollLoop exits only when the session context ends
func (s *Session) pollLoop() {
	defer close(s.done)
	backoff := s.newBackoff()

	for s.ctx.Err() == nil {
		started := s.opts.Clock.Now()
		msgs, err := s.api.FetchMessages(s.ctx, s.orderID, s.Cursor(), true)
		if s.ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			backoff = s.newBackoff()
			s.setDegraded(false)
			s.apply(func(t *Transcript) bool { return t.ApplyPoll(msgs) > 0 })
			if len(msgs) == 0 {
				if rest := s.opts.MinPollInterval - s.opts.Clock.Since(started); rest > 0 && !s.sleep(rest) {
					return
				}
			}
		case errors.Is(err, api.ErrMalformedPayload):
			glog.Warningf("order %d: malformed poll payload skipped: %v", s.orderID, err)
			if !s.sleep(s.opts.BackoffBase) {
				return
			}
		default:
			s.setDegraded(true)
			delay := backoff.Step()
			glog.Warningf("order %d: poll failed, retrying in %v: %v", s.orderID, delay, err)
			if !s.sleep(delay) {
				return
			}
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	t := s.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

// apply runs one transition under the lock and publishes the result.
// It returns false without running fn once the session is stopped, which is how
// responses arriving after Stop are discarded.
func (s *Session) apply(fn func(t *Transcript) bool) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	changed := fn(s.transcript)
	var snap Snapshot
	if changed {
		snap = s.transcript.Snapshot()
	}
	s.mu.Unlock()

	if changed && s.listener != nil {
		s.listener.OnTranscript(snap)
	}
	return true
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.degraded == v {
		s.mu.Unlock()
		return
	}
	s.degraded = v
	s.mu.Unlock()

	if v {
		glog.Warningf("order %d: connection degraded", s.orderID)
	} else {
		glog.Infof("order %d: connection restored", s.orderID)
	}
	if s.listener != nil {
		s.listener.OnDegraded(s.orderID, v)
	}
}
