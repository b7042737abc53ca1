package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

type pollResult struct {
	msgs []types.Message
	err  error
}

// fakeMessageAPI serves a fixed history and hands out queued poll results.
// A poll with nothing queued blocks until its context ends, like a long-poll.
type fakeMessageAPI struct {
	mu         sync.Mutex
	history    map[int64][]types.Message
	historyErr error
	// historyGate holds the history response of an order until closed, even past cancellation
	historyGate  map[int64]chan struct{}
	polls        chan pollResult
	pollCalls    int
	sinces       []types.Cursor
	polledOrders []int64
	send         func(ctx context.Context, orderID int64, content, token string) (types.Message, error)
	pollExited   chan struct{}
}

func newFakeMessageAPI() *fakeMessageAPI {
	return &fakeMessageAPI{
		history:    map[int64][]types.Message{},
		polls:      make(chan pollResult, 16),
		pollExited: make(chan struct{}, 16),
	}
}

func (f *fakeMessageAPI) FetchMessages(ctx context.Context, orderID int64, since types.Cursor, blocking bool) ([]types.Message, error) {
	if !blocking {
		f.mu.Lock()
		gate := f.historyGate[orderID]
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.history[orderID], f.historyErr
	}
	f.mu.Lock()
	f.pollCalls++
	f.polledOrders = append(f.polledOrders, orderID)
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()

	select {
	case r := <-f.polls:
		return r.msgs, r.err
	case <-ctx.Done():
		f.pollExited <- struct{}{}
		return nil, ctx.Err()
	}
}

func (f *fakeMessageAPI) SendMessage(ctx context.Context, orderID int64, author types.AuthorKind, content, token string) (types.Message, error) {
	return f.send(ctx, orderID, content, token)
}

func (f *fakeMessageAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

func (f *fakeMessageAPI) polled() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.polledOrders...)
}

func (f *fakeMessageAPI) lastSince() types.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinces[len(f.sinces)-1]
}

type recordingListener struct {
	mu        sync.Mutex
	snapshots []Snapshot
	degraded  []bool
}

func (l *recordingListener) OnTranscript(snap Snapshot) {
	l.mu.Lock()
	l.snapshots = append(l.snapshots, snap)
	l.mu.Unlock()
}

func (l *recordingListener) OnDegraded(orderID int64, degraded bool) {
	l.mu.Lock()
	l.degraded = append(l.degraded, degraded)
	l.mu.Unlock()
}

func (l *recordingListener) degradedEvents() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.degraded...)
}

func testOptions() Options {
	return Options{
		BackoffBase:     5 * time.Millisecond,
		BackoffCap:      20 * time.Millisecond,
		MinPollInterval: 5 * time.Millisecond,
	}
}

const waitFor = 2 * time.Second

func TestSynchronizerHistoryThenPoll(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.history[7] = []types.Message{msg("1", time.Second, "a"), msg("2", 2*time.Second, "b")}
	listener := &recordingListener{}

	s := NewSynchronizer(fake, testOptions(), listener)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	assert.Equal(t, []string{"1", "2"}, ids(sess.Messages()))
	fake.polls <- pollResult{msgs: []types.Message{msg("2", 2*time.Second, "b"), msg("3", 3*time.Second, "c")}}

	require.Eventually(t, func() bool { return len(sess.Messages()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, ids(sess.Messages()))
	require.Eventually(t, func() bool { return fake.calls() >= 2 }, waitFor, time.Millisecond)
	assert.Equal(t, t0.Add(3*time.Second), fake.lastSince().Time(), "poll continues from the newest server timestamp")
	assert.Same(t, sess, s.Current())
}

func TestSynchronizerInvalidOrder(t *testing.T) {
	s := NewSynchronizer(newFakeMessageAPI(), testOptions(), nil)
	for _, id := range []int64{0, -3} {
		_, err := s.Start(context.Background(), id)
		assert.True(t, errors.Is(err, api.ErrInvalidOrder))
	}
	assert.Nil(t, s.Current())
}

func TestSynchronizerStartFailsOnRejectedHistory(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.historyErr = errors.Wrap(api.ErrUnauthorized, "GET /messages/7")
	s := NewSynchronizer(fake, testOptions(), nil)

	_, err := s.Start(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnauthorized))
	assert.Nil(t, s.Current())
}

func TestSynchronizerTransientHistoryStartsDegraded(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.historyErr = errors.Wrap(api.ErrTransientTransport, "dial")
	listener := &recordingListener{}

	s := NewSynchronizer(fake, testOptions(), listener)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()
	assert.True(t, sess.Degraded())

	fake.polls <- pollResult{msgs: []types.Message{msg("1", time.Second, "a")}}
	require.Eventually(t, func() bool { return !sess.Degraded() && len(sess.Messages()) == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(listener.degradedEvents()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []bool{true, false}, listener.degradedEvents())
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	fake := newFakeMessageAPI()
	release := make(chan struct{})
	var sentToken string
	fake.send = func(ctx context.Context, orderID int64, content, token string) (types.Message, error) {
		sentToken = token
		<-release
		m := msg("11", 5*time.Second, content)
		m.ClientToken = token
		return m, nil
	}

	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := sess.Send(context.Background(), "  hello  ")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(sess.Messages()) == 1 }, waitFor, time.Millisecond)
	pending := sess.Messages()[0]
	assert.True(t, pending.Pending)
	assert.True(t, pending.IsTemporary())
	assert.Equal(t, "hello", pending.Content)

	close(release)
	require.NoError(t, <-done)
	got := sess.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "11", got[0].ID)
	assert.False(t, got[0].Pending)
	assert.Equal(t, pending.ClientToken, sentToken)
	assert.True(t, sess.Cursor().IsZero(), "send confirmations do not move the cursor")
}

func TestSendFailureRevertsPlaceholder(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.history[7] = []types.Message{msg("1", time.Second, "a")}
	fake.send = func(ctx context.Context, orderID int64, content, token string) (types.Message, error) {
		return types.Message{}, errors.Wrap(api.ErrTransientTransport, "status 502")
	}

	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	_, err = sess.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrSendFailed))
	assert.Equal(t, api.ErrorSendFailed, api.KindOf(err))
	assert.Equal(t, []string{"1"}, ids(sess.Messages()))
}

func TestSendEmptyContent(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.send = func(ctx context.Context, orderID int64, content, token string) (types.Message, error) {
		t.Fatal("empty content must not reach the network")
		return types.Message{}, nil
	}
	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := sess.Send(context.Background(), content)
		assert.True(t, errors.Is(err, api.ErrEmptyContent))
	}
	assert.Empty(t, sess.Messages())
}

func TestStopCancelsInFlightPoll(t *testing.T) {
	fake := newFakeMessageAPI()
	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fake.calls() == 1 }, waitFor, time.Millisecond)
	sess.Stop()
	sess.Stop()

	select {
	case <-fake.pollExited:
	case <-time.After(waitFor):
		t.Fatal("in-flight poll was not cancelled")
	}
	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("poll loop did not exit")
	}

	fake.polls <- pollResult{msgs: []types.Message{msg("9", time.Second, "late")}}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sess.Messages())
	assert.Equal(t, 1, fake.calls())
}

func TestDegradedFlagRecovers(t *testing.T) {
	fake := newFakeMessageAPI()
	listener := &recordingListener{}
	s := NewSynchronizer(fake, testOptions(), listener)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	for i := 0; i < 3; i++ {
		fake.polls <- pollResult{err: errors.Wrap(api.ErrTransientTransport, "status 503")}
	}
	require.Eventually(t, sess.Degraded, waitFor, time.Millisecond)

	fake.polls <- pollResult{msgs: []types.Message{msg("1", time.Second, "a")}}
	require.Eventually(t, func() bool { return !sess.Degraded() }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"1"}, ids(sess.Messages()))
	require.Eventually(t, func() bool { return len(listener.degradedEvents()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []bool{true, false}, listener.degradedEvents())
}

func TestMalformedPollIsSkipped(t *testing.T) {
	fake := newFakeMessageAPI()
	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	fake.polls <- pollResult{err: errors.Wrap(api.ErrMalformedPayload, "html")}
	fake.polls <- pollResult{msgs: []types.Message{msg("1", time.Second, "a")}}
	require.Eventually(t, func() bool { return len(sess.Messages()) == 1 }, waitFor, time.Millisecond)
	assert.False(t, sess.Degraded())
}

func TestSwitchingOrdersResetsState(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.history[7] = []types.Message{msg("1", time.Second, "a")}
	other := msg("50", time.Hour, "other order")
	other.OrderID = 8
	fake.history[8] = []types.Message{other}

	s := NewSynchronizer(fake, testOptions(), nil)
	first, err := s.Start(context.Background(), 7)
	require.NoError(t, err)

	second, err := s.Start(context.Background(), 8)
	require.NoError(t, err)
	defer second.Stop()

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("previous session still polling")
	}
	assert.Equal(t, []string{"50"}, ids(second.Messages()))
	assert.Equal(t, t0.Add(time.Hour), second.Cursor().Time())
	assert.Same(t, second, s.Current())

	_, err = first.Send(context.Background(), "too late")
	assert.True(t, errors.Is(err, api.ErrCancelled))
}

func TestListenerSnapshotsAreVersioned(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.history[7] = []types.Message{msg("1", time.Second, "a")}
	listener := &recordingListener{}
	s := NewSynchronizer(fake, testOptions(), listener)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	fake.polls <- pollResult{msgs: []types.Message{msg("2", 2*time.Second, "b")}}
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.snapshots) == 2
	}, waitFor, time.Millisecond)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.snapshots, 2)
	assert.Less(t, listener.snapshots[0].Version, listener.snapshots[1].Version)
	assert.Equal(t, int64(7), listener.snapshots[1].OrderID)
}

func TestStopCancelsInFlightSend(t *testing.T) {
	fake := newFakeMessageAPI()
	started := make(chan struct{})
	fake.send = func(ctx context.Context, orderID int64, content, token string) (types.Message, error) {
		close(started)
		<-ctx.Done()
		return types.Message{}, ctx.Err()
	}
	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Send(context.Background(), "hello")
		done <- err
	}()
	<-started
	sess.Stop()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, api.ErrCancelled))
	case <-time.After(waitFor):
		t.Fatal("send was not cancelled")
	}
}

func TestCallerContextCancelsSend(t *testing.T) {
	fake := newFakeMessageAPI()
	fake.send = func(ctx context.Context, orderID int64, content, token string) (types.Message, error) {
		<-ctx.Done()
		return types.Message{}, ctx.Err()
	}
	s := NewSynchronizer(fake, testOptions(), nil)
	sess, err := s.Start(context.Background(), 7)
	require.NoError(t, err)
	defer sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sess.Send(ctx, "hello")
	assert.True(t, errors.Is(err, api.ErrSendFailed))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, sess.Messages(), "placeholder reverted")
}

func TestStartSupersededWhileLoadingHistory(t *testing.T) {
	fake := newFakeMessageAPI()
	gate := make(chan struct{})
	fake.historyGate = map[int64]chan struct{}{1: gate}
	fake.history[1] = []types.Message{msg("1", time.Second, "a")}
	fake.history[2] = []types.Message{msg("2", time.Second, "b")}
	s := NewSynchronizer(fake, testOptions(), nil)

	type startResult struct {
		sess *Session
		err  error
	}
	slow := make(chan startResult, 1)
	go func() {
		sess, err := s.Start(context.Background(), 1)
		slow <- startResult{sess, err}
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loading != nil
	}, waitFor, time.Millisecond)

	second, err := s.Start(context.Background(), 2)
	require.NoError(t, err)
	close(gate)

	var res startResult
	select {
	case res = <-slow:
	case <-time.After(waitFor):
		t.Fatal("first Start did not return")
	}
	assert.Nil(t, res.sess)
	assert.True(t, errors.Is(res.err, api.ErrCancelled), "%v", res.err)
	assert.Same(t, second, s.Current())

	s.Stop()
	select {
	case <-second.Done():
	case <-time.After(waitFor):
		t.Fatal("order 2 still polling after Stop")
	}
	assert.Nil(t, s.Current())
	assert.NotContains(t, fake.polled(), int64(1), "the superseded order never polls")
}

func TestStopWhileLoadingHistory(t *testing.T) {
	fake := newFakeMessageAPI()
	gate := make(chan struct{})
	fake.historyGate = map[int64]chan struct{}{1: gate}
	s := NewSynchronizer(fake, testOptions(), nil)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), 1)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loading != nil
	}, waitFor, time.Millisecond)

	s.Stop()
	close(gate)
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, api.ErrCancelled), "%v", err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.Nil(t, s.Current())
	assert.Zero(t, fake.calls())
}
