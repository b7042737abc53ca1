package notify

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/conf"
	"storefront/internal/v2/chat"
	"storefront/internal/v2/paymentwatch"
	"storefront/internal/v2/types"
	"storefront/pkg/api"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *fakePublisher) decode(t *testing.T, i int) map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.payloads), i)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(p.payloads[i], &out))
	return out
}

func TestDataSenderTranscript(t *testing.T) {
	pub := &fakePublisher{}
	ds := newDataSenderWithPublisher(pub, "storefront.sync.state")

	ds.OnTranscript(chat.Snapshot{
		OrderID: 7,
		Version: 3,
		Messages: []types.Message{{
			ID: "1", OrderID: 7, AuthorKind: types.AuthorBuyer, Content: "hi",
			CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}},
	})

	assert.Equal(t, []string{"storefront.sync.state"}, pub.subjects)
	got := pub.decode(t, 0)
	assert.Equal(t, EventTranscript, got["type"])
	assert.Equal(t, float64(7), got["order_id"])
	assert.Equal(t, float64(3), got["version"])
	assert.Len(t, got["messages"], 1)
	assert.NotZero(t, got["timestamp"])
}

func TestDataSenderDegradedKeepsFalse(t *testing.T) {
	pub := &fakePublisher{}
	ds := newDataSenderWithPublisher(pub, "s")

	ds.OnDegraded(7, true)
	ds.OnDegraded(7, false)

	assert.Equal(t, true, pub.decode(t, 0)["degraded"])
	recovered := pub.decode(t, 1)
	v, ok := recovered["degraded"]
	assert.True(t, ok, "a recovered connection must still carry degraded=false")
	assert.Equal(t, false, v)
}

func TestDataSenderPayment(t *testing.T) {
	pub := &fakePublisher{}
	ds := newDataSenderWithPublisher(pub, "s")

	ds.OnPaymentState(paymentwatch.State{
		OrderID:   9,
		Rail:      types.RailStars,
		Phase:     paymentwatch.PhaseTimedOut,
		ElapsedMs: 60000,
		ErrorKind: api.ErrorTimedOut,
	})
	got := pub.decode(t, 0)
	assert.Equal(t, EventPayment, got["type"])
	assert.Equal(t, "timed_out", got["phase"])
	assert.Equal(t, float64(60000), got["elapsed_ms"])
	assert.Equal(t, "timed_out", got["error_kind"])
}

func TestDataSenderDisabledAndErrors(t *testing.T) {
	disabled := &DataSender{}
	assert.NoError(t, disabled.Send(StateUpdate{Type: EventDegraded}))
	assert.False(t, disabled.IsConnected())

	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	ds := newDataSenderWithPublisher(pub, "s")
	assert.Error(t, ds.Send(StateUpdate{Type: EventPayment, OrderID: 1}))
	// listener callbacks swallow the error
	ds.OnPaymentState(paymentwatch.State{OrderID: 1})
}

func TestNewDataSenderDevelopment(t *testing.T) {
	t.Setenv("GO_ENV", "dev")
	ds, err := NewDataSender(confForTest())
	require.NoError(t, err)
	assert.False(t, ds.IsConnected())
	ds.Close()
}

type recorder struct {
	transcripts int
	degraded    int
	payments    int
}

func (r *recorder) OnTranscript(chat.Snapshot)        { r.transcripts++ }
func (r *recorder) OnDegraded(int64, bool)            { r.degraded++ }
func (r *recorder) OnPaymentState(paymentwatch.State) { r.payments++ }

type chatOnly struct{ calls int }

func (c *chatOnly) OnTranscript(chat.Snapshot) { c.calls++ }
func (c *chatOnly) OnDegraded(int64, bool)     { c.calls++ }

func TestFanout(t *testing.T) {
	both := &recorder{}
	c := &chatOnly{}
	f := NewFanout(both, c, nil, "not a listener")

	f.OnTranscript(chat.Snapshot{})
	f.OnDegraded(1, true)
	f.OnPaymentState(paymentwatch.State{})

	assert.Equal(t, 1, both.transcripts)
	assert.Equal(t, 1, both.degraded)
	assert.Equal(t, 1, both.payments)
	assert.Equal(t, 2, c.calls)
}

func confForTest() conf.NatsConfig {
	return conf.NatsConfig{Host: "127.0.0.1", Port: "1", Subject: "s"}
}
