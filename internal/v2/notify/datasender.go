package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"storefront/internal/conf"
	"storefront/internal/v2/chat"
	"storefront/internal/v2/paymentwatch"
	"storefront/internal/v2/types"
	"storefront/internal/v2/utils"
)

// Event types published on the state subject
const (
	EventTranscript = "transcript"
	EventDegraded   = "degraded"
	EventPayment    = "payment"
)

// StateUpdate is the envelope UI subscribers receive
type StateUpdate struct {
	Type      string             `json:"type"`
	OrderID   int64              `json:"order_id"`
	Version   uint64             `json:"version,omitempty"`
	Messages  []types.Message    `json:"messages,omitempty"`
	Degraded  *bool              `json:"degraded,omitempty"`
	Phase     paymentwatch.Phase `json:"phase,omitempty"`
	ElapsedMs int64              `json:"elapsed_ms,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// DataSender publishes chat and payment state to NATS. It implements both
// chat.Listener and paymentwatch.Listener.
type DataSender struct {
	conn    *nats.Conn
	pub     publisher
	subject string
	enabled bool
}

var (
	_ chat.Listener         = (*DataSender)(nil)
	_ paymentwatch.Listener = (*DataSender)(nil)
)

// NewDataSender connects to NATS. In development the sender is returned disabled.
func NewDataSender(cfg conf.NatsConfig) (*DataSender, error) {
	if utils.IsDevelopment() {
		glog.Info("Development environment detected, NATS data sender disabled")
		return &DataSender{enabled: false}, nil
	}

	natsURL := fmt.Sprintf("nats://%s:%s", cfg.Host, cfg.Port)
	opts := []nats.Option{
		nats.Name("storefront-sync"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			glog.Warningf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			glog.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	glog.Infof("Connected to NATS server at %s:%s", cfg.Host, cfg.Port)

	return &DataSender{
		conn:    conn,
		pub:     conn,
		subject: cfg.Subject,
		enabled: true,
	}, nil
}

func newDataSenderWithPublisher(pub publisher, subject string) *DataSender {
	return &DataSender{pub: pub, subject: subject, enabled: true}
}

func (ds *DataSender) Send(update StateUpdate) error {
	if !ds.enabled {
		glog.V(3).Info("NATS data sender is disabled, skipping message send")
		return nil
	}
	if ds.pub == nil {
		return errors.New("NATS connection is not initialized")
	}
	if update.Timestamp == 0 {
		update.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(update)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s update", update.Type)
	}
	if err := ds.pub.Publish(ds.subject, data); err != nil {
		return errors.Wrap(err, "failed to publish message to NATS")
	}
	glog.V(2).Infof("sent %s update for order %d to NATS subject '%s'", update.Type, update.OrderID, ds.subject)
	return nil
}

func (ds *DataSender) OnTranscript(snap chat.Snapshot) {
	ds.sendLogged(StateUpdate{
		Type:     EventTranscript,
		OrderID:  snap.OrderID,
		Version:  snap.Version,
		Messages: snap.Messages,
	})
}

func (ds *DataSender) OnDegraded(orderID int64, degraded bool) {
	ds.sendLogged(StateUpdate{
		Type:     EventDegraded,
		OrderID:  orderID,
		Degraded: &degraded,
	})
}

func (ds *DataSender) OnPaymentState(st paymentwatch.State) {
	ds.sendLogged(StateUpdate{
		Type:      EventPayment,
		OrderID:   st.OrderID,
		Phase:     st.Phase,
		ElapsedMs: st.ElapsedMs,
		ErrorKind: st.ErrorKind,
	})
}

// listener callbacks cannot return errors; publishing failures are logged only
func (ds *DataSender) sendLogged(update StateUpdate) {
	if err := ds.Send(update); err != nil {
		glog.Warningf("publish %s update for order %d: %v", update.Type, update.OrderID, err)
	}
}

func (ds *DataSender) Close() {
	if ds.conn != nil && ds.enabled {
		ds.conn.Close()
		glog.Info("NATS connection closed")
	}
}

func (ds *DataSender) IsConnected() bool {
	if !ds.enabled || ds.conn == nil {
		return false
	}
	return ds.conn.IsConnected()
}
