package notify

import (
	"storefront/internal/v2/chat"
	"storefront/internal/v2/paymentwatch"
)

// Fanout forwards every callback to each listener in order
type Fanout struct {
	chat    []chat.Listener
	payment []paymentwatch.Listener
}

// NewFanout accepts any mix of chat and payment listeners; nil values are skipped.
func NewFanout(listeners ...interface{}) *Fanout {
	f := &Fanout{}
	for _, l := range listeners {
		if cl, ok := l.(chat.Listener); ok {
			f.chat = append(f.chat, cl)
		}
		if pl, ok := l.(paymentwatch.Listener); ok {
			f.payment = append(f.payment, pl)
		}
	}
	return f
}

func (f *Fanout) OnTranscript(snap chat.Snapshot) {
	for _, l := range f.chat {
		l.OnTranscript(snap)
	}
}

func (f *Fanout) OnDegraded(orderID int64, degraded bool) {
	for _, l := range f.chat {
		l.OnDegraded(orderID, degraded)
	}
}

func (f *Fanout) OnPaymentState(st paymentwatch.State) {
	for _, l := range f.payment {
		l.OnPaymentState(st)
	}
}
