// Package hostbridge abstracts the Telegram WebApp host so the sync core can be driven
// by a fake in tests and by environment/stdout in the CLI.
package hostbridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// InvoiceOutcome is what the host reports when the invoice sheet closes
type InvoiceOutcome string

const (
	InvoicePaid      InvoiceOutcome = "paid"
	InvoiceCancelled InvoiceOutcome = "cancelled"
	InvoiceFailed    InvoiceOutcome = "failed"
	InvoicePending   InvoiceOutcome = "pending"
)

var ErrNoInitData = errors.New("host init data unavailable")

// Bridge is the host capability consumed by the core
type Bridge interface {
	GetInitData() (string, error)
	// ClearInitData drops cached credentials after the server rejected them.
	ClearInitData()
	OpenInvoice(ctx context.Context, ref string) (InvoiceOutcome, error)
}

// Navigator performs external navigation for the redirect rail
type Navigator interface {
	Open(ctx context.Context, url string) error
}

// StaticBridge serves init data captured at startup and prints invoice links
// for a human to open. Used by the command line client.
type StaticBridge struct {
	mu       sync.Mutex
	initData string
	out      io.Writer
}

func NewStaticBridge(initData string, out io.Writer) *StaticBridge {
	return &StaticBridge{initData: initData, out: out}
}

func (b *StaticBridge) GetInitData() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initData == "" {
		return "", ErrNoInitData
	}
	return b.initData, nil
}

func (b *StaticBridge) ClearInitData() {
	b.mu.Lock()
	b.initData = ""
	b.mu.Unlock()
	glog.Warning("init data cleared after unauthorized response")
}

// OpenInvoice cannot observe the host sheet, so it reports pending and lets status polling decide.
func (b *StaticBridge) OpenInvoice(ctx context.Context, ref string) (InvoiceOutcome, error) {
	if ref == "" {
		return InvoiceFailed, errors.New("empty invoice reference")
	}
	if _, err := fmt.Fprintf(b.out, "open invoice: %s\n", ref); err != nil {
		return InvoiceFailed, errors.Wrap(err, "print invoice link")
	}
	return InvoicePending, nil
}

// Open implements Navigator by printing the redirect link.
func (b *StaticBridge) Open(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("empty redirect url")
	}
	_, err := fmt.Fprintf(b.out, "open payment page: %s\n", url)
	return errors.Wrap(err, "print redirect link")
}
