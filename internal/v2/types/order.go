package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/thoas/go-funk"
)

// OrderStatus as reported by the server, the only authority on it
type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderFailed  OrderStatus = "failed"
)

// Known reports whether the status is one the client understands
func (s OrderStatus) Known() bool {
	return s == OrderPending || s == OrderPaid || s == OrderFailed
}

type Product struct {
	ID    int64   `json:"id"`
	Title string  `json:"title"`
	Price float64 `json:"price"`
}

type Order struct {
	ID        int64       `json:"id"`
	Status    OrderStatus `json:"status"`
	Product   *Product    `json:"product,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	// Invoice is filled when the order was created through the stars checkout call.
	Invoice string `json:"invoice,omitempty"`
}

// Rail is the payment channel chosen at checkout
type Rail string

const (
	RailStars Rail = "stars"
	RailCard  Rail = "card"
)

var knownRails = []string{string(RailStars), string(RailCard)}

func ParseRail(s string) (Rail, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !funk.ContainsString(knownRails, s) {
		return "", fmt.Errorf("unknown payment rail %q, expected one of %v", s, knownRails)
	}
	return Rail(s), nil
}

// PaymentAttempt is created at most once per checkout interaction
type PaymentAttempt struct {
	OrderID    int64     `json:"order_id"`
	Rail       Rail      `json:"rail"`
	InvoiceRef string    `json:"invoice_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InitiationResult carries the rail specific reference; at most one field is set
type InitiationResult struct {
	InvoiceRef  string `json:"invoice,omitempty"`
	RedirectRef string `json:"redirect_url,omitempty"`
}

// Validate checks that exactly the reference matching the rail is present
func (r InitiationResult) Validate(rail Rail) error {
	if r.InvoiceRef != "" && r.RedirectRef != "" {
		return fmt.Errorf("both invoice and redirect references returned")
	}
	switch rail {
	case RailStars:
		if r.InvoiceRef == "" {
			return fmt.Errorf("server returned no invoice link")
		}
	case RailCard:
		if r.RedirectRef == "" {
			return fmt.Errorf("server returned no redirect url")
		}
	default:
		return fmt.Errorf("unknown rail %q", rail)
	}
	return nil
}
