package transport

import (
	"context"

	"storefront/internal/v2/types"
)

// MessageAPI is the chat side of the storefront API
type MessageAPI interface {
	// FetchMessages returns messages created after since. With blocking set the
	// server may hold the request until new data arrives or its own wait elapses.
	FetchMessages(ctx context.Context, orderID int64, since types.Cursor, blocking bool) ([]types.Message, error)
	// SendMessage posts content and returns the server confirmed message.
	// token is sent along so the confirmation can be matched to its placeholder.
	SendMessage(ctx context.Context, orderID int64, author types.AuthorKind, content, token string) (types.Message, error)
}

// PaymentAPI is the checkout side of the storefront API
type PaymentAPI interface {
	InitiatePayment(ctx context.Context, orderID int64, rail types.Rail) (types.InitiationResult, error)
	ReadOrderStatus(ctx context.Context, orderID int64) (types.OrderStatus, error)
}

// OrderAPI creates pending orders ahead of a payment
type OrderAPI interface {
	CreateOrder(ctx context.Context, productID int64, quantity int) (types.Order, error)
}
