package constants

import "time"

const (
	InitDataHeaderKey    = "X-Telegram-Init-Data"
	ClientTokenHeaderKey = "X-Client-Token"

	DefaultAPIBaseURL = "http://localhost:8000/api"
)

const (
	MessagesURLTempl      = "/messages/%d"
	MessagesPollURLTempl  = "/messages/%d/poll"
	AdminMessagesURLTempl = "/admin/messages/%d"

	PaymentsCreateURL     = "/payments"
	PaymentsStarsURL      = "/payments/stars"
	PaymentsFrikassaURL   = "/payments/frikassa"
	PaymentStatusURLTempl = "/payments/%d/status"
)

const (
	DefaultPollWait        = 25 * time.Second
	DefaultBackoffBase     = 1 * time.Second
	DefaultBackoffCap      = 15 * time.Second
	DefaultStatusInterval  = 3 * time.Second
	DefaultPaymentDeadline = 60 * time.Second

	// RequestTimeoutSlack is added to the long-poll wait to get the client-side request timeout.
	RequestTimeoutSlack = 10 * time.Second

	InFlightKeyPrefix = "storefront:payment:inflight:"
	InFlightTTLSlack  = 30 * time.Second
)

const (
	DefaultNatsSubject = "storefront.sync.state"
)
