// Copyright 2022 bytetrade
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

type ErrorType = string

const (
	ErrorInvalidOrder            ErrorType = "invalid_order"
	ErrorEmptyContent            ErrorType = "empty_content"
	ErrorSendFailed              ErrorType = "send_failed"
	ErrorTransientTransport      ErrorType = "transient_transport_error"
	ErrorAlreadyInFlight         ErrorType = "already_in_flight"
	ErrorPaymentInitiationFailed ErrorType = "payment_initiation_failed"
	ErrorTimedOut                ErrorType = "timed_out"
	ErrorCancelled               ErrorType = "cancelled"
	ErrorMalformedPayload        ErrorType = "malformed_payload"
	ErrorUnauthorized            ErrorType = "unauthorized"
	ErrorUnknown                 ErrorType = "unknown_error"
)

var (
	ErrInvalidOrder            = errors.New("invalid order")
	ErrEmptyContent            = errors.New("empty content")
	ErrSendFailed              = errors.New("send failed")
	ErrTransientTransport      = errors.New("transient transport error")
	ErrAlreadyInFlight         = errors.New("payment already in flight")
	ErrPaymentInitiationFailed = errors.New("payment initiation failed")
	ErrTimedOut                = errors.New("payment confirmation timed out")
	ErrCancelled               = errors.New("cancelled")
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrUnauthorized            = errors.New("unauthorized")
)

// ordered most specific first: a failed send wrapping a transport error is a send failure.
var kinds = []struct {
	err  error
	kind ErrorType
}{
	{ErrInvalidOrder, ErrorInvalidOrder},
	{ErrEmptyContent, ErrorEmptyContent},
	{ErrSendFailed, ErrorSendFailed},
	{ErrAlreadyInFlight, ErrorAlreadyInFlight},
	{ErrPaymentInitiationFailed, ErrorPaymentInitiationFailed},
	{ErrTimedOut, ErrorTimedOut},
	{ErrCancelled, ErrorCancelled},
	{ErrMalformedPayload, ErrorMalformedPayload},
	{ErrUnauthorized, ErrorUnauthorized},
	{ErrTransientTransport, ErrorTransientTransport},
}

// KindOf returns the stable error type name for err, or "" for nil.
func KindOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCancelled
	}
	return ErrorUnknown
}

// IsTransient reports whether err should be retried by a polling loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}

// IsTransientStatus reports whether an HTTP status code is worth retrying.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}
