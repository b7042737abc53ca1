package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		err      error
		expected ErrorType
	}{
		{err: nil, expected: ""},
		{err: ErrInvalidOrder, expected: ErrorInvalidOrder},
		{err: errors.Wrap(ErrEmptyContent, "send"), expected: ErrorEmptyContent},
		{err: errors.Wrapf(ErrTransientTransport, "GET %s", "/messages/1"), expected: ErrorTransientTransport},
		{err: fmt.Errorf("%w: %w", ErrSendFailed, ErrTransientTransport), expected: ErrorSendFailed},
		{err: errors.Wrap(ErrAlreadyInFlight, "order 1"), expected: ErrorAlreadyInFlight},
		{err: ErrTimedOut, expected: ErrorTimedOut},
		{err: errors.Wrap(context.Canceled, "poll"), expected: ErrorCancelled},
		{err: errors.New("boom"), expected: ErrorUnknown},
	}
	for _, test := range testCases {
		assert.Equal(t, test.expected, KindOf(test.err))
	}
}

func TestIsTransientStatus(t *testing.T) {
	testCases := []struct {
		code     int
		expected bool
	}{
		{code: http.StatusOK, expected: false},
		{code: http.StatusBadRequest, expected: false},
		{code: http.StatusNotFound, expected: false},
		{code: http.StatusRequestTimeout, expected: true},
		{code: http.StatusTooManyRequests, expected: true},
		{code: http.StatusBadGateway, expected: true},
		{code: http.StatusServiceUnavailable, expected: true},
	}
	for _, test := range testCases {
		assert.Equal(t, test.expected, IsTransientStatus(test.code), "code %d", test.code)
	}
}

func TestIsTransient(t *testing.T) {
	assert.Assert(t, IsTransient(errors.Wrap(ErrTransientTransport, "dial")))
	assert.Assert(t, !IsTransient(ErrMalformedPayload))
}
