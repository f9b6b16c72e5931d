package taskerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"ratchet/pkg/taskerr"
)

func TestRetryableClasses(t *testing.T) {
	retryable := []taskerr.Kind{
		taskerr.KindTimeout,
		taskerr.KindIoNetwork,
		taskerr.KindJsNetwork,
		taskerr.KindJsServiceUnavailable,
		taskerr.KindJsRateLimit,
		taskerr.KindWorkerCrash,
	}
	for _, k := range retryable {
		assert.True(t, taskerr.New(k, "x").Retryable(), "kind %s should be retryable", k)
	}

	permanent := []taskerr.Kind{
		taskerr.KindSchemaValidation,
		taskerr.KindTaskNotFound,
		taskerr.KindCancelled,
		taskerr.KindJsAuthentication,
		taskerr.KindJsHTTP,
		taskerr.KindInternal,
	}
	for _, k := range permanent {
		assert.False(t, taskerr.New(k, "x").Retryable(), "kind %s should not be retryable", k)
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := taskerr.New(taskerr.KindJsRateLimit, "too many requests").WithStatus(429)
	wrapped := fmt.Errorf("submit failed: %w", inner)

	assert.Equal(t, taskerr.KindJsRateLimit, taskerr.KindOf(wrapped))
	assert.True(t, taskerr.IsRetryable(wrapped))
	assert.Equal(t, 429, taskerr.HTTPStatusOf(wrapped))
	assert.Equal(t, taskerr.KindInternal, taskerr.KindOf(errors.New("plain")))
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, taskerr.ExitOK},
		{taskerr.New(taskerr.KindSchemaValidation, "bad input"), taskerr.ExitValidation},
		{taskerr.New(taskerr.KindConfig, "bad destination"), taskerr.ExitValidation},
		{taskerr.New(taskerr.KindQueueFull, "depth exceeded"), taskerr.ExitUnavailable},
		{taskerr.New(taskerr.KindTimeout, "deadline"), taskerr.ExitTempFailure},
		{taskerr.New(taskerr.KindWorkerCrash, "pipe closed"), taskerr.ExitTempFailure},
		{taskerr.New(taskerr.KindInternal, "invariant"), taskerr.ExitInternal},
		{errors.New("untyped"), taskerr.ExitInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, taskerr.ExitCode(c.err))
	}
}

func TestFromKindRoundTrip(t *testing.T) {
	e := taskerr.New(taskerr.KindJsAuthentication, "HTTP 401: Unauthorized").WithStatus(401)
	back := taskerr.FromKind(string(e.Kind), e.Message, e.HTTPStatus)
	assert.Equal(t, e.Kind, back.Kind)
	assert.Equal(t, e.Message, back.Message)
	assert.Equal(t, e.HTTPStatus, back.HTTPStatus)

	assert.Equal(t, taskerr.KindInternal, taskerr.FromKind("", "unknown", 0).Kind)
}
