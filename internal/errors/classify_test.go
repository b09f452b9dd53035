package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify_PostgresCodes(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{"40001", true},
		{"40P01", true},
		{"08006", true},
		{"08007", true},
		{"53300", true},
		{"57014", true},
		{"23505", false},
		{"42P01", false},
		{"22P02", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: tt.code, Message: "boom", Hint: "try again"}
			qe := Classify(fmt.Errorf("query failed: %w", pgErr))

			require.NotNil(t, qe)
			assert.Equal(t, Code(tt.code), qe.Code)
			assert.Equal(t, tt.retryable, qe.Retryable)
			assert.Equal(t, "try again", qe.Hint)
		})
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	qe := Classify(context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, qe.Code)
	assert.True(t, qe.Retryable)

	qe = Classify(context.Canceled)
	assert.Equal(t, CodeCancelled, qe.Code)
	assert.False(t, qe.Retryable)
}

func TestClassify_NetworkMessages(t *testing.T) {
	for _, msg := range []string{
		"TypeError: fetch failed",
		"dial tcp 10.0.0.1:5432: connect: connection refused",
		"lookup db.internal: no such host",
		"read: connection reset by peer",
		"write: broken pipe",
		"getaddrinfo ENOTFOUND db",
	} {
		qe := Classify(stderrors.New(msg))
		assert.Equal(t, CodeNetwork, qe.Code, msg)
		assert.True(t, qe.Retryable, msg)
	}
}

func TestClassify_UnknownIsNotRetryable(t *testing.T) {
	qe := Classify(stderrors.New("permission denied for table cultures"))
	assert.Equal(t, CodeUnknown, qe.Code)
	assert.False(t, qe.Retryable)
}

func TestClassify_PassesQueryErrorThrough(t *testing.T) {
	orig := NewQueryError(CodeRateLimited, "slow down", true, nil)
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestIsRetryableCode(t *testing.T) {
	assert.True(t, IsRetryableCode(CodeTimeout))
	assert.True(t, IsRetryableCode(CodeRateLimited))
	assert.True(t, IsRetryableCode("429"))
	assert.False(t, IsRetryableCode(CodeNoTransport))
	assert.False(t, IsRetryableCode(CodeUnknown))
}

func TestIsNotFoundResource(t *testing.T) {
	assert.True(t, IsNotFoundResource(&pgconn.PgError{Code: "42P01", Message: `relation "_health_check" does not exist`}))
	assert.True(t, IsNotFoundResource(stderrors.New("SQL logic error: no such table: _health_check (1)")))
	assert.False(t, IsNotFoundResource(stderrors.New("connection refused")))
	assert.False(t, IsNotFoundResource(nil))
}

func TestQueryError_ErrorAndUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	qe := NewQueryError(CodeNetwork, "request failed", true, cause)

	assert.Contains(t, qe.Error(), "NETWORK_ERROR")
	assert.Contains(t, qe.Error(), "socket closed")
	assert.True(t, stderrors.Is(qe, cause))
	assert.Equal(t, CodeNetwork, GetCode(fmt.Errorf("outer: %w", qe)))
	assert.Equal(t, CodeUnknown, GetCode(cause))
}

func TestConstructors(t *testing.T) {
	assert.False(t, NoTransport().Retryable)
	assert.True(t, Timeout(2*time.Second).Retryable)

	qt := QueueTimeout("op-1", 5*time.Second)
	assert.Equal(t, CodeQueueTimeout, qt.Code)
	assert.Equal(t, "op-1", qt.Details["operation_id"])
}
