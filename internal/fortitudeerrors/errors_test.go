package fortitudeerrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundDistinguishesCacheErrorKinds(t *testing.T) {
	assert.True(t, IsNotFound(&CacheError{Kind: CacheNotFound}))
	assert.False(t, IsNotFound(&CacheError{Kind: CacheIO}))
	assert.False(t, IsNotFound(errors.New("unrelated")))
}

func TestCacheErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &CacheError{Kind: CacheIO, Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestProviderErrorTemporaryClassification(t *testing.T) {
	assert.True(t, (&ProviderError{Code: ProviderServiceUnavailable}).Temporary())
	assert.True(t, (&ProviderError{Code: ProviderTimeout}).Temporary())
	assert.False(t, (&ProviderError{Code: ProviderAuthFailed}).Temporary())
	assert.False(t, (&ProviderError{Code: ProviderQuotaExceeded}).Temporary())
}

func TestFallbackExhaustedErrorUnwrapsLast(t *testing.T) {
	last := errors.New("last provider failed")
	err := &FallbackExhaustedError{Attempts: 3, Last: last}
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestCircuitOpenErrorMessageIncludesRecoveryTime(t *testing.T) {
	recovery := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := &CircuitOpenError{Provider: "anthropic", RecoveryTime: recovery}
	assert.Contains(t, err.Error(), "anthropic")
	assert.Contains(t, err.Error(), "2026-01-01")
}

func TestTaskErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskError{Kind: TaskFailed, TaskID: "t1", Cause: cause}
	assert.ErrorIs(t, err, cause)
}
