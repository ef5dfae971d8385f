package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrapPreservesKind(t *testing.T) {
	wrapped := Wrap(ErrUseAfterRelease, "transfer h-123")

	assert.Contains(t, wrapped.Error(), "transfer h-123")
	assert.True(t, Is(wrapped, ErrUseAfterRelease))
	assert.False(t, Is(wrapped, ErrAlreadyMeasured))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "no_cloning_violation", Kind(ErrNoCloningViolation))
	assert.Equal(t, "ledger_overdraft", Kind(Wrap(ErrLedgerOverdraft, "session s-1")))
	assert.Equal(t, "unknown", Kind(New("some other error")))
}

func TestKindNamesStableOrder(t *testing.T) {
	names := KindNames()
	require.Len(t, names, 10)
	assert.Equal(t, "invalid_dimension", names[0])
	assert.Equal(t, "scheduler_unavailable", names[9])
}

func TestIsCallerBug(t *testing.T) {
	assert.True(t, IsCallerBug(ErrNoCloningViolation))
	assert.True(t, IsCallerBug(Wrap(ErrUseAfterRelease, "measure")))
	assert.False(t, IsCallerBug(ErrLedgerOverdraft))
	assert.False(t, IsCallerBug(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrInsufficientCoherence))
	assert.True(t, IsRetryable(Wrap(ErrLedgerOverdraft, "reserve")))
	assert.False(t, IsRetryable(ErrUseAfterRelease))
	assert.False(t, IsRetryable(nil))
}
