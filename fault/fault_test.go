package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelMatching(t *testing.T) {
	err := Conflict("status %q does not allow %q", "completed", "running")
	require.True(t, errors.Is(err, ErrConflict))
	require.False(t, errors.Is(err, ErrStorage))

	wrapped := fmt.Errorf("update instance: %w", err)
	require.True(t, errors.Is(wrapped, ErrConflict), "kind must survive wrapping")
	require.Equal(t, KindConflict, KindOf(wrapped))
}

func TestExecutorCausePreservesClassification(t *testing.T) {
	orig := Timeout("task exceeded %dms", 500)
	require.Same(t, orig, ExecutorCause(fmt.Errorf("dispatch: %w", orig)))

	plain := errors.New("boom")
	fe := ExecutorCause(plain)
	require.Equal(t, KindExecutor, fe.Kind())
	require.True(t, fe.Retryable())
	require.True(t, errors.Is(fe, plain), "cause chain must be preserved")
}

func TestRetryableHints(t *testing.T) {
	require.True(t, IsRetryable(Timeout("t")))
	require.True(t, IsRetryable(Storage(errors.New("io"), "write")))
	require.True(t, IsRetryable(Executor(true, "flaky")))
	require.False(t, IsRetryable(Executor(false, "fatal")))
	require.False(t, IsRetryable(Validation("bad input")))
	require.False(t, IsRetryable(Template("unclosed ${")))
	require.False(t, IsRetryable(nil))
	require.True(t, IsRetryable(errors.New("unclassified")), "unknown errors default to retryable")
}

func TestNilSafety(t *testing.T) {
	var e *Error
	require.Empty(t, e.Error())
	require.NoError(t, e.Unwrap())
	require.False(t, e.Retryable())
	require.Nil(t, ExecutorCause(nil))
}
