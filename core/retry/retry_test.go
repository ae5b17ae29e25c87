// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestDo(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	errFlaky := errors.New("flaky")
	errFatal := errors.New("fatal")

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(err)
	require.Equal(3, calls)

	calls = 0
	err = Do(context.Background(), p, func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(err, errFlaky)
	require.Equal(3, calls)

	calls = 0
	p.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }
	err = Do(context.Background(), p, func(context.Context) error {
		calls++
		return errFatal
	})
	require.ErrorIs(err, errFatal)
	require.Equal(1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = Do(ctx, p, func(ctx context.Context) error {
		calls++
		return ctx.Err()
	})
	require.ErrorIs(err, context.Canceled)
	require.Equal(1, calls)
}
