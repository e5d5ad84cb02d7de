package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	t.Parallel()

	b := NewTokenBucket(2, 50)
	ctx := context.Background()

	require.NoError(t, b.Wait(ctx))
	require.NoError(t, b.Wait(ctx))

	// Bucket drained; the next token trickles back in ~20ms.
	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucketHonoursContext(t *testing.T) {
	t.Parallel()

	b := NewTokenBucket(1, 0.001)
	require.NoError(t, b.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
