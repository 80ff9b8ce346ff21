package semaphore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaystack/dalg/semaphore"
)

func TestGateBlocksBeyondCapacity(t *testing.T) {
	g := semaphore.New(1)

	require.NoError(t, g.Acquire(context.Background()))
	require.False(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, g.Acquire(ctx))

	g.Release()
	require.True(t, g.TryAcquire())
}
