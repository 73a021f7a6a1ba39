package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A panicking callback must not kill the dispatch goroutine, and cpu_done
// must still be signaled so a barrier waiting on it does not hang forever.
func TestCallbackQueueRecoversFromPanic(t *testing.T) {
	b, drv := newTestBackend(t, Options{})
	dev := b.ActiveDevice()
	ctx, err := b.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })

	done, err := ctx.NewEvent(dev)
	require.NoError(t, err)
	defer done.Release()

	b.Callbacks().Enqueue(Callback{
		Fn:   func() { panic("boom") },
		Done: done,
	})

	require.Eventually(t, func() bool {
		finished, err := done.UpdateFinishStatus(drv)
		require.NoError(t, err)
		return finished
	}, time.Second, time.Millisecond)

	// The dispatch goroutine must still be alive to run a second callback.
	secondRan := make(chan struct{})
	b.Callbacks().Enqueue(Callback{Fn: func() { close(secondRan) }})
	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("callback queue goroutine did not survive the panic")
	}
}
