package rpcdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

func TestSendDispatchesToHighestPrioritySubscriber(t *testing.T) {
	ring := subshm.NewLocal()
	deliveries := ring.Subscribe(subshm.Member{ID: "handler-1", Priority: 10})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Serve(ctx, "handler-1", deliveries, func(_ context.Context, path string, input *tree.T) (*tree.T, error) {
		out, _ := tree.Parse([]string{"/result=ok"})
		return out, nil
	})

	d := New(ring, nil)
	input, err := tree.Parse([]string{"/request=ping"})
	require.NoError(t, err)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	output, err := d.Send(sendCtx, "/test-rpc", input)
	require.NoError(t, err)
	v, ok := output.Get("/result")
	require.True(t, ok)
	require.Equal(t, "ok", v)
}

func TestSendNoSubscriberReturnsNotFound(t *testing.T) {
	ring := subshm.NewLocal()
	d := New(ring, nil)
	input, err := tree.Parse(nil)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "/no-one-home", input)
	require.Error(t, err)
	require.Equal(t, errtax.NotFound, errtax.CodeOf(err))
}
