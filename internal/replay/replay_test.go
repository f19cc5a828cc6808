package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/plugin"
)

func TestAppendAndReplayMonotonic(t *testing.T) {
	mem := plugin.NewMemory()
	require.NoError(t, mem.Init(context.Background(), "system"))
	log := NewLog(mem)

	require.NoError(t, log.Append(context.Background(), "system", "/system/event1", []byte("a")))
	time.Sleep(time.Millisecond)
	require.NoError(t, log.Append(context.Background(), "system", "/system/event2", []byte("b")))

	var entries []datamodel.ReplayEntry
	err := log.Replay(context.Background(), "system", time.Time{}, time.Time{}, func(e datamodel.ReplayEntry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Timestamp.Before(entries[1].Timestamp) || entries[0].Timestamp.Equal(entries[1].Timestamp))
	require.Equal(t, "/system/event1", entries[0].XPath)
	require.Equal(t, "/system/event2", entries[1].XPath)
}
