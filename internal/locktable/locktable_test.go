package locktable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/errtax"
)

func newTestTable(t *testing.T) *Table {
	cfg := DefaultConfig()
	cfg.LeaseTTL = 2 * time.Second
	cfg.RenewInterval = 200 * time.Millisecond
	cfg.ReapInterval = 100 * time.Millisecond
	tbl := New(cfg, nil)
	t.Cleanup(tbl.Close)
	return tbl
}

// A session that already holds a module's DS lock must not be able to
// re-acquire it.
func TestDSLockReentry(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.DSLock("test", 1))
	err := tbl.DSLock("test", 1)
	require.Error(t, err)
	e, ok := errtax.As(err)
	require.True(t, ok)
	require.Equal(t, errtax.Locked, e.Code)

	err = tbl.DSUnlock("when2", 1)
	require.Error(t, err)
	e, ok = errtax.As(err)
	require.True(t, ok)
	require.Equal(t, errtax.OperationFailed, e.Code)
}

func TestDSLockExclusion(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.DSLock("m", 1))
	err := tbl.DSLock("m", 2)
	require.Error(t, err)
	require.Equal(t, errtax.Locked, errtax.CodeOf(err))

	require.NoError(t, tbl.DSUnlock("m", 1))
	require.NoError(t, tbl.DSLock("m", 2))
}

func TestReadWriteExclusion(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	r1, err := tbl.ReadLock(ctx, "m")
	require.NoError(t, err)
	r2, err := tbl.ReadLock(ctx, "m")
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = tbl.WriteLock(wctx, "m", nil)
	require.Error(t, err)
	require.Equal(t, errtax.Timeout, errtax.CodeOf(err))

	require.NoError(t, tbl.ReadUnlock(r1))
	require.NoError(t, tbl.ReadUnlock(r2))

	w, err := tbl.WriteLock(ctx, "m", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.WriteUnlock(w))
}

func TestWriteFairnessBlocksNewReaders(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	r1, err := tbl.ReadLock(ctx, "m")
	require.NoError(t, err)

	writerGranted := make(chan struct{})
	go func() {
		w, err := tbl.WriteLock(ctx, "m", nil)
		require.NoError(t, err)
		close(writerGranted)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, tbl.WriteUnlock(w))
	}()

	// give the writer time to queue as pending
	time.Sleep(50 * time.Millisecond)

	rctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = tbl.ReadLock(rctx, "m")
	require.Error(t, err, "a new reader must queue behind a pending writer")

	require.NoError(t, tbl.ReadUnlock(r1))
	<-writerGranted
}

func TestUpgradableReadLockUpgrade(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	h, err := tbl.UpgradableReadLock(ctx, "m")
	require.NoError(t, err)

	other, err := tbl.ReadLock(ctx, "m")
	require.NoError(t, err)
	require.NoError(t, tbl.ReadUnlock(other))

	w, err := tbl.WriteLock(ctx, "m", h)
	require.NoError(t, err)
	require.NoError(t, tbl.WriteUnlock(w))
}

func TestLeaseReaperMarksInconsistent(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	w, err := tbl.WriteLock(ctx, "m", nil)
	require.NoError(t, err)
	// stop lease renewal without releasing, simulating a dead holder.
	w.released.Do(func() { close(w.stop) })

	require.Eventually(t, func() bool {
		return tbl.Inconsistent("m")
	}, 3*time.Second, 50*time.Millisecond)

	tbl.ClearInconsistent("m")

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	w2, err := tbl.WriteLock(wctx, "m", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.WriteUnlock(w2))
}
