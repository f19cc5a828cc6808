// Package replay implements the append-only per-module notification log
// and its replay iterator, sitting on top of the datastore plugin's
// notif_append/notif_replay_iter verbs. Replay hands its callback every
// stored entry whose timestamp lies between start and stop (both ends
// included) in timestamp order, then returns; it emits no
// NotifyReplayComplete marker and does not switch over to live
// NotifyRealtime delivery.
package replay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/plugin"
)

// Log appends and replays notifications for one module against a
// plugin.Datastore backing.
type Log struct {
	store plugin.Datastore
}

func NewLog(store plugin.Datastore) *Log {
	return &Log{store: store}
}

// Append records one notification at the current time.
func (l *Log) Append(ctx context.Context, module, xpath string, payload []byte) error {
	entry := datamodel.ReplayEntry{Timestamp: time.Now(), XPath: xpath, Payload: payload}
	buf, err := json.Marshal(entry)
	if err != nil {
		return errtax.New(errtax.Internal, module, "encode replay entry: %v", err)
	}
	return l.store.NotifAppend(ctx, module, entry.Timestamp.UnixNano(), buf)
}

// Replay streams every stored entry for module between start and stop
// (stop zero means "through now") into fn, in timestamp order, then
// returns. Monotonicity is guaranteed by the underlying plugin's ORDER
// BY ts query; callers doing a full history-then-live handoff should
// start their live subscription before calling Replay to avoid a gap,
// and rely on event-id fencing (internal/subshm) to drop any duplicate
// delivered twice across the handoff.
func (l *Log) Replay(ctx context.Context, module string, start, stop time.Time, fn func(datamodel.ReplayEntry) error) error {
	var stopNanos int64
	if !stop.IsZero() {
		stopNanos = stop.UnixNano()
	}
	it, err := l.store.NotifReplayIter(ctx, module, start.UnixNano(), stopNanos)
	if err != nil {
		return errtax.New(errtax.System, module, "open replay iterator: %v", err)
	}
	defer it.Close()

	for {
		_, payload, ok, err := it.Next(ctx)
		if err != nil {
			return errtax.New(errtax.System, module, "replay iterator: %v", err)
		}
		if !ok {
			return nil
		}
		var entry datamodel.ReplayEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return errtax.New(errtax.Internal, module, "decode replay entry: %v", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
