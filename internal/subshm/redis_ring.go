package subshm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
)

// Redis is the cross-process Ring backing: one Redis Stream per (module,
// kind) pair, one consumer group per roster, XADD to post and
// XREADGROUP/XACK to consume and acknowledge. The stream-plus-
// consumer-group shape gets at-least-once delivery with per-consumer
// acknowledgment across processes.
type Redis struct {
	rdb    *redis.Client
	stream string
	group  string

	// roster is maintained locally; membership changes are not replicated
	// across processes, and nothing in this core distributes the roster
	// between processes — a roster entry is metadata, while delivery is
	// the stream.
	local *Local
}

func NewRedis(rdb *redis.Client, namespace, module, kind string) *Redis {
	return &Redis{
		rdb:    rdb,
		stream: fmt.Sprintf("%s:sub:%s:%s", namespace, module, kind),
		group:  fmt.Sprintf("%s:sub:%s:%s:group", namespace, module, kind),
		local:  NewLocal(),
	}
}

func (r *Redis) Roster() []Member                       { return r.local.Roster() }
func (r *Redis) Unsubscribe(memberID string)             { r.local.Unsubscribe(memberID) }
func (r *Redis) NextEventID() uint64                     { return r.local.NextEventID() }

// Subscribe registers the member locally and ensures a consumer group
// exists on the stream; the returned channel is fed by Consume, which the
// caller must run in a goroutine per member.
func (r *Redis) Subscribe(m Member) <-chan Delivery {
	ctx := context.Background()
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		// Surfaced to the caller via the first Consume call's error instead
		// of here, since Subscribe's signature (matching Ring) can't return
		// an error; record nothing further, Consume will retry group
		// creation on its first pass.
		_ = err
	}
	return r.local.Subscribe(m)
}

// Consume pumps messages for memberID from the stream into the channel
// Subscribe returned, until ctx is done. It is the caller's
// responsibility to run Consume in its own goroutine.
func (r *Redis) Consume(ctx context.Context, memberID string) error {
	if err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return errtax.New(errtax.System, "", "create consumer group: %v", err)
	}
	r.local.mu.Lock()
	ch, ok := r.local.chans[memberID]
	r.local.mu.Unlock()
	if !ok {
		return errtax.New(errtax.InvalidArgument, memberID, "member %q is not subscribed", memberID)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: memberID,
			Streams:  []string{r.stream, ">"},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errtax.New(errtax.System, "", "xreadgroup: %v", err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				ev, derr := decodeEvent(msg.Values)
				if derr != nil {
					r.rdb.XAck(ctx, r.stream, r.group, msg.ID)
					continue
				}
				reply := make(chan Ack, 1)
				select {
				case ch <- Delivery{Event: ev, Reply: reply}:
				case <-ctx.Done():
					return nil
				}
				select {
				case a := <-reply:
					if a.Err == nil {
						r.rdb.XAck(ctx, r.stream, r.group, msg.ID)
					}
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Post publishes ev to the stream (XADD) and waits for every current
// roster member to XACK their copy, polling XPENDING until all consumers
// have no pending entry for this id or ctx expires.
func (r *Redis) Post(ctx context.Context, ev datamodel.Event) ([]Ack, error) {
	targets := r.local.Roster()
	filtered := make([]Member, 0, len(targets))
	for _, m := range targets {
		if m.DoneOnly && ev.Type != datamodel.EventDone {
			continue
		}
		filtered = append(filtered, m)
	}
	if ev.Type == datamodel.EventAbort {
		reverseMembers(filtered)
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	payload, err := encodeEvent(ev)
	if err != nil {
		return nil, errtax.New(errtax.Internal, ev.Module, "encode event: %v", err)
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: payload}).Result()
	if err != nil {
		return nil, errtax.New(errtax.System, ev.Module, "xadd: %v", err)
	}

	acks := make([]Ack, 0, len(filtered))
	for _, m := range filtered {
		acks = append(acks, r.waitAck(ctx, id, m))
	}
	return acks, nil
}

func (r *Redis) waitAck(ctx context.Context, id string, m Member) Ack {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   r.stream,
			Group:    r.group,
			Consumer: m.ID,
			Start:    id,
			End:      id,
			Count:    1,
		}).Result()
		if err == nil && len(pending) == 0 {
			return Ack{MemberID: m.ID}
		}
		select {
		case <-ctx.Done():
			return Ack{MemberID: m.ID, Err: errtax.New(errtax.Timeout, "", "member %q did not ack before timeout", m.ID)}
		case <-ticker.C:
		}
	}
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

func encodeEvent(ev datamodel.Event) (map[string]interface{}, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":        ev.ID,
		"type":      int(ev.Type),
		"module":    ev.Module,
		"priority":  ev.Priority,
		"payload":   string(payload),
		"sessionId": ev.OriginatorSessionID,
		"ncid":      ev.OriginatorNCID,
		"ts":        ev.RequestTimestamp.UnixNano(),
	}, nil
}

func decodeEvent(values map[string]interface{}) (datamodel.Event, error) {
	var ev datamodel.Event
	get := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	var payload interface{}
	if p := get("payload"); p != "" {
		if err := json.Unmarshal([]byte(p), &payload); err != nil {
			return ev, err
		}
	}
	num := func(k string) uint64 {
		n, _ := strconv.ParseUint(get(k), 10, 64)
		return n
	}
	ev.ID = num("id")
	ev.Type = datamodel.EventType(num("type"))
	ev.Module = get("module")
	if p, err := strconv.ParseInt(get("priority"), 10, 32); err == nil {
		ev.Priority = int32(p)
	}
	ev.Payload = payload
	ev.OriginatorSessionID = num("sessionId")
	ev.OriginatorNCID = uint32(num("ncid"))
	if ts, err := strconv.ParseInt(get("ts"), 10, 64); err == nil {
		ev.RequestTimestamp = time.Unix(0, ts)
	}
	return ev, nil
}

var _ Ring = (*Redis)(nil)
