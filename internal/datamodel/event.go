package datamodel

import "time"

// EventType is the kind of event carried in a Sub-SHM slot.
type EventType int

const (
	EventUpdate EventType = iota
	EventChange
	EventDone
	EventAbort
	EventRPC
	EventNotif
	EventOperGet
)

func (t EventType) String() string {
	switch t {
	case EventUpdate:
		return "update"
	case EventChange:
		return "change"
	case EventDone:
		return "done"
	case EventAbort:
		return "abort"
	case EventRPC:
		return "rpc"
	case EventNotif:
		return "notif"
	case EventOperGet:
		return "oper-get"
	default:
		return "unknown"
	}
}

// Event is one slot posted to a module's Sub-SHM ring.
type Event struct {
	ID       uint64 // event_id: drawn from the ring's NextEventID; the commit orchestrator draws a fresh one for each phase it posts
	Type     EventType
	Module   string
	Priority int32

	// PayloadOffset is meaningful only for the Redis-backed cross-process
	// arena; in-process delivery carries the payload inline via Payload.
	PayloadOffset uint64
	Payload       any

	OriginatorSessionID uint64
	OriginatorNCID       uint32
	RequestTimestamp    time.Time

	// AckBitmap is indexed by subscriber registration order within the
	// module's roster at post time.
	AckBitmap uint64
}

// NotifyKind is the subset of event kinds delivered to notification
// subscribers.
type NotifyKind int

const (
	NotifyRealtime NotifyKind = iota
	NotifyReplay
	NotifyReplayComplete
	NotifyStop
)

// ReplayEntry is one row of the append-only per-module notification log.
type ReplayEntry struct {
	Timestamp time.Time
	XPath     string
	Payload   []byte
}
