// Package subshm implements one event channel per (module, subscription
// kind). A producer posts an Event; every member of the roster consumes it
// and acknowledges (optionally with an error); the producer waits for every
// member to ack or for its timeout to expire. Two backings exist: Local, an
// in-process ring over Go channels for same-process subscribers, and Redis,
// a cross-process ring over Redis Streams consumer groups
// (XADD/XREADGROUP/XACK).
package subshm

import (
	"context"
	"sync"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
)

// Ack is one subscriber's response to a posted event.
type Ack struct {
	MemberID string
	Err      error
	Amend    *datamodel.ChangeSet // non-nil only for update-phase amendments
	Result   any                  // non-nil only for RPC replies (rpcdispatch's output tree)
}

// Delivery is what a subscriber's consume loop receives: the event and the
// channel its Ack must be sent on.
type Delivery struct {
	Event datamodel.Event
	Reply chan<- Ack
}

// Member is one roster entry: identity, priority, and whether it only
// wants the done phase.
type Member struct {
	ID       string
	Priority int32
	DoneOnly bool
}

// Ring is the Sub-SHM contract for one (module, kind) channel.
type Ring interface {
	Roster() []Member
	Subscribe(m Member) <-chan Delivery
	Unsubscribe(memberID string)
	// Post delivers ev to every current roster member (skipping DoneOnly
	// members unless ev.Type is Done; Abort goes in reverse roster order)
	// and returns one Ack per delivered member once all have replied or
	// ctx is done. Local returns the acks in arrival order, Redis in
	// roster order.
	Post(ctx context.Context, ev datamodel.Event) ([]Ack, error)
	NextEventID() uint64
}

// Local is the in-process Ring backing. In-process subscribers see
// synchronous delivery for latency; only the wait for all acks is
// asynchronous/bounded by ctx.
type Local struct {
	mu      sync.Mutex
	members []Member
	chans   map[string]chan Delivery
	lastAck map[string]uint64 // member id -> highest acked event id, for fencing

	nextEventID uint64
}

func NewLocal() *Local {
	return &Local{
		chans:   make(map[string]chan Delivery),
		lastAck: make(map[string]uint64),
	}
}

func (r *Local) Roster() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Local) Subscribe(m Member) <-chan Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Delivery, 8)
	r.chans[m.ID] = ch
	r.members = append(r.members, m)
	sortRosterLocked(r.members)
	return ch
}

func (r *Local) Unsubscribe(memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.chans[memberID]; ok {
		close(ch)
		delete(r.chans, memberID)
	}
	delete(r.lastAck, memberID)
	for i, m := range r.members {
		if m.ID == memberID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
}

// sortRosterLocked orders by descending priority, ties broken by
// registration (stable insertion sort — roster sizes are small, in the
// tens, so this is simpler than pulling in sort.Slice's allocation).
func sortRosterLocked(members []Member) {
	for i := 1; i < len(members); i++ {
		j := i
		for j > 0 && members[j-1].Priority < members[j].Priority {
			members[j-1], members[j] = members[j], members[j-1]
			j--
		}
	}
}

func (r *Local) NextEventID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEventID++
	return r.nextEventID
}

func (r *Local) Post(ctx context.Context, ev datamodel.Event) ([]Ack, error) {
	r.mu.Lock()
	targets := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.DoneOnly && ev.Type != datamodel.EventDone {
			continue
		}
		targets = append(targets, m)
	}
	if ev.Type == datamodel.EventAbort {
		reverseMembers(targets)
	}
	chans := make(map[string]chan Delivery, len(targets))
	for _, m := range targets {
		chans[m.ID] = r.chans[m.ID]
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return nil, nil
	}

	reply := make(chan Ack, len(targets))
	for _, m := range targets {
		ch := chans[m.ID]
		if ch == nil {
			reply <- Ack{MemberID: m.ID, Err: errtax.New(errtax.System, ev.Module, "member %q has no delivery channel", m.ID)}
			continue
		}
		select {
		case ch <- Delivery{Event: ev, Reply: reply}:
		case <-ctx.Done():
			reply <- Ack{MemberID: m.ID, Err: errtax.New(errtax.Timeout, ev.Module, "timed out delivering event to %q", m.ID)}
		}
	}

	acks := make([]Ack, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for len(acks) < len(targets) {
		select {
		case a := <-reply:
			if seen[a.MemberID] {
				continue
			}
			if !r.fence(a.MemberID, ev.ID) {
				continue
			}
			seen[a.MemberID] = true
			acks = append(acks, a)
		case <-ctx.Done():
			for _, m := range targets {
				if seen[m.ID] {
					continue
				}
				acks = append(acks, Ack{MemberID: m.ID, Err: errtax.New(errtax.Timeout, ev.Module, "member %q did not ack event %d before timeout", m.ID, ev.ID)})
				seen[m.ID] = true
			}
		}
	}
	return acks, nil
}

// reverseMembers flips delivery order in place, used so an abort unwinds
// in the opposite order change was delivered in (lowest priority first).
func reverseMembers(m []Member) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

// fence discards an ack whose event id is older than the member's
// last-acknowledged id: a subscriber that reads an event whose id is
// older than its last acknowledged id discards it.
func (r *Local) fence(memberID string, eventID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastAck[memberID]; ok && eventID < last {
		return false
	}
	r.lastAck[memberID] = eventID
	return true
}

var _ Ring = (*Local)(nil)
