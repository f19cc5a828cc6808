// Package rpcdispatch implements synchronous RPC dispatch: rpc_send(path,
// input) posts an RPC event into the module's RPC Sub-SHM channel and
// returns the reply of the subscriber at highest priority. The post
// itself reaches every roster member of the ring and waits for all of
// their acks; only the highest-priority member's ack is used.
package rpcdispatch

import (
	"context"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

// Handler validates and executes one RPC, used by the single registered
// subscriber's consume loop.
type Handler func(ctx context.Context, path string, input *tree.T) (*tree.T, error)

// Dispatcher routes rpc_send calls through a module's RPC ring.
type Dispatcher struct {
	ring   subshm.Ring
	schema *tree.Schema // validates input/output when non-nil
}

func New(ring subshm.Ring, schema *tree.Schema) *Dispatcher {
	return &Dispatcher{ring: ring, schema: schema}
}

type rpcRequest struct {
	path  string
	input *tree.T
}

// Send is rpc_send(path, input): input is schema-validated and posted to
// the ring, the highest-priority roster member's reply is taken, and its output tree is
// schema-validated before return. errtax.NotFound is returned if the
// roster is empty.
func (d *Dispatcher) Send(ctx context.Context, path string, input *tree.T) (*tree.T, error) {
	if d.schema != nil {
		if err := tree.Validate(input, d.schema); err != nil {
			return nil, err
		}
	}

	roster := d.ring.Roster()
	if len(roster) == 0 {
		return nil, errtax.New(errtax.NotFound, path, "no RPC subscriber registered for %q", path)
	}
	target := roster[0]
	for _, m := range roster[1:] {
		if m.Priority > target.Priority {
			target = m
		}
	}

	// Post reaches every registered RPC subscriber for this ring, not just
	// target; a ring is expected to be dedicated to one rpc path in
	// practice (one ring per path), so in the normal case target is the
	// only roster member anyway. Only target's ack is consulted below.
	ev := datamodel.Event{
		ID:      d.ring.NextEventID(),
		Type:    datamodel.EventRPC,
		Module:  path,
		Payload: rpcRequest{path: path, input: input},
	}
	acks, err := d.ring.Post(ctx, ev)
	if err != nil {
		return nil, errtax.New(errtax.System, path, "posting rpc event: %v", err)
	}

	var reply *subshm.Ack
	for i := range acks {
		if acks[i].MemberID == target.ID {
			reply = &acks[i]
			break
		}
	}
	if reply == nil {
		return nil, errtax.New(errtax.CallbackFailed, path, "rpc subscriber %q did not reply", target.ID)
	}
	if reply.Err != nil {
		return nil, errtax.New(errtax.CallbackFailed, path, "rpc subscriber %q failed: %v", target.ID, reply.Err)
	}
	output, ok := reply.Result.(*tree.T)
	if !ok || output == nil {
		return nil, errtax.New(errtax.CallbackFailed, path, "rpc subscriber %q returned no output", target.ID)
	}
	if d.schema != nil {
		if err := tree.Validate(output, d.schema); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// Serve runs handler against every RPC delivery read from deliveries
// until ctx is done, replying on each Delivery's Reply channel. This is
// the subscriber-side consume loop a session registers once it
// subscribes to a module's RPC ring.
func Serve(ctx context.Context, memberID string, deliveries <-chan subshm.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			req, _ := d.Event.Payload.(rpcRequest)
			output, err := handler(ctx, req.path, req.input)
			ack := subshm.Ack{MemberID: memberID, Err: err, Result: output}
			select {
			case d.Reply <- ack:
			case <-ctx.Done():
				return
			}
		}
	}
}
