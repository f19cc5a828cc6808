// Package subscription implements the in-process subscription registry.
// It tracks which sessions subscribe to which (module, kind) pair with
// what flags, mirrors membership into the module's Sub-SHM roster, and
// stitches operational-get callback contributions into a read of the
// operational datastore.
//
// Subscriber bookkeeping is keyed by topic, with a priority field and an
// unsubscribe-by-handle operation that tears down every registration
// filed under one handle at once.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

// OperGetCallback appends this subscriber's contribution for xpath into
// parent, returning an error only for a hard callback failure.
type OperGetCallback func(ctx context.Context, xpath string, parent *tree.Node) error

// Subscription is one registered interest.
type Subscription struct {
	Handle   uint64
	Module   string
	Kind     datamodel.SubKind
	XPath    string
	Flags    datamodel.SubFlags
	Priority int32
	OperGet  OperGetCallback // set only for operational-get subscriptions
	ring     subshm.Ring
	memberID string
}

// Registry tracks every live subscription and the Ring each module's
// (kind) pair delivers through.
type Registry struct {
	mu            sync.RWMutex
	nextHandle    uint64
	subsByHandle  map[uint64][]*Subscription
	ringResolver  func(module string, kind datamodel.SubKind) subshm.Ring
}

func NewRegistry(ringResolver func(module string, kind datamodel.SubKind) subshm.Ring) *Registry {
	return &Registry{
		subsByHandle: make(map[uint64][]*Subscription),
		ringResolver: ringResolver,
	}
}

// Subscribe files one subscription and returns its handle; CTX_REUSE
// callers pass an existing handle to add this registration under it
// instead of minting a new one, letting multiple subscriptions share
// one handle.
func (r *Registry) Subscribe(existingHandle uint64, module string, kind datamodel.SubKind, xpath string, flags datamodel.SubFlags, priority int32, operGet OperGetCallback) (uint64, error) {
	ring := r.ringResolver(module, kind)
	if ring == nil {
		return 0, errtax.New(errtax.UnknownModule, module, "no Sub-SHM ring for module %q kind %v", module, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	handle := existingHandle
	if handle == 0 || flags&datamodel.FlagCtxReuse == 0 {
		r.nextHandle++
		handle = r.nextHandle
	}

	memberID := memberIDFor(handle, len(r.subsByHandle[handle]))
	sub := &Subscription{
		Handle: handle, Module: module, Kind: kind, XPath: xpath,
		Flags: flags, Priority: priority, OperGet: operGet,
		ring: ring, memberID: memberID,
	}
	ring.Subscribe(subshm.Member{ID: memberID, Priority: priority, DoneOnly: flags&datamodel.FlagDoneOnly != 0})
	r.subsByHandle[handle] = append(r.subsByHandle[handle], sub)
	return handle, nil
}

// Unsubscribe removes every subscription filed under handle by tearing
// down its ring membership. An event already posted and waiting on one
// of its acks is not woken; that wait ends with the poster's context.
func (r *Registry) Unsubscribe(handle uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subsByHandle[handle] {
		sub.ring.Unsubscribe(sub.memberID)
	}
	delete(r.subsByHandle, handle)
}

// OperationalProviders reports whether any active subscription would
// count as an operational-data provider for module. Passive subscribers
// never count as operational-data providers for their subscribed
// subtree.
func (r *Registry) OperationalProviders(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, subs := range r.subsByHandle {
		for _, s := range subs {
			if s.Module == module && s.OperGet != nil && s.Flags&datamodel.FlagPassive == 0 {
				return true
			}
		}
	}
	return false
}

// StitchOperational builds the operational-datastore overlay for module
// by invoking every non-passive operational-get callback in descending
// priority order and letting it write its contribution, under its
// subscribed xpath, directly into a copy of base.
func (r *Registry) StitchOperational(ctx context.Context, module string, base *tree.T) (*tree.T, error) {
	r.mu.RLock()
	var providers []*Subscription
	for _, subs := range r.subsByHandle {
		for _, s := range subs {
			if s.Module == module && s.OperGet != nil && s.Flags&datamodel.FlagPassive == 0 {
				providers = append(providers, s)
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(providers, func(i, j int) bool { return providers[i].Priority > providers[j].Priority })

	out := &tree.T{Root: base.Root.Clone()}
	for _, p := range providers {
		target := out.Root
		if p.XPath != "" {
			segs := tree.SplitXPath(p.XPath)
			for _, seg := range segs {
				name, keys := tree.ParseSegment(seg)
				target = ensureChild(target, name, keys)
			}
		}
		if err := p.OperGet(ctx, p.XPath, target); err != nil {
			return nil, errtax.New(errtax.CallbackFailed, p.XPath, "operational-get callback failed: %v", err)
		}
	}
	return out, nil
}

func ensureChild(parent *tree.Node, name string, keys map[string]string) *tree.Node {
	for _, c := range parent.Children {
		if c.Name == name && keysEqual(c.Keys, keys) {
			return c
		}
	}
	kind := tree.KindContainer
	if len(keys) > 0 {
		kind = tree.KindList
	}
	c := &tree.Node{Name: name, Kind: kind, Keys: keys}
	parent.Children = append(parent.Children, c)
	return c
}

func keysEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func memberIDFor(handle uint64, seq int) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 24)
	buf = append(buf, "sub-"...)
	buf = appendUint(buf, handle, hexDigits)
	buf = append(buf, '-')
	buf = appendUint(buf, uint64(seq), hexDigits)
	return string(buf)
}

func appendUint(buf []byte, v uint64, digits string) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, digits[v%16])
		v /= 16
	}
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}
