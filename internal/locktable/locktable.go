// Package locktable implements per-module read/write/ds-lock state
// machines. Go has no robust-mutex primitive, so the "owner-died"
// liveness contract is implemented with a renewable lease per holder,
// the same SET-with-TTL-plus-renewal pattern used for Redis distributed
// locks: a background sweep reclaims anything whose lease expired
// without being renewed.
package locktable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
)

// Config controls lease timing (mirrors config.LockConfig).
type Config struct {
	LeaseTTL       time.Duration
	RenewInterval  time.Duration
	AcquireTimeout time.Duration
	ReapInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		LeaseTTL:       10 * time.Second,
		RenewInterval:  3333 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReapInterval:   2 * time.Second,
	}
}

type moduleLock struct {
	mu sync.Mutex
	// condition variables implemented via broadcast channel swap, since
	// sync.Cond doesn't compose with context cancellation.
	waiters chan struct{}

	state datamodel.LockState

	// leases maps holder id -> expiry, for readers (keyed by a synthetic
	// per-read-handle id), the write holder, and the upgradable holder.
	leases map[string]time.Time
}

func newModuleLock() *moduleLock {
	return &moduleLock{waiters: make(chan struct{}), leases: make(map[string]time.Time)}
}

func (l *moduleLock) broadcast() {
	close(l.waiters)
	l.waiters = make(chan struct{})
}

// Table is the module lock table: one moduleLock per module name,
// created lazily on first use.
type Table struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*moduleLock
	dsLock map[string]uint64 // module -> owning session id

	stopReap chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[string]*moduleLock),
		dsLock:   make(map[string]uint64),
		stopReap: make(chan struct{}),
	}
	go t.reapLoop()
	return t
}

func (t *Table) Close() {
	close(t.stopReap)
}

func (t *Table) lockFor(module string) *moduleLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[module]
	if !ok {
		l = newModuleLock()
		t.locks[module] = l
	}
	return l
}

// Handle is returned by ReadLock/WriteLock and renews its own lease until
// released.
type Handle struct {
	table    *Table
	module   string
	id       string
	write    bool
	upgrade  bool
	stop     chan struct{}
	released sync.Once
}

func (h *Handle) keepAlive(ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			l := h.table.lockFor(h.module)
			l.mu.Lock()
			if _, held := l.leases[h.id]; held {
				l.leases[h.id] = time.Now().Add(ttl)
			}
			l.mu.Unlock()
		}
	}
}

// ReadLock blocks until a read lock on module is granted, subject to
// ctx's deadline and the fairness rule (a queued writer blocks new
// readers).
func (t *Table) ReadLock(ctx context.Context, module string) (*Handle, error) {
	l := t.lockFor(module)
	for {
		l.mu.Lock()
		if l.state.WriteHolder == "" && !l.state.Inconsistent && l.state.PendingWriters == 0 {
			l.state.ReadCount++
			id := newID()
			l.leases[id] = time.Now().Add(t.cfg.LeaseTTL)
			l.mu.Unlock()
			h := &Handle{table: t, module: module, id: id, stop: make(chan struct{})}
			go h.keepAlive(t.cfg.LeaseTTL, t.cfg.RenewInterval)
			return h, nil
		}
		wait := l.waiters
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errtax.New(errtax.Timeout, module, "read_lock timed out waiting on %q", module)
		}
	}
}

func (t *Table) ReadUnlock(h *Handle) error {
	if h == nil {
		return errtax.New(errtax.OperationFailed, "", "read_unlock called with nil handle")
	}
	l := t.lockFor(h.module)
	l.mu.Lock()
	if _, held := l.leases[h.id]; !held {
		l.mu.Unlock()
		return errtax.New(errtax.OperationFailed, h.module, "read_unlock: handle not held")
	}
	delete(l.leases, h.id)
	if l.state.ReadCount > 0 {
		l.state.ReadCount--
	}
	l.broadcast()
	l.mu.Unlock()
	h.released.Do(func() { close(h.stop) })
	return nil
}

// WriteLock blocks until the write lock is granted. If upgrade is true and
// the same handle already holds an upgradable read lock, pass it as
// fromUpgradable to convert in place without releasing visibility to other
// readers in between.
func (t *Table) WriteLock(ctx context.Context, module string, fromUpgradable *Handle) (*Handle, error) {
	l := t.lockFor(module)

	if fromUpgradable != nil {
		l.mu.Lock()
		if l.state.UpgradableHolder != fromUpgradable.id {
			l.mu.Unlock()
			return nil, errtax.New(errtax.OperationFailed, module, "write_lock: handle does not hold the upgradable read lock")
		}
		for l.state.ReadCount > 1 || l.state.WriteHolder != "" { // "> 1" because the upgrader itself holds one read slot conceptually via leases, tracked separately below
			wait := l.waiters
			l.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, errtax.New(errtax.Timeout, module, "write_lock (upgrade) timed out on %q", module)
			}
			l.mu.Lock()
		}
		delete(l.leases, fromUpgradable.id)
		l.state.UpgradableHolder = ""
		l.state.WriteHolder = fromUpgradable.id
		l.leases[fromUpgradable.id] = time.Now().Add(t.cfg.LeaseTTL)
		l.mu.Unlock()
		fromUpgradable.write = true
		return fromUpgradable, nil
	}

	l.mu.Lock()
	l.state.PendingWriters++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.state.PendingWriters--
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		if l.state.WriteHolder == "" && l.state.ReadCount == 0 && l.state.UpgradableHolder == "" && !l.state.Inconsistent {
			id := newID()
			l.state.WriteHolder = id
			l.leases[id] = time.Now().Add(t.cfg.LeaseTTL)
			l.mu.Unlock()
			h := &Handle{table: t, module: module, id: id, write: true, stop: make(chan struct{})}
			go h.keepAlive(t.cfg.LeaseTTL, t.cfg.RenewInterval)
			return h, nil
		}
		wait := l.waiters
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errtax.New(errtax.Timeout, module, "write_lock timed out waiting on %q", module)
		}
	}
}

// UpgradableReadLock grants a read lock that this session may later
// WriteLock(ctx, module, handle) to upgrade. At most one upgradable holder
// exists per module at a time.
func (t *Table) UpgradableReadLock(ctx context.Context, module string) (*Handle, error) {
	l := t.lockFor(module)
	for {
		l.mu.Lock()
		if l.state.UpgradableHolder == "" && l.state.WriteHolder == "" && !l.state.Inconsistent {
			id := newID()
			l.state.UpgradableHolder = id
			l.state.ReadCount++
			l.leases[id] = time.Now().Add(t.cfg.LeaseTTL)
			l.mu.Unlock()
			h := &Handle{table: t, module: module, id: id, upgrade: true, stop: make(chan struct{})}
			go h.keepAlive(t.cfg.LeaseTTL, t.cfg.RenewInterval)
			return h, nil
		}
		wait := l.waiters
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, errtax.New(errtax.Timeout, module, "upgradable read_lock timed out on %q", module)
		}
	}
}

func (t *Table) WriteUnlock(h *Handle) error {
	if h == nil || !h.write {
		return errtax.New(errtax.OperationFailed, "", "write_unlock called without a write handle")
	}
	l := t.lockFor(h.module)
	l.mu.Lock()
	if l.state.WriteHolder != h.id {
		l.mu.Unlock()
		return errtax.New(errtax.OperationFailed, h.module, "write_unlock: handle is not the write holder")
	}
	delete(l.leases, h.id)
	l.state.WriteHolder = ""
	if l.state.ReadCount > 0 && h.upgrade {
		l.state.ReadCount--
	}
	l.broadcast()
	l.mu.Unlock()
	h.released.Do(func() { close(h.stop) })
	return nil
}

// DSLock is the advisory, session-scoped, non-reentrant lock,
// independent of read/write locks. session.Core.ApplyChanges consults it
// (through DSLockHolder); reads never do, and this core has no
// copy_config operation.
func (t *Table) DSLock(module string, session uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, ok := t.dsLock[module]; ok {
		if holder == session {
			return errtax.New(errtax.Locked, module, "session %d already holds the ds-lock on %q", session, module)
		}
		return errtax.New(errtax.Locked, module, "ds-lock on %q is held by another session", module)
	}
	t.dsLock[module] = session
	return nil
}

func (t *Table) DSUnlock(module string, session uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	holder, ok := t.dsLock[module]
	if !ok {
		return errtax.New(errtax.OperationFailed, module, "ds-lock on %q is not held", module)
	}
	if holder != session {
		return errtax.New(errtax.OperationFailed, module, "ds-lock on %q is held by a different session", module)
	}
	delete(t.dsLock, module)
	return nil
}

// DSLockHolder reports the holder of module's ds-lock, 0 and false if
// unheld.
func (t *Table) DSLockHolder(module string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.dsLock[module]
	return s, ok
}

// Inconsistent reports whether module's lock was marked inconsistent by the
// lease reaper and has not yet been acknowledged.
func (t *Table) Inconsistent(module string) bool {
	l := t.lockFor(module)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Inconsistent
}

// ClearInconsistent acknowledges an owner-died sweep.
func (t *Table) ClearInconsistent(module string) {
	l := t.lockFor(module)
	l.mu.Lock()
	l.state.Inconsistent = false
	l.broadcast()
	l.mu.Unlock()
}

func (t *Table) reapLoop() {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopReap:
			return
		case <-ticker.C:
			t.reapOnce()
		}
	}
}

func (t *Table) reapOnce() {
	t.mu.Lock()
	names := make([]string, 0, len(t.locks))
	for name := range t.locks {
		names = append(names, name)
	}
	t.mu.Unlock()

	now := time.Now()
	for _, name := range names {
		l := t.lockFor(name)
		l.mu.Lock()
		expired := false
		for id, exp := range l.leases {
			if now.After(exp) {
				delete(l.leases, id)
				switch {
				case l.state.WriteHolder == id:
					l.state.WriteHolder = ""
					expired = true
				case l.state.UpgradableHolder == id:
					l.state.UpgradableHolder = ""
					if l.state.ReadCount > 0 {
						l.state.ReadCount--
					}
					expired = true
				case l.state.ReadCount > 0:
					// a plain reader's lease expired
					l.state.ReadCount--
					expired = true
				}
			}
		}
		if expired {
			l.state.Inconsistent = true
			t.logger.Warn("module lock holder lease expired, marking inconsistent", "module", name)
			l.broadcast()
		}
		l.mu.Unlock()
	}
}

var idCounter uint64
var idMu sync.Mutex

func newID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return time.Now().Format("150405.000000000") + "-" + itoa(idCounter)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
