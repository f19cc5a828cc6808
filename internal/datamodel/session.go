package datamodel

import "sync"

// Subscription flags, composable bitwise.
type SubFlags uint32

const (
	FlagNone     SubFlags = 0
	FlagCtxReuse SubFlags = 1 << 0
	FlagPassive  SubFlags = 1 << 1
	FlagDoneOnly SubFlags = 1 << 2
	FlagEnabled  SubFlags = 1 << 3
	FlagUpdate   SubFlags = 1 << 4
)

func (f SubFlags) Has(flag SubFlags) bool { return f&flag != 0 }

// SubKind is the kind of subscription registered with the subscription
// registry.
type SubKind int

const (
	SubModuleChange SubKind = iota
	SubOperationalGet
	SubRPC
	SubNotification
	SubYangPush
)

// Session is a client's staged-edit context bound to one datastore kind.
type Session struct {
	ID    uint64
	Conn  *Connection
	DS    DSKind
	User  string
	NCID  uint32 // NETCONF session id, 0 if not NETCONF-originated

	mu         sync.Mutex
	generation uint64 // schema generation observed at session start
	staged     *ChangeSet
	lastErr    error
	heldLocks  map[string]struct{} // module names this session ds_locks
}

func NewSession(id uint64, conn *Connection, ds DSKind, user string, generation uint64) *Session {
	return &Session{
		ID:         id,
		Conn:       conn,
		DS:         ds,
		User:       user,
		generation: generation,
		heldLocks:  make(map[string]struct{}),
	}
}

// Generation returns the schema generation this session was opened under.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Staged returns the session's pending edit tree, creating an empty one on
// first use for the given module.
func (s *Session) Staged(module string) *ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		s.staged = &ChangeSet{Module: module}
	}
	return s.staged
}

// DiscardStaged clears the staged edit, used both after a successful
// apply and when a context-changed error is raised.
func (s *Session) DiscardStaged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
}

// SetLastError / LastError implement the per-session error record that is
// cleared at the next operation's start.
func (s *Session) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) ClearLastError() {
	s.SetLastError(nil)
}

func (s *Session) MarkDSLocked(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heldLocks[module] = struct{}{}
}

func (s *Session) ClearDSLock(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heldLocks, module)
}

func (s *Session) HoldsDSLock(module string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.heldLocks[module]
	return ok
}

// Connection owns one schema context and a set of child sessions.
type Connection struct {
	ID uint64

	mu         sync.RWMutex
	generation uint64
	sessions   map[uint64]*Session
}

func NewConnection(id uint64, generation uint64) *Connection {
	return &Connection{ID: id, generation: generation, sessions: make(map[uint64]*Session)}
}

func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// RebuildContext advances the connection's observed generation. This
// must happen before any session proceeds once the generation has
// moved; callers are expected to fail in-flight sessions with
// context-changed first (see internal/session).
func (c *Connection) RebuildContext(newGeneration uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation = newGeneration
}

func (c *Connection) AddSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = s
}

func (c *Connection) RemoveSession(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

func (c *Connection) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}
