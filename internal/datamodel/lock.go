package datamodel

// LockState holds one module's lock bookkeeping: at most one write
// holder, a read count, an independent per-session ds-lock holder, and
// the upgradable read holder (at most one at a time).
type LockState struct {
	ReadCount         int
	WriteHolder       string // lease owner id, "" if unheld
	UpgradableHolder  string // lease owner id, "" if unheld
	DSLockHolder      uint64 // session id, 0 if unheld
	DSLockHolderSet   bool
	Inconsistent      bool // set by the lease reaper on owner-death
	PendingWriters    int  // fairness: queued writers take precedence over new readers
}
