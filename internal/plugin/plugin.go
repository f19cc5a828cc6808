// Package plugin defines the datastore plugin ABI: how a module's bytes
// reach a file, a database, or memory. The core only ever talks to this
// interface; concrete backings (Memory, Postgres, SQLite) live in
// sibling files.
//
// The interface abstracts "where a module's data actually lives" behind
// init/store/load/copy verbs, so the core can run against Postgres in
// production and an in-memory backing in tests.
package plugin

import (
	"context"

	"github.com/sysshare/confcore/internal/tree"
)

// Datastore is the plugin ABI: {init, destroy, store, load, copy,
// access_check, candidate_reset, running_modified, notif_append,
// notif_replay_iter}. One instance serves every module, each call naming
// its module.
type Datastore interface {
	Init(ctx context.Context, module string) error
	Destroy(ctx context.Context, module string) error

	Store(ctx context.Context, module string, t *tree.T) error
	Load(ctx context.Context, module string) (*tree.T, error)

	// Copy duplicates the srcModule's tree into dstModule within the same
	// backing (used for candidate-to-running copy-on-commit and
	// startup<->running reconciliation).
	Copy(ctx context.Context, srcModule, dstModule string) error

	AccessCheck(ctx context.Context, module, user string, mode AccessMode) (bool, error)

	CandidateReset(ctx context.Context, module string) error
	RunningModified(ctx context.Context, module string) (bool, error)

	NotifAppend(ctx context.Context, module string, ts int64, payload []byte) error
	NotifReplayIter(ctx context.Context, module string, t0, t1 int64) (ReplayIter, error)
}

// AccessMode is the operation AccessCheck is gating.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessExec
)

// ReplayIter yields stored notification records in timestamp order.
type ReplayIter interface {
	Next(ctx context.Context) (ts int64, payload []byte, ok bool, err error)
	Close() error
}
