// Package datamodel holds the structs for every first-class concept the
// core operates on: modules, datastores, sessions, connections, module
// locks, change records, events and replay entries.
package datamodel

// DSKind is one of the four datastore kinds a session can bind to.
type DSKind int

const (
	Startup DSKind = iota
	Running
	Operational
	Candidate
)

func (k DSKind) String() string {
	switch k {
	case Startup:
		return "startup"
	case Running:
		return "running"
	case Operational:
		return "operational"
	case Candidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Module is the MAIN-SHM row for one installed YANG module.
type Module struct {
	Name       string
	Revision   string
	SchemaPath string // handle into the (out-of-scope) schema context

	Owner string
	Group string
	Mode  uint32

	ReplayEnabled bool
	Features      map[string]bool // enabled feature set, snapshotted at install

	Implemented bool

	// PluginID per datastore kind; empty string means "no plugin bound".
	PluginID map[DSKind]string

	// Generation this module entry belongs to; bumped only by
	// schema-affecting rewrites, never by data writes.
	Generation uint64
}

func (m *Module) Clone() *Module {
	if m == nil {
		return nil
	}
	c := *m
	c.Features = make(map[string]bool, len(m.Features))
	for k, v := range m.Features {
		c.Features[k] = v
	}
	c.PluginID = make(map[DSKind]string, len(m.PluginID))
	for k, v := range m.PluginID {
		c.PluginID[k] = v
	}
	return &c
}

// FeatureEnabled reports whether feature f is enabled for this module,
// false for unknown features (sysrepo treats unknown features as disabled,
// not an error, since they may belong to a not-yet-installed augment).
func (m *Module) FeatureEnabled(f string) bool {
	if m == nil {
		return false
	}
	return m.Features[f]
}
