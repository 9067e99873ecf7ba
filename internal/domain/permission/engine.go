// Package permission holds the static role to capability policy and answers
// authorization queries against it. Denial is always expressed as an absent
// capability, never as an error.
package permission

// Engine answers capability queries for a fixed policy table. It is safe for
// concurrent use because the table is never written after construction.
type Engine struct {
	table Table
}

// NewEngine copies table into a read-only engine. Unknown roles in table are
// kept as-is; lookups for roles absent from it yield an empty set.
func NewEngine(table Table) *Engine {
	t := make(Table, len(table))
	for role, caps := range table {
		t[role] = caps.clone()
	}
	return &Engine{table: t}
}

// NewDefaultEngine returns an engine over DefaultTable.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultTable())
}

// CapabilitiesFor returns a copy of the role's capability set.
func (e *Engine) CapabilitiesFor(role Role) CapabilitySet {
	return e.table[role].clone()
}

// Has reports whether role owns c.
func (e *Engine) Has(role Role, c Capability) bool {
	return e.table[role].Contains(c)
}

// HasAny reports whether role owns at least one of caps.
func (e *Engine) HasAny(role Role, caps ...Capability) bool {
	set := e.table[role]
	for _, c := range caps {
		if set.Contains(c) {
			return true
		}
	}
	return false
}

// HasAll reports whether role owns every one of caps. An empty list is
// trivially satisfied.
func (e *Engine) HasAll(role Role, caps ...Capability) bool {
	set := e.table[role]
	for _, c := range caps {
		if !set.Contains(c) {
			return false
		}
	}
	return true
}

// Roles returns the known roles that have an entry in the table, in
// declaration order.
func (e *Engine) Roles() []Role {
	var out []Role
	for _, r := range allRoles {
		if _, ok := e.table[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
