package permission

import "sort"

// Role is a staff role. The set is fixed at compile time.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleHIMOfficer Role = "him_officer"
	RoleNurse      Role = "nurse"
	RoleDoctor     Role = "doctor"
	RoleMLS        Role = "mls"
	RoleCHO        Role = "cho"
)

var allRoles = []Role{RoleAdmin, RoleHIMOfficer, RoleNurse, RoleDoctor, RoleMLS, RoleCHO}

// AllRoles returns every known role in declaration order.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// ParseRole maps a role claim onto a known Role.
func ParseRole(s string) (Role, bool) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Capability tags a single action a role may perform.
type Capability string

const (
	CapSessionCreate Capability = "screening:session:create"
	CapScreeningRead Capability = "screening:read"

	CapVitalsRecord Capability = "vitals:record"
	CapVitalsRead   Capability = "vitals:read"

	CapHypertensionCreate Capability = "screening:hypertension:create"
	CapDiabetesCreate     Capability = "screening:diabetes:create"
	CapCervicalCreate     Capability = "screening:cervical:create"
	CapBreastCreate       Capability = "screening:breast:create"
	CapPSACreate          Capability = "screening:psa:create"

	CapAssessmentCreate Capability = "assessment:create"
	CapAssessmentRead   Capability = "assessment:read"
)

var allCapabilities = []Capability{
	CapSessionCreate, CapScreeningRead,
	CapVitalsRecord, CapVitalsRead,
	CapHypertensionCreate, CapDiabetesCreate, CapCervicalCreate, CapBreastCreate, CapPSACreate,
	CapAssessmentCreate, CapAssessmentRead,
}

// AllCapabilities returns every known capability in declaration order.
func AllCapabilities() []Capability {
	out := make([]Capability, len(allCapabilities))
	copy(out, allCapabilities)
	return out
}

// ParseCapability maps a string onto a known Capability.
func ParseCapability(s string) (Capability, bool) {
	for _, c := range allCapabilities {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether c is in the set. A nil set contains nothing.
func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the members in lexical order, for stable output.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Table is the role to capability policy.
type Table map[Role]CapabilitySet
