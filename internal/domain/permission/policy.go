package permission

import "fmt"

// DefaultTable returns the deployment policy shipped with the service. Each
// call returns a fresh table.
func DefaultTable() Table {
	return Table{
		RoleAdmin: NewCapabilitySet(allCapabilities...),
		RoleHIMOfficer: NewCapabilitySet(
			CapSessionCreate, CapScreeningRead,
			CapVitalsRead,
			CapAssessmentRead,
		),
		RoleNurse: NewCapabilitySet(
			CapSessionCreate, CapScreeningRead,
			CapVitalsRecord, CapVitalsRead,
			CapHypertensionCreate, CapDiabetesCreate, CapCervicalCreate, CapBreastCreate,
			CapAssessmentRead,
		),
		RoleDoctor: NewCapabilitySet(
			CapSessionCreate, CapScreeningRead,
			CapVitalsRecord, CapVitalsRead,
			CapHypertensionCreate, CapDiabetesCreate, CapCervicalCreate, CapBreastCreate, CapPSACreate,
			CapAssessmentCreate, CapAssessmentRead,
		),
		// Laboratory staff only run the lab pathways.
		RoleMLS: NewCapabilitySet(
			CapScreeningRead,
			CapVitalsRead,
			CapDiabetesCreate, CapPSACreate,
		),
		RoleCHO: NewCapabilitySet(
			CapSessionCreate, CapScreeningRead,
			CapVitalsRecord, CapVitalsRead,
			CapHypertensionCreate, CapDiabetesCreate, CapCervicalCreate, CapBreastCreate,
			CapAssessmentRead,
		),
	}
}

// TableFromStrings builds a Table from a raw role to capability-name mapping,
// as loaded from a policy file. Unknown roles or capabilities are rejected so
// a typo cannot silently widen or narrow access.
func TableFromStrings(raw map[string][]string) (Table, error) {
	t := make(Table, len(raw))
	for roleName, capNames := range raw {
		role, ok := ParseRole(roleName)
		if !ok {
			return nil, fmt.Errorf("unknown role %q in policy", roleName)
		}
		set := make(CapabilitySet, len(capNames))
		for _, name := range capNames {
			c, ok := ParseCapability(name)
			if !ok {
				return nil, fmt.Errorf("unknown capability %q for role %s", name, roleName)
			}
			set[c] = struct{}{}
		}
		t[role] = set
	}
	return t, nil
}
