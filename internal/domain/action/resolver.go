// Package action works out which screening actions a role may take on a
// session right now.
package action

import (
	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/domain/permission"
	"github.com/screening/screening/internal/domain/screening"
)

// Action ids that are not tied to a pathway.
const (
	RecordVitals     = "record_vitals"
	DoctorAssessment = "doctor_assessment"
)

// Action is one control the caller may offer.
type Action struct {
	ID         string                `json:"id"`
	Label      string                `json:"label"`
	Capability permission.Capability `json:"capability"`
}

// Resolver combines the pathway registry and the permission engine.
type Resolver struct {
	registry *pathway.Registry
	engine   *permission.Engine
}

func NewResolver(registry *pathway.Registry, engine *permission.Engine) *Resolver {
	return &Resolver{registry: registry, engine: engine}
}

// ActionsFor lists the actions available for a session on pathway p in
// state st, filtered by what role may do. The order is fixed: vitals, then
// the pathway action, then the doctor assessment.
func (r *Resolver) ActionsFor(p pathway.Pathway, st screening.State, role permission.Role) []Action {
	caps := r.engine.CapabilitiesFor(role)
	out := []Action{}
	for _, a := range r.candidates(p, st) {
		if caps.Contains(a.Capability) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Resolver) candidates(p pathway.Pathway, st screening.State) []Action {
	var list []Action
	open := st == screening.StatePending || st == screening.StateInProgress

	if open {
		list = append(list, Action{ID: RecordVitals, Label: "Record Vitals", Capability: permission.CapVitalsRecord})
		if def, ok := r.registry.Lookup(p); ok {
			list = append(list, Action{ID: string(def.Pathway), Label: def.ActionLabel, Capability: def.Capability})
		}
	}
	if st == screening.StateInProgress {
		list = append(list, Action{ID: DoctorAssessment, Label: "Doctor Assessment", Capability: permission.CapAssessmentCreate})
	}
	return list
}
