// Package pathway holds the screening pathways: their payload shapes,
// validation rules, classifiers and referral rules. Everything here is pure;
// persistence and transport live elsewhere.
package pathway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/screening/screening/internal/domain/permission"
)

// ErrUnknownPathway is returned for a pathway name the registry does not hold.
var ErrUnknownPathway = errors.New("unknown pathway")

// Registry is the fixed catalogue of screening pathways.
type Registry struct {
	defs map[Pathway]Definition
}

// NewRegistry returns the registry of all five pathways.
func NewRegistry() *Registry {
	return &Registry{defs: map[Pathway]Definition{
		Hypertension: {Pathway: Hypertension, Capability: permission.CapHypertensionCreate, ActionLabel: "BP Screening"},
		Diabetes:     {Pathway: Diabetes, Capability: permission.CapDiabetesCreate, ActionLabel: "Blood Sugar Test"},
		Cervical:     {Pathway: Cervical, Capability: permission.CapCervicalCreate, ActionLabel: "Cervical Screening"},
		Breast:       {Pathway: Breast, Capability: permission.CapBreastCreate, ActionLabel: "Breast Examination"},
		PSA:          {Pathway: PSA, Capability: permission.CapPSACreate, ActionLabel: "PSA Test"},
	}}
}

// Lookup returns the definition for p.
func (r *Registry) Lookup(p Pathway) (Definition, bool) {
	d, ok := r.defs[p]
	return d, ok
}

// Definitions returns every definition in pathway declaration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(allPathways))
	for _, p := range allPathways {
		out = append(out, r.defs[p])
	}
	return out
}

// Decode parses a raw JSON body into the payload type of p. Unknown fields
// and trailing data are rejected.
func (r *Registry) Decode(p Pathway, raw []byte) (Payload, error) {
	var payload Payload
	switch p {
	case Hypertension:
		var v HypertensionPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, decodeError(p, err)
		}
		payload = v
	case Diabetes:
		var v DiabetesPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, decodeError(p, err)
		}
		payload = v
	case Cervical:
		var v CervicalPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, decodeError(p, err)
		}
		payload = v
	case Breast:
		var v BreastPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, decodeError(p, err)
		}
		payload = v
	case PSA:
		var v PSAPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, decodeError(p, err)
		}
		payload = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPathway, p)
	}
	return payload, nil
}

func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after payload")
	}
	return nil
}

func decodeError(p Pathway, err error) error {
	return &ValidationError{
		Subject: string(p),
		Fields:  []FieldError{{Field: "body", Message: err.Error()}},
	}
}

// Validate checks payload against the rules of p. Validation has no side
// effects, so repeated calls on the same payload give the same answer.
func (r *Registry) Validate(p Pathway, payload Payload) (Validated, error) {
	if _, ok := r.defs[p]; !ok {
		return Validated{}, fmt.Errorf("%w: %q", ErrUnknownPathway, p)
	}
	if payload == nil || payload.Pathway() != p {
		return Validated{}, &ValidationError{
			Subject: string(p),
			Fields:  []FieldError{{Field: "body", Message: fmt.Sprintf("is not a %s payload", p)}},
		}
	}

	var err error
	switch v := payload.(type) {
	case HypertensionPayload:
		err = validateHypertension(v)
	case DiabetesPayload:
		err = validateDiabetes(v)
	case CervicalPayload:
		err = validateCervical(v)
	case BreastPayload:
		err = validateBreast(v)
	case PSAPayload:
		err = validatePSA(v)
	default:
		// Pointer payloads satisfy Payload through the value methods but
		// are never decoded by the registry.
		err = &ValidationError{
			Subject: string(p),
			Fields:  []FieldError{{Field: "body", Message: fmt.Sprintf("unsupported payload type %T", payload)}},
		}
	}
	if err != nil {
		return Validated{}, err
	}
	return Validated{payload: payload}, nil
}

// Classify maps a validated payload to its clinical category. The zero
// Validated has no category.
func (r *Registry) Classify(v Validated) Category {
	switch p := v.payload.(type) {
	case HypertensionPayload:
		s, d := meanReading(p.Readings)
		return ClassifyBloodPressure(s, d)
	case DiabetesPayload:
		return ClassifyBloodSugar(p.TestType, *p.BloodSugarLevel)
	case CervicalPayload:
		return classifyCervical(p)
	case BreastPayload:
		return classifyBreast(p)
	case PSAPayload:
		return ClassifyPSA(*p.PSALevel)
	default:
		return ""
	}
}

// RequiresReferral reports whether the outcome must be escalated to a
// doctor.
func (r *Registry) RequiresReferral(v Validated, category Category) bool {
	switch p := v.payload.(type) {
	case HypertensionPayload:
		return category == BPHighStage2 || category == BPCrisis
	case DiabetesPayload:
		// Blood sugar results are escalated by the reviewing doctor, not at
		// submission.
		return false
	case CervicalPayload:
		return category == CervicalPositive || category == CervicalSuspicious
	case BreastPayload:
		return category == BreastHighRisk || p.LymphNodeStatus == lymphEnlarged
	case PSAPayload:
		return category == PSAElevated
	default:
		return false
	}
}

// EvaluatePayload validates, classifies and applies the referral rule in one
// step.
func (r *Registry) EvaluatePayload(p Pathway, payload Payload) (Result, error) {
	v, err := r.Validate(p, payload)
	if err != nil {
		return Result{}, err
	}
	category := r.Classify(v)
	return Result{
		Pathway:  p,
		Payload:  v,
		Category: category,
		Referral: r.RequiresReferral(v, category),
	}, nil
}

// Evaluate decodes raw as a payload of p and evaluates it.
func (r *Registry) Evaluate(p Pathway, raw []byte) (Result, error) {
	payload, err := r.Decode(p, raw)
	if err != nil {
		return Result{}, err
	}
	return r.EvaluatePayload(p, payload)
}
