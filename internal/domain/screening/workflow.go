// Package screening implements the screening-session state machine and its
// persistence.
package screening

import (
	"fmt"
	"strings"

	"github.com/screening/screening/internal/domain/pathway"
)

// Step is one applied state change.
type Step struct {
	From  State `json:"from"`
	To    State `json:"to"`
	Event Event `json:"event"`
}

// Transition applies ev to from. It is the only place the legal moves of a
// session are defined; states never move backwards.
func Transition(from State, ev Event) (State, error) {
	switch from {
	case StatePending:
		if ev == EventVitalsRecorded {
			return StateInProgress, nil
		}
	case StateInProgress:
		switch ev {
		case EventVitalsRecorded:
			return StateInProgress, nil
		case EventPathwaySubmitted, EventAssessmentRecorded:
			return StateCompleted, nil
		}
	case StateCompleted:
		switch ev {
		case EventAssessmentRecorded:
			return StateCompleted, nil
		case EventFollowUpFlagged:
			return StateFollowUp, nil
		}
	case StateFollowUp:
		switch ev {
		case EventAssessmentRecorded, EventFollowUpFlagged:
			return StateFollowUp, nil
		}
	}
	return from, transitionErr(from, ev, ErrIllegalTransition)
}

// Vitals ranges outside of which a reading is rejected as a data-entry error.
const (
	minWeightKg, maxWeightKg = 0.5, 500.0
	minPulse, maxPulse       = 20, 250
	minTempC, maxTempC       = 25.0, 45.0
)

// ValidateVitals checks the blood pressure pair and optional measurements.
func ValidateVitals(v Vitals) error {
	c := pathway.NewCollector("vitals")
	pathway.ValidateBloodPressure(c, "blood_pressure.", nonZero(v.BloodPressure.Systolic), nonZero(v.BloodPressure.Diastolic))
	if v.WeightKg != nil && (*v.WeightKg < minWeightKg || *v.WeightKg > maxWeightKg) {
		c.Add("weight_kg", "must be between %.1f and %.0f", minWeightKg, maxWeightKg)
	}
	if v.PulseBPM != nil && (*v.PulseBPM < minPulse || *v.PulseBPM > maxPulse) {
		c.Add("pulse_bpm", "must be between %d and %d", minPulse, maxPulse)
	}
	if v.TemperatureC != nil && (*v.TemperatureC < minTempC || *v.TemperatureC > maxTempC) {
		c.Add("temperature_c", "must be between %.0f and %.0f", minTempC, maxTempC)
	}
	return c.Err()
}

func nonZero(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// ValidateAssessment checks the narrative and patient status.
func ValidateAssessment(a DoctorAssessment) error {
	c := pathway.NewCollector("assessment")
	if strings.TrimSpace(a.Narrative) == "" {
		c.Add("narrative", "must not be empty")
	}
	if a.PatientStatus == "" {
		c.Add("patient_status", "is required")
	} else if !validPatientStatuses[a.PatientStatus] {
		c.Add("patient_status", "must be one of normal, abnormal, critical, requires_followup")
	}
	return c.Err()
}

// RecordVitals makes v the session's active vitals and moves a pending
// session to in_progress. The BP triage category is filled in on v.
func (s *Session) RecordVitals(v Vitals) ([]Step, error) {
	if err := ValidateVitals(v); err != nil {
		return nil, err
	}
	to, err := Transition(s.State, EventVitalsRecorded)
	if err != nil {
		return nil, err
	}

	v.SessionID = s.ID
	v.PatientID = s.PatientID
	v.BPCategory = pathway.ClassifyBloodPressure(float64(v.BloodPressure.Systolic), float64(v.BloodPressure.Diastolic))
	s.Vitals = &v
	return s.apply(to, EventVitalsRecorded), nil
}

// SubmitPathway attaches an evaluated pathway result. The session becomes
// completed, and then follow_up in the same call when the result flags a
// referral.
func (s *Session) SubmitPathway(res pathway.Result) ([]Step, error) {
	if s.Submission != nil {
		return nil, transitionErr(s.State, EventPathwaySubmitted, ErrAlreadySubmitted)
	}
	if s.Vitals == nil {
		return nil, transitionErr(s.State, EventPathwaySubmitted, ErrVitalsRequired)
	}
	if res.Pathway != s.Pathway || res.Payload.Pathway() != s.Pathway {
		return nil, transitionErr(s.State, EventPathwaySubmitted, ErrPathwayMismatch)
	}
	to, err := Transition(s.State, EventPathwaySubmitted)
	if err != nil {
		return nil, err
	}

	s.Submission = &Submission{
		SessionID: s.ID,
		Pathway:   res.Pathway,
		Payload:   res.Payload,
		Category:  res.Category,
		Referral:  res.Referral,
	}
	steps := s.apply(to, EventPathwaySubmitted)
	if res.Referral {
		reason := fmt.Sprintf("referral: %s %s", res.Pathway, res.Category)
		steps = append(steps, s.flagFollowUp(reason)...)
	}
	return steps, nil
}

// RecordAssessment appends a doctor assessment. An in_progress session
// becomes completed; a requires_followup status then moves it to follow_up.
// Sessions already completed or in follow-up never move backwards.
func (s *Session) RecordAssessment(a DoctorAssessment) ([]Step, error) {
	if err := ValidateAssessment(a); err != nil {
		return nil, err
	}
	to, err := Transition(s.State, EventAssessmentRecorded)
	if err != nil {
		return nil, err
	}

	a.SessionID = s.ID
	s.Assessments = append(s.Assessments, a)
	steps := s.apply(to, EventAssessmentRecorded)
	if a.PatientStatus == PatientRequiresFollowUp {
		steps = append(steps, s.flagFollowUp("doctor assessment: requires follow-up")...)
	}
	return steps, nil
}

// flagFollowUp runs FollowUpFlagged on a session that is known to be
// completed or already in follow-up.
func (s *Session) flagFollowUp(reason string) []Step {
	to, err := Transition(s.State, EventFollowUpFlagged)
	if err != nil {
		return nil
	}
	if s.FollowUpReason == nil {
		s.FollowUpReason = &reason
	}
	return s.apply(to, EventFollowUpFlagged)
}

// apply moves the session to `to` and reports the step when the state
// changed.
func (s *Session) apply(to State, ev Event) []Step {
	from := s.State
	s.State = to
	if from == to {
		return nil
	}
	return []Step{{From: from, To: to, Event: ev}}
}
