package screening

import (
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/pathway"
)

// State is the lifecycle position of a screening session.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFollowUp   State = "follow_up"
)

var stateRank = map[State]int{
	StatePending:    0,
	StateInProgress: 1,
	StateCompleted:  2,
	StateFollowUp:   3,
}

// Rank orders states; a session's rank never decreases. Unknown states rank -1.
func (s State) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// ParseState maps a string onto a known State.
func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}

// Event drives the session state machine.
type Event string

const (
	EventVitalsRecorded     Event = "vitals_recorded"
	EventPathwaySubmitted   Event = "pathway_submitted"
	EventAssessmentRecorded Event = "assessment_recorded"
	EventFollowUpFlagged    Event = "follow_up_flagged"
)

// BloodPressure is always handled as a systolic/diastolic pair.
type BloodPressure struct {
	Systolic  int `json:"systolic"`
	Diastolic int `json:"diastolic"`
}

// Vitals maps to the vitals_record table. Records are never updated.
type Vitals struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	SessionID     uuid.UUID        `db:"session_id" json:"session_id"`
	PatientID     uuid.UUID        `db:"patient_id" json:"patient_id"`
	BloodPressure BloodPressure    `json:"blood_pressure"`
	BPCategory    pathway.Category `db:"bp_category" json:"bp_category"`
	WeightKg      *float64         `db:"weight_kg" json:"weight_kg,omitempty"`
	PulseBPM      *int             `db:"pulse_bpm" json:"pulse_bpm,omitempty"`
	TemperatureC  *float64         `db:"temperature_c" json:"temperature_c,omitempty"`
	RecordedBy    string           `db:"recorded_by" json:"recorded_by"`
	RecordedAt    time.Time        `db:"recorded_at" json:"recorded_at"`
}

// Submission maps to the pathway_submission table.
type Submission struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	SessionID   uuid.UUID         `db:"session_id" json:"session_id"`
	Pathway     pathway.Pathway   `db:"pathway" json:"pathway"`
	Payload     pathway.Validated `db:"payload" json:"payload"`
	Category    pathway.Category  `db:"category" json:"category"`
	Referral    bool              `db:"referral" json:"referral"`
	SubmittedBy string            `db:"submitted_by" json:"submitted_by"`
	SubmittedAt time.Time         `db:"submitted_at" json:"submitted_at"`
}

// PatientStatus is the doctor's overall judgement.
type PatientStatus string

const (
	PatientNormal           PatientStatus = "normal"
	PatientAbnormal         PatientStatus = "abnormal"
	PatientCritical         PatientStatus = "critical"
	PatientRequiresFollowUp PatientStatus = "requires_followup"
)

var validPatientStatuses = map[PatientStatus]bool{
	PatientNormal:           true,
	PatientAbnormal:         true,
	PatientCritical:         true,
	PatientRequiresFollowUp: true,
}

// DoctorAssessment maps to the doctor_assessment table.
type DoctorAssessment struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	SessionID       uuid.UUID     `db:"session_id" json:"session_id"`
	Narrative       string        `db:"narrative" json:"narrative"`
	PatientStatus   PatientStatus `db:"patient_status" json:"patient_status"`
	ReferralTarget  *string       `db:"referral_target" json:"referral_target,omitempty"`
	NextAppointment *time.Time    `db:"next_appointment" json:"next_appointment,omitempty"`
	AssessedBy      string        `db:"assessed_by" json:"assessed_by"`
	AssessedAt      time.Time     `db:"assessed_at" json:"assessed_at"`
}

// Session maps to the screening_session table together with its vitals,
// submission and assessments.
type Session struct {
	ID             uuid.UUID          `db:"id" json:"id"`
	PatientID      uuid.UUID          `db:"patient_id" json:"patient_id"`
	Pathway        pathway.Pathway    `db:"pathway" json:"pathway"`
	State          State              `db:"state" json:"state"`
	Vitals         *Vitals            `json:"vitals,omitempty"`
	Submission     *Submission        `json:"submission,omitempty"`
	Assessments    []DoctorAssessment `json:"assessments,omitempty"`
	FollowUpReason *string            `db:"follow_up_reason" json:"follow_up_reason,omitempty"`
	CreatedBy      string             `db:"created_by" json:"created_by"`
	VersionID      int                `db:"version_id" json:"version_id"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
}

// NewSession starts a pending session for patientID on pathway p.
func NewSession(patientID uuid.UUID, p pathway.Pathway) *Session {
	return &Session{
		PatientID: patientID,
		Pathway:   p,
		State:     StatePending,
	}
}

// LatestAssessment returns the most recent assessment, or nil.
func (s *Session) LatestAssessment() *DoctorAssessment {
	if len(s.Assessments) == 0 {
		return nil
	}
	a := s.Assessments[len(s.Assessments)-1]
	return &a
}

// StatusHistory maps to the screening_status_history table.
type StatusHistory struct {
	ID        uuid.UUID `db:"id" json:"id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	FromState State     `db:"from_state" json:"from_state"`
	ToState   State     `db:"to_state" json:"to_state"`
	Event     Event     `db:"event" json:"event"`
	Actor     string    `db:"actor" json:"actor"`
	ChangedAt time.Time `db:"changed_at" json:"changed_at"`
}
