package screening

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows a session listing. Zero values match everything.
type ListFilter struct {
	PatientID uuid.UUID
	State     State
}

// Repository persists sessions and their append-only records. GetByID loads
// the active vitals, the submission and every assessment with the session.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetForUpdate loads like GetByID and row-locks the session until the
	// enclosing transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Session, int, error)
	// UpdateState writes state and follow-up reason when the stored version
	// still equals s.VersionID, then bumps s.VersionID. A stale version
	// returns ErrVersionConflict.
	UpdateState(ctx context.Context, s *Session) error

	AddVitals(ctx context.Context, v *Vitals) error
	ListVitalsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Vitals, int, error)

	AddSubmission(ctx context.Context, sub *Submission) error

	AddAssessment(ctx context.Context, a *DoctorAssessment) error
	ListAssessments(ctx context.Context, sessionID uuid.UUID) ([]*DoctorAssessment, error)

	AddStatusHistory(ctx context.Context, h *StatusHistory) error
	GetStatusHistory(ctx context.Context, sessionID uuid.UUID) ([]*StatusHistory, error)
}
