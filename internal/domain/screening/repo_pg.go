package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool     *pgxpool.Pool
	registry *pathway.Registry
}

// NewRepoPG returns a Postgres-backed Repository. Stored submission payloads
// are rehydrated through registry.
func NewRepoPG(pool *pgxpool.Pool, registry *pathway.Registry) Repository {
	return &repoPG{pool: pool, registry: registry}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// =========== Session ===========

const sessionCols = `id, patient_id, pathway, state, follow_up_reason, created_by, version_id, created_at, updated_at`

func (r *repoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.PatientID, &s.Pathway, &s.State, &s.FollowUpReason,
		&s.CreatedBy, &s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	s.VersionID = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO screening_session (id, patient_id, pathway, state, follow_up_reason, created_by, version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.Pathway, s.State, s.FollowUpReason, s.CreatedBy, s.VersionID, s.CreatedAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.get(ctx, id, false)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.get(ctx, id, true)
}

func (r *repoPG) get(ctx context.Context, id uuid.UUID, forUpdate bool) (*Session, error) {
	q := `SELECT ` + sessionCols + ` FROM screening_session WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return nil, err
	}

	v, err := r.scanVitals(r.conn(ctx).QueryRow(ctx, `
		SELECT `+vitalsCols+` FROM vitals_record
		WHERE session_id = $1 ORDER BY recorded_at DESC, seq DESC LIMIT 1`, id))
	switch {
	case err == nil:
		s.Vitals = v
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load vitals: %w", err)
	}

	sub, err := r.getSubmission(ctx, id)
	switch {
	case err == nil:
		s.Submission = sub
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load submission: %w", err)
	}

	assessments, err := r.ListAssessments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load assessments: %w", err)
	}
	for _, a := range assessments {
		s.Assessments = append(s.Assessments, *a)
	}
	return s, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Session, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != uuid.Nil {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, f.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM screening_session`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM screening_session%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		sessionCols, clause, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *repoPG) UpdateState(ctx context.Context, s *Session) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE screening_session SET state=$3, follow_up_reason=$4, version_id=version_id+1, updated_at=$5
		WHERE id = $1 AND version_id = $2`,
		s.ID, s.VersionID, s.State, s.FollowUpReason, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	s.VersionID++
	return nil
}

// =========== Vitals ===========

const vitalsCols = `id, session_id, patient_id, systolic, diastolic, bp_category, weight_kg, pulse_bpm, temperature_c, recorded_by, recorded_at`

func (r *repoPG) scanVitals(row pgx.Row) (*Vitals, error) {
	var v Vitals
	err := row.Scan(&v.ID, &v.SessionID, &v.PatientID, &v.BloodPressure.Systolic, &v.BloodPressure.Diastolic,
		&v.BPCategory, &v.WeightKg, &v.PulseBPM, &v.TemperatureC, &v.RecordedBy, &v.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *repoPG) AddVitals(ctx context.Context, v *Vitals) error {
	v.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vitals_record (`+vitalsCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		v.ID, v.SessionID, v.PatientID, v.BloodPressure.Systolic, v.BloodPressure.Diastolic,
		v.BPCategory, v.WeightKg, v.PulseBPM, v.TemperatureC, v.RecordedBy, v.RecordedAt)
	return err
}

func (r *repoPG) ListVitalsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Vitals, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM vitals_record WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+vitalsCols+` FROM vitals_record
		WHERE patient_id = $1 ORDER BY recorded_at DESC, seq DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Vitals
	for rows.Next() {
		v, err := r.scanVitals(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

// =========== Submission ===========

func (r *repoPG) getSubmission(ctx context.Context, sessionID uuid.UUID) (*Submission, error) {
	var (
		sub Submission
		raw []byte
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, session_id, pathway, payload, category, referral, submitted_by, submitted_at
		FROM pathway_submission WHERE session_id = $1`, sessionID,
	).Scan(&sub.ID, &sub.SessionID, &sub.Pathway, &raw, &sub.Category, &sub.Referral, &sub.SubmittedBy, &sub.SubmittedAt)
	if err != nil {
		return nil, err
	}

	payload, err := r.registry.Decode(sub.Pathway, raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored %s payload: %w", sub.Pathway, err)
	}
	if sub.Payload, err = r.registry.Validate(sub.Pathway, payload); err != nil {
		return nil, fmt.Errorf("stored %s payload no longer validates: %w", sub.Pathway, err)
	}
	return &sub, nil
}

func (r *repoPG) AddSubmission(ctx context.Context, sub *Submission) error {
	payload, err := sub.Payload.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	sub.ID = uuid.New()
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO pathway_submission (id, session_id, pathway, payload, category, referral, submitted_by, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sub.ID, sub.SessionID, sub.Pathway, payload, sub.Category, sub.Referral, sub.SubmittedBy, sub.SubmittedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return transitionErr(StateCompleted, EventPathwaySubmitted, ErrAlreadySubmitted)
	}
	return err
}

// =========== Assessment ===========

func (r *repoPG) AddAssessment(ctx context.Context, a *DoctorAssessment) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_assessment (id, session_id, narrative, patient_status, referral_target, next_appointment, assessed_by, assessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.SessionID, a.Narrative, a.PatientStatus, a.ReferralTarget, a.NextAppointment, a.AssessedBy, a.AssessedAt)
	return err
}

func (r *repoPG) ListAssessments(ctx context.Context, sessionID uuid.UUID) ([]*DoctorAssessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, session_id, narrative, patient_status, referral_target, next_appointment, assessed_by, assessed_at
		FROM doctor_assessment WHERE session_id = $1 ORDER BY assessed_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DoctorAssessment
	for rows.Next() {
		var a DoctorAssessment
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Narrative, &a.PatientStatus, &a.ReferralTarget,
			&a.NextAppointment, &a.AssessedBy, &a.AssessedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

// =========== Status History ===========

func (r *repoPG) AddStatusHistory(ctx context.Context, h *StatusHistory) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO screening_status_history (id, session_id, from_state, to_state, event, actor, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.SessionID, h.FromState, h.ToState, h.Event, h.Actor, h.ChangedAt)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, sessionID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, session_id, from_state, to_state, event, actor, changed_at
		FROM screening_status_history WHERE session_id = $1 ORDER BY changed_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.SessionID, &h.FromState, &h.ToState, &h.Event, &h.Actor, &h.ChangedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
