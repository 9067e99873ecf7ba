// Package session serves screening sessions: it loads them, runs the state
// machine under a per-session lock, persists the outcome and announces it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/domain/action"
	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/domain/permission"
	"github.com/screening/screening/internal/domain/screening"
	"github.com/screening/screening/internal/platform/lock"
	"github.com/screening/screening/internal/platform/websocket"
)

// ErrForbidden is returned when the actor's role lacks the capability an
// operation needs.
var ErrForbidden = errors.New("capability required")

// Actor is the authenticated caller.
type Actor struct {
	ID   string
	Role permission.Role
}

// Recorder receives workflow counters.
type Recorder interface {
	TransitionApplied(from, to, event string)
	TransitionRejected(event, reason string)
	Classified(pathway, category string, referral bool)
	ValidationFailed(subject string)
}

// TxFunc runs fn inside a database transaction carried by ctx.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// Outcome is the record returned to callers after an operation.
type Outcome struct {
	Session  *screening.Session `json:"session"`
	State    screening.State    `json:"state"`
	Category pathway.Category   `json:"category,omitempty"`
	Referral bool               `json:"referral"`
	Steps    []screening.Step   `json:"steps"`
	Actions  []action.Action    `json:"actions"`
}

// TransitionedEvent is published after every applied step.
const TransitionedEvent = "screening.transitioned"

type Service struct {
	repo     screening.Repository
	registry *pathway.Registry
	engine   *permission.Engine
	resolver *action.Resolver
	locker   lock.Locker
	pub      websocket.EventPublisher
	metrics  Recorder
	inTx     TxFunc
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo screening.Repository, registry *pathway.Registry, engine *permission.Engine, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		engine:   engine,
		resolver: action.NewResolver(registry, engine),
		locker:   lock.NewLocalLocker(10 * time.Second),
		inTx:     func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker replaces the default in-process session locker.
func (s *Service) SetLocker(l lock.Locker) { s.locker = l }

// SetPublisher attaches a realtime event publisher.
func (s *Service) SetPublisher(p websocket.EventPublisher) { s.pub = p }

// SetMetrics attaches a metrics recorder.
func (s *Service) SetMetrics(m Recorder) { s.metrics = m }

// SetTxFunc makes every mutation run inside a transaction.
func (s *Service) SetTxFunc(fn TxFunc) { s.inTx = fn }

// Engine returns the permission engine used by the service.
func (s *Service) Engine() *permission.Engine { return s.engine }

// Pathways returns the registered pathway definitions.
func (s *Service) Pathways() []pathway.Definition { return s.registry.Definitions() }

func (s *Service) require(actor Actor, caps ...permission.Capability) error {
	if !s.engine.HasAll(actor.Role, caps...) {
		names := make([]string, len(caps))
		for i, c := range caps {
			names[i] = string(c)
		}
		return fmt.Errorf("%w: %s", ErrForbidden, strings.Join(names, ", "))
	}
	return nil
}

func (s *Service) CreateSession(ctx context.Context, actor Actor, patientID uuid.UUID, p pathway.Pathway) (*Outcome, error) {
	if err := s.require(actor, permission.CapSessionCreate); err != nil {
		return nil, err
	}
	if patientID == uuid.Nil {
		c := pathway.NewCollector("session")
		c.Add("patient_id", "is required")
		return nil, c.Err()
	}
	if _, ok := s.registry.Lookup(p); !ok {
		return nil, fmt.Errorf("%w: %q", pathway.ErrUnknownPathway, p)
	}

	sess := screening.NewSession(patientID, p)
	sess.CreatedBy = actor.ID
	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("patient_id", patientID.String()).
		Str("pathway", string(p)).
		Str("actor", actor.ID).
		Msg("screening session created")
	return s.outcome(sess, nil, actor), nil
}

func (s *Service) GetSession(ctx context.Context, actor Actor, id uuid.UUID) (*Outcome, error) {
	if err := s.require(actor, permission.CapScreeningRead); err != nil {
		return nil, err
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.outcome(sess, nil, actor), nil
}

func (s *Service) ListSessions(ctx context.Context, actor Actor, f screening.ListFilter, limit, offset int) ([]*screening.Session, int, error) {
	if err := s.require(actor, permission.CapScreeningRead); err != nil {
		return nil, 0, err
	}
	if f.State != "" && !f.State.Valid() {
		c := pathway.NewCollector("filter")
		c.Add("state", "must be one of pending, in_progress, completed, follow_up")
		return nil, 0, c.Err()
	}
	return s.repo.List(ctx, f, limit, offset)
}

// ActionsFor returns the caller's permitted actions on a session.
func (s *Service) ActionsFor(ctx context.Context, actor Actor, id uuid.UUID) ([]action.Action, error) {
	if err := s.require(actor, permission.CapScreeningRead); err != nil {
		return nil, err
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolver.ActionsFor(sess.Pathway, sess.State, actor.Role), nil
}

func (s *Service) RecordVitals(ctx context.Context, actor Actor, id uuid.UUID, v screening.Vitals) (*Outcome, error) {
	if err := s.require(actor, permission.CapVitalsRecord); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, sess *screening.Session) ([]screening.Step, error) {
		v.RecordedBy = actor.ID
		v.RecordedAt = s.now()
		steps, err := sess.RecordVitals(v)
		if err != nil {
			return nil, err
		}
		if err := s.repo.AddVitals(ctx, sess.Vitals); err != nil {
			return nil, fmt.Errorf("add vitals: %w", err)
		}
		return steps, nil
	})
}

// SubmitPathway evaluates raw against the session's pathway and attaches the
// result.
func (s *Service) SubmitPathway(ctx context.Context, actor Actor, id uuid.UUID, raw json.RawMessage) (*Outcome, error) {
	out, err := s.mutate(ctx, actor, id, func(ctx context.Context, sess *screening.Session) ([]screening.Step, error) {
		def, ok := s.registry.Lookup(sess.Pathway)
		if !ok {
			return nil, fmt.Errorf("%w: %q", pathway.ErrUnknownPathway, sess.Pathway)
		}
		if err := s.require(actor, def.Capability); err != nil {
			return nil, err
		}
		res, err := s.registry.Evaluate(sess.Pathway, raw)
		if err != nil {
			return nil, err
		}
		steps, err := sess.SubmitPathway(res)
		if err != nil {
			return nil, err
		}
		sess.Submission.SubmittedBy = actor.ID
		sess.Submission.SubmittedAt = s.now()
		if err := s.repo.AddSubmission(ctx, sess.Submission); err != nil {
			return nil, fmt.Errorf("add submission: %w", err)
		}
		return steps, nil
	})
	if err != nil {
		return nil, err
	}
	// Counted only once the submission is committed.
	if s.metrics != nil {
		s.metrics.Classified(string(out.Session.Pathway), string(out.Category), out.Referral)
	}
	return out, nil
}

func (s *Service) RecordAssessment(ctx context.Context, actor Actor, id uuid.UUID, a screening.DoctorAssessment) (*Outcome, error) {
	if err := s.require(actor, permission.CapAssessmentCreate); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, func(ctx context.Context, sess *screening.Session) ([]screening.Step, error) {
		a.AssessedBy = actor.ID
		a.AssessedAt = s.now()
		steps, err := sess.RecordAssessment(a)
		if err != nil {
			return nil, err
		}
		latest := &sess.Assessments[len(sess.Assessments)-1]
		if err := s.repo.AddAssessment(ctx, latest); err != nil {
			return nil, fmt.Errorf("add assessment: %w", err)
		}
		return steps, nil
	})
}

// ListAssessments returns a session's assessments, latest first.
func (s *Service) ListAssessments(ctx context.Context, actor Actor, id uuid.UUID) ([]*screening.DoctorAssessment, error) {
	if err := s.require(actor, permission.CapAssessmentRead); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	list, err := s.repo.ListAssessments(ctx, id)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (s *Service) GetStatusHistory(ctx context.Context, actor Actor, id uuid.UUID) ([]*screening.StatusHistory, error) {
	if err := s.require(actor, permission.CapScreeningRead); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

func (s *Service) ListPatientVitals(ctx context.Context, actor Actor, patientID uuid.UUID, limit, offset int) ([]*screening.Vitals, int, error) {
	if err := s.require(actor, permission.CapVitalsRead); err != nil {
		return nil, 0, err
	}
	return s.repo.ListVitalsByPatient(ctx, patientID, limit, offset)
}

// Classify evaluates raw without touching any session.
func (s *Service) Classify(actor Actor, p pathway.Pathway, raw json.RawMessage) (pathway.Result, error) {
	def, ok := s.registry.Lookup(p)
	if !ok {
		return pathway.Result{}, fmt.Errorf("%w: %q", pathway.ErrUnknownPathway, p)
	}
	if err := s.require(actor, def.Capability); err != nil {
		return pathway.Result{}, err
	}
	res, err := s.registry.Evaluate(p, raw)
	if err != nil {
		s.recordFailure(uuid.Nil, err)
		return pathway.Result{}, err
	}
	if s.metrics != nil {
		s.metrics.Classified(string(res.Pathway), string(res.Category), res.Referral)
	}
	return res, nil
}

// mutate serialises op on the session id, persists the resulting steps and
// state, and publishes them. A failed op leaves nothing behind.
//
// Ops that keep the state (repeat vitals, later assessments) only append rows
// and do not bump version_id. They are serialised by the session row lock
// taken in GetForUpdate, which holds even when the distributed lock expires
// mid-call.
func (s *Service) mutate(ctx context.Context, actor Actor, id uuid.UUID, op func(context.Context, *screening.Session) ([]screening.Step, error)) (*Outcome, error) {
	release, err := s.locker.Acquire(ctx, id.String())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %v", screening.ErrVersionConflict, err)
		}
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id.String()).Msg("release session lock")
		}
	}()

	var (
		sess  *screening.Session
		steps []screening.Step
	)
	err = s.inTx(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		steps, err = op(ctx, sess)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		sess.UpdatedAt = s.now()
		if err := s.repo.UpdateState(ctx, sess); err != nil {
			return err
		}
		for _, st := range steps {
			h := &screening.StatusHistory{
				SessionID: sess.ID,
				FromState: st.From,
				ToState:   st.To,
				Event:     st.Event,
				Actor:     actor.ID,
				ChangedAt: sess.UpdatedAt,
			}
			if err := s.repo.AddStatusHistory(ctx, h); err != nil {
				return fmt.Errorf("add status history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.recordFailure(id, err)
		return nil, err
	}

	for _, st := range steps {
		s.logger.Info().
			Str("session_id", sess.ID.String()).
			Str("from", string(st.From)).
			Str("to", string(st.To)).
			Str("event", string(st.Event)).
			Str("actor", actor.ID).
			Msg("screening transition")
		if s.metrics != nil {
			s.metrics.TransitionApplied(string(st.From), string(st.To), string(st.Event))
		}
	}
	s.publish(ctx, sess, steps)
	return s.outcome(sess, steps, actor), nil
}

func (s *Service) recordFailure(id uuid.UUID, err error) {
	switch screening.Kind(err) {
	case screening.KindValidation:
		subject := "unknown"
		var verr *pathway.ValidationError
		if errors.As(err, &verr) {
			subject = verr.Subject
		}
		if s.metrics != nil {
			s.metrics.ValidationFailed(subject)
		}
	case screening.KindTransition:
		var te *screening.TransitionError
		errors.As(err, &te)
		s.logger.Warn().
			Str("session_id", id.String()).
			Str("from", string(te.From)).
			Str("event", string(te.Event)).
			Err(te.Err).
			Msg("screening transition rejected")
		if s.metrics != nil {
			s.metrics.TransitionRejected(string(te.Event), rejectReason(te.Err))
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, screening.ErrVitalsRequired):
		return "vitals_required"
	case errors.Is(err, screening.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, screening.ErrPathwayMismatch):
		return "pathway_mismatch"
	default:
		return "illegal_transition"
	}
}

func (s *Service) publish(ctx context.Context, sess *screening.Session, steps []screening.Step) {
	if s.pub == nil || len(steps) == 0 {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"session_id": sess.ID,
		"patient_id": sess.PatientID,
		"pathway":    sess.Pathway,
		"state":      sess.State,
		"steps":      steps,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal transition event")
		return
	}
	for _, topic := range []string{"screening/" + sess.ID.String(), "patient/" + sess.PatientID.String()} {
		ev := websocket.Event{
			Type:         TransitionedEvent,
			Topic:        topic,
			ResourceType: "ScreeningSession",
			ResourceID:   sess.ID.String(),
			Timestamp:    sess.UpdatedAt,
			Data:         data,
		}
		if err := s.pub.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("publish transition event")
		}
	}
}

func (s *Service) outcome(sess *screening.Session, steps []screening.Step, actor Actor) *Outcome {
	o := &Outcome{
		Session: sess,
		State:   sess.State,
		Steps:   steps,
		Actions: s.resolver.ActionsFor(sess.Pathway, sess.State, actor.Role),
	}
	if o.Steps == nil {
		o.Steps = []screening.Step{}
	}
	if sess.Submission != nil {
		o.Category = sess.Submission.Category
		o.Referral = sess.Submission.Referral
	}
	return o
}
