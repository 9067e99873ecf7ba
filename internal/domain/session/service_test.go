package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
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

// -- Mock Repository --

// mockRepo keeps the session row apart from its child records, as the
// database does, so GetByID always hands out a fresh copy.
type mockRepo struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]screening.Session
	vitals        []screening.Vitals
	submissions   map[uuid.UUID]screening.Submission
	assessments   []screening.DoctorAssessment
	history       []screening.StatusHistory
	updateErr     error
	// submissionErr fails AddSubmission.
	submissionErr error
	lockedReads   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		sessions:    make(map[uuid.UUID]screening.Session),
		submissions: make(map[uuid.UUID]screening.Submission),
	}
}

func (m *mockRepo) Create(_ context.Context, s *screening.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.VersionID = 1
	m.sessions[s.ID] = *s
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*screening.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[id]
	if !ok {
		return nil, screening.ErrNotFound
	}
	s := row
	s.Vitals, s.Submission, s.Assessments = nil, nil, nil
	for i := len(m.vitals) - 1; i >= 0; i-- {
		if m.vitals[i].SessionID == id {
			v := m.vitals[i]
			s.Vitals = &v
			break
		}
	}
	if sub, ok := m.submissions[id]; ok {
		s.Submission = &sub
	}
	for _, a := range m.assessments {
		if a.SessionID == id {
			s.Assessments = append(s.Assessments, a)
		}
	}
	return &s, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*screening.Session, error) {
	m.mu.Lock()
	m.lockedReads++
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

func (m *mockRepo) List(_ context.Context, f screening.ListFilter, limit, offset int) ([]*screening.Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*screening.Session
	for _, row := range m.sessions {
		if f.PatientID != uuid.Nil && row.PatientID != f.PatientID {
			continue
		}
		if f.State != "" && row.State != f.State {
			continue
		}
		s := row
		result = append(result, &s)
	}
	return result, len(result), nil
}

func (m *mockRepo) UpdateState(_ context.Context, s *screening.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	row, ok := m.sessions[s.ID]
	if !ok {
		return screening.ErrNotFound
	}
	if row.VersionID != s.VersionID {
		return screening.ErrVersionConflict
	}
	row.State = s.State
	row.FollowUpReason = s.FollowUpReason
	row.UpdatedAt = s.UpdatedAt
	row.VersionID++
	m.sessions[s.ID] = row
	s.VersionID = row.VersionID
	return nil
}

func (m *mockRepo) AddVitals(_ context.Context, v *screening.Vitals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = uuid.New()
	m.vitals = append(m.vitals, *v)
	return nil
}

func (m *mockRepo) ListVitalsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*screening.Vitals, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*screening.Vitals
	for i := len(m.vitals) - 1; i >= 0; i-- {
		if m.vitals[i].PatientID == patientID {
			v := m.vitals[i]
			result = append(result, &v)
		}
	}
	return result, len(result), nil
}

func (m *mockRepo) AddSubmission(_ context.Context, sub *screening.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submissionErr != nil {
		return m.submissionErr
	}
	sub.ID = uuid.New()
	m.submissions[sub.SessionID] = *sub
	return nil
}

func (m *mockRepo) AddAssessment(_ context.Context, a *screening.DoctorAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	m.assessments = append(m.assessments, *a)
	return nil
}

func (m *mockRepo) ListAssessments(_ context.Context, sessionID uuid.UUID) ([]*screening.DoctorAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*screening.DoctorAssessment
	for _, a := range m.assessments {
		if a.SessionID == sessionID {
			a := a
			result = append(result, &a)
		}
	}
	return result, nil
}

func (m *mockRepo) AddStatusHistory(_ context.Context, h *screening.StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = uuid.New()
	m.history = append(m.history, *h)
	return nil
}

func (m *mockRepo) GetStatusHistory(_ context.Context, sessionID uuid.UUID) ([]*screening.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*screening.StatusHistory
	for _, h := range m.history {
		if h.SessionID == sessionID {
			h := h
			result = append(result, &h)
		}
	}
	return result, nil
}

// inTx gives the mock transactional semantics: a failing fn rolls every map
// back to its state before the call.
func (m *mockRepo) inTx(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	sessions := make(map[uuid.UUID]screening.Session, len(m.sessions))
	for k, v := range m.sessions {
		sessions[k] = v
	}
	submissions := make(map[uuid.UUID]screening.Submission, len(m.submissions))
	for k, v := range m.submissions {
		submissions[k] = v
	}
	nVitals, nAssessments, nHistory := len(m.vitals), len(m.assessments), len(m.history)
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.sessions, m.submissions = sessions, submissions
		m.vitals = m.vitals[:nVitals]
		m.assessments = m.assessments[:nAssessments]
		m.history = m.history[:nHistory]
		m.mu.Unlock()
		return err
	}
	return nil
}

// -- Test doubles --

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Topic)
	}
	return out
}

// recordingMetrics counts recorder calls keyed by their joined labels.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (r *recordingMetrics) inc(parts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[strings.Join(parts, "|")]++
}

func (r *recordingMetrics) count(parts ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[strings.Join(parts, "|")]
}

func (r *recordingMetrics) TransitionApplied(from, to, event string) {
	r.inc("applied", from, to, event)
}

func (r *recordingMetrics) TransitionRejected(event, reason string) {
	r.inc("rejected", event, reason)
}

func (r *recordingMetrics) Classified(p, category string, referral bool) {
	r.inc("classified", p, category, strconv.FormatBool(referral))
}

func (r *recordingMetrics) ValidationFailed(subject string) {
	r.inc("invalid", subject)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (lock.Release, error) {
	return nil, lock.ErrNotAcquired
}

type testEnv struct {
	svc     *Service
	repo    *mockRepo
	pub     *capturePublisher
	metrics *recordingMetrics
}

func newTestEnv() *testEnv {
	repo := newMockRepo()
	svc := NewService(repo, pathway.NewRegistry(), permission.NewDefaultEngine(), zerolog.Nop())
	svc.SetTxFunc(repo.inTx)
	pub := &capturePublisher{}
	svc.SetPublisher(pub)
	m := newRecordingMetrics()
	svc.SetMetrics(m)
	return &testEnv{svc: svc, repo: repo, pub: pub, metrics: m}
}

func newTestService() *Service {
	return newTestEnv().svc
}

var (
	nurse  = Actor{ID: "nurse-1", Role: permission.RoleNurse}
	doctor = Actor{ID: "doctor-1", Role: permission.RoleDoctor}
	mls    = Actor{ID: "mls-1", Role: permission.RoleMLS}
	him    = Actor{ID: "him-1", Role: permission.RoleHIMOfficer}
)

const fastingDiabetes = `{"test_type":"fasting","blood_sugar_level":130,"test_time":"08:00","fasting_duration_hours":10}`

func vitals(s, d int) screening.Vitals {
	return screening.Vitals{BloodPressure: screening.BloodPressure{Systolic: s, Diastolic: d}}
}

func actionIDs(actions []action.Action) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}

func mustCreate(t *testing.T, env *testEnv, p pathway.Pathway) *screening.Session {
	t.Helper()
	out, err := env.svc.CreateSession(context.Background(), nurse, uuid.New(), p)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return out.Session
}

// -- Tests --

func TestCreateSession(t *testing.T) {
	env := newTestEnv()
	patientID := uuid.New()

	out, err := env.svc.CreateSession(context.Background(), nurse, patientID, pathway.Breast)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Session.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if out.State != screening.StatePending || out.Session.CreatedBy != "nurse-1" {
		t.Errorf("unexpected session: %+v", out.Session)
	}
	if got := actionIDs(out.Actions); !reflect.DeepEqual(got, []string{action.RecordVitals, string(pathway.Breast)}) {
		t.Errorf("pending nurse actions = %v", got)
	}
	if len(out.Steps) != 0 {
		t.Errorf("creation should report no steps, got %v", out.Steps)
	}
}

func TestCreateSession_Rejections(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, nurse, uuid.Nil, pathway.Breast)
	if !errors.Is(err, pathway.ErrInvalidPayload) {
		t.Errorf("expected validation error for missing patient, got %v", err)
	}

	_, err = svc.CreateSession(ctx, nurse, uuid.New(), pathway.Pathway("dental"))
	if !errors.Is(err, pathway.ErrUnknownPathway) {
		t.Errorf("expected ErrUnknownPathway, got %v", err)
	}

	_, err = svc.CreateSession(ctx, mls, uuid.New(), pathway.Diabetes)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for mls, got %v", err)
	}
}

func TestDiabetesScreening_EndToEnd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Diabetes)

	out, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(120, 80))
	if err != nil {
		t.Fatalf("record vitals: %v", err)
	}
	if out.State != screening.StateInProgress {
		t.Fatalf("expected in_progress, got %s", out.State)
	}
	if got := actionIDs(out.Actions); !reflect.DeepEqual(got, []string{action.RecordVitals, string(pathway.Diabetes)}) {
		t.Errorf("in_progress nurse actions = %v", got)
	}

	out, err = env.svc.SubmitPathway(ctx, mls, sess.ID, json.RawMessage(fastingDiabetes))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != screening.StateCompleted || out.Category != pathway.SugarDiabetes || out.Referral {
		t.Fatalf("unexpected outcome: state=%s category=%s referral=%v", out.State, out.Category, out.Referral)
	}
	if out.Session.Submission.SubmittedBy != "mls-1" {
		t.Errorf("submitted_by = %q", out.Session.Submission.SubmittedBy)
	}

	out, err = env.svc.RecordAssessment(ctx, doctor, sess.ID, screening.DoctorAssessment{
		Narrative:     "Fasting glucose in diabetic range, start management plan",
		PatientStatus: screening.PatientRequiresFollowUp,
	})
	if err != nil {
		t.Fatalf("assessment: %v", err)
	}
	if out.State != screening.StateFollowUp {
		t.Fatalf("expected follow_up, got %s", out.State)
	}

	got, err := env.svc.GetSession(ctx, him, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Actions) != 0 {
		t.Errorf("him_officer should see no actions, got %v", actionIDs(got.Actions))
	}
	if got.Session.Vitals == nil || got.Session.Submission == nil || len(got.Session.Assessments) != 1 {
		t.Error("session should carry vitals, submission and assessment")
	}

	history, err := env.svc.GetStatusHistory(ctx, him, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var steps []string
	for _, h := range history {
		steps = append(steps, string(h.FromState)+">"+string(h.ToState))
	}
	want := []string{"pending>in_progress", "in_progress>completed", "completed>follow_up"}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("history = %v, want %v", steps, want)
	}

	if n := len(env.pub.topics()); n != 6 {
		t.Errorf("expected 6 published events, got %d", n)
	}
	if n := env.metrics.count("applied", "in_progress", "completed", "pathway_submitted"); n != 1 {
		t.Errorf("transition count = %d", n)
	}
	if n := env.metrics.count("classified", "diabetes", "diabetes", "false"); n != 1 {
		t.Errorf("classification count = %d", n)
	}
}

func TestSubmitPathway_ReferralMovesToFollowUp(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Hypertension)
	if _, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(165, 100)); err != nil {
		t.Fatal(err)
	}

	raw := `{"readings":[{"systolic":165,"diastolic":100,"position":"sitting","arm":"left"},{"systolic":161,"diastolic":98,"position":"sitting","arm":"right"}]}`
	out, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != screening.StateFollowUp || !out.Referral || out.Category != pathway.BPHighStage2 {
		t.Fatalf("unexpected outcome: state=%s category=%s referral=%v", out.State, out.Category, out.Referral)
	}
	if len(out.Steps) != 2 {
		t.Errorf("expected two steps, got %v", out.Steps)
	}
	if out.Session.FollowUpReason == nil || *out.Session.FollowUpReason != "referral: hypertension high_stage_2" {
		t.Errorf("follow-up reason = %v", out.Session.FollowUpReason)
	}

	stored, _ := env.repo.GetByID(ctx, sess.ID)
	if stored.State != screening.StateFollowUp || stored.VersionID != 3 {
		t.Errorf("stored state=%s version=%d", stored.State, stored.VersionID)
	}
}

func TestSubmitPathway_CapabilityPerPathway(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Cervical)
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))

	_, err := env.svc.SubmitPathway(ctx, mls, sess.ID, json.RawMessage(`{"method":"via","result":"negative"}`))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	stored, _ := env.repo.GetByID(ctx, sess.ID)
	if stored.State != screening.StateInProgress || stored.Submission != nil {
		t.Error("forbidden submission changed the session")
	}
}

func TestSubmitPathway_BeforeVitals(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Diabetes)

	_, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes))
	if !errors.Is(err, screening.ErrVitalsRequired) {
		t.Fatalf("expected ErrVitalsRequired, got %v", err)
	}
	if screening.Kind(err) != screening.KindTransition {
		t.Errorf("kind = %s", screening.Kind(err))
	}
	if n := env.metrics.count("rejected", "pathway_submitted", "vitals_required"); n != 1 {
		t.Errorf("rejected count = %d", n)
	}
	stored, _ := env.repo.GetByID(ctx, sess.ID)
	if stored.State != screening.StatePending || stored.Submission != nil {
		t.Error("rejected submission changed the session")
	}
}

func TestSubmitPathway_InvalidPayload(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Diabetes)
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))

	_, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(`{"test_type":"fasting","test_time":"8am"}`))
	var verr *pathway.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := []string{"blood_sugar_level", "test_time", "fasting_duration_hours"}
	if !reflect.DeepEqual(verr.FieldNames(), want) {
		t.Errorf("fields = %v, want %v", verr.FieldNames(), want)
	}
	if n := env.metrics.count("invalid", "diabetes"); n != 1 {
		t.Errorf("validation count = %d", n)
	}
	stored, _ := env.repo.GetByID(ctx, sess.ID)
	if stored.State != screening.StateInProgress || stored.Submission != nil {
		t.Error("invalid payload changed the session")
	}
}

func TestSubmitPathway_Twice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Diabetes)
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))
	if _, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes)); err != nil {
		t.Fatal(err)
	}
	_, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes))
	if !errors.Is(err, screening.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestMutate_RollsBackOnPersistFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)
	env.repo.updateErr = screening.ErrVersionConflict

	_, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))
	if !errors.Is(err, screening.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if len(env.repo.vitals) != 0 || len(env.repo.history) != 0 {
		t.Error("failed mutation left records behind")
	}
	if len(env.pub.topics()) != 0 {
		t.Error("failed mutation published events")
	}
}

func TestSubmitPathway_FailedCommitNotCounted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Diabetes)
	if _, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76)); err != nil {
		t.Fatal(err)
	}
	env.repo.updateErr = screening.ErrVersionConflict

	_, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes))
	if !errors.Is(err, screening.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if n := env.metrics.count("classified", "diabetes", "diabetes", "false"); n != 0 {
		t.Errorf("rolled back submission counted %d classifications", n)
	}

	env.repo.updateErr = nil
	env.repo.submissionErr = errors.New("disk full")
	if _, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes)); err == nil {
		t.Fatal("expected submission error")
	}
	if n := env.metrics.count("classified", "diabetes", "diabetes", "false"); n != 0 {
		t.Errorf("failed insert counted %d classifications", n)
	}

	env.repo.submissionErr = nil
	out, err := env.svc.SubmitPathway(ctx, nurse, sess.ID, json.RawMessage(fastingDiabetes))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := env.metrics.count("classified", "diabetes", string(out.Category), "false"); n != 1 {
		t.Errorf("committed submission counted %d times", n)
	}
}

func TestMutate_SameStateOpsLockSessionRow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)
	if _, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76)); err != nil {
		t.Fatal(err)
	}
	before := env.repo.lockedReads

	out, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(121, 79))
	if err != nil {
		t.Fatalf("repeat vitals: %v", err)
	}
	if len(out.Steps) != 0 || out.Session.VersionID != 2 {
		t.Fatalf("repeat vitals should not change state: steps=%v version=%d", out.Steps, out.Session.VersionID)
	}
	if env.repo.lockedReads != before+1 {
		t.Errorf("same-state mutation should load the session with a row lock, got %d locked reads", env.repo.lockedReads-before)
	}
}

func TestMutate_LockBusy(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)
	env.svc.SetLocker(busyLocker{})

	_, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))
	if !errors.Is(err, screening.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMutate_ConcurrentVitalsSerialised(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(110+i, 70))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if len(env.repo.history) != 1 {
		t.Errorf("expected a single pending>in_progress step, got %d", len(env.repo.history))
	}
	if len(env.repo.vitals) != 8 {
		t.Errorf("expected 8 vitals records, got %d", len(env.repo.vitals))
	}
}

func TestRecordAssessment_ForbiddenForNurse(t *testing.T) {
	env := newTestEnv()
	sess := mustCreate(t, env, pathway.Breast)
	_, err := env.svc.RecordAssessment(context.Background(), nurse, sess.ID, screening.DoctorAssessment{
		Narrative: "n", PatientStatus: screening.PatientNormal,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestListAssessments_LatestFirst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))

	for _, n := range []string{"first", "second", "third"} {
		if _, err := env.svc.RecordAssessment(ctx, doctor, sess.ID, screening.DoctorAssessment{Narrative: n, PatientStatus: screening.PatientNormal}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := env.svc.ListAssessments(ctx, him, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Narrative != "third" || list[2].Narrative != "first" {
		t.Errorf("unexpected order: %v", list)
	}
}

func TestListPatientVitals(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sess := mustCreate(t, env, pathway.Breast)
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(118, 76))
	env.svc.RecordVitals(ctx, nurse, sess.ID, vitals(185, 95))

	items, total, err := env.svc.ListPatientVitals(ctx, him, sess.PatientID, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].BPCategory != pathway.BPHighStage2 || items[1].BPCategory != pathway.BPNormal {
		t.Errorf("unexpected vitals history: total=%d %+v", total, items)
	}
}

func TestListSessions_Filter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := mustCreate(t, env, pathway.Breast)
	mustCreate(t, env, pathway.PSA)
	env.svc.RecordVitals(ctx, nurse, a.ID, vitals(118, 76))

	items, total, err := env.svc.ListSessions(ctx, him, screening.ListFilter{State: screening.StateInProgress}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || items[0].ID != a.ID {
		t.Errorf("unexpected filter result: %d", total)
	}

	_, _, err = env.svc.ListSessions(ctx, him, screening.ListFilter{State: "archived"}, 20, 0)
	if !errors.Is(err, pathway.ErrInvalidPayload) {
		t.Errorf("expected validation error for bad state, got %v", err)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.GetSession(context.Background(), nurse, uuid.New())
	if !errors.Is(err, screening.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	env := newTestEnv()

	res, err := env.svc.Classify(mls, pathway.PSA, json.RawMessage(`{"psa_level":12.5,"patient_age":64,"collection_time":"09:30","normal_range_max":4}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Category != pathway.PSAElevated || !res.Referral {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(env.repo.sessions) != 0 {
		t.Error("classify must not create sessions")
	}

	if _, err := env.svc.Classify(nurse, pathway.PSA, json.RawMessage(`{}`)); !errors.Is(err, ErrForbidden) {
		t.Errorf("nurse lacks the PSA capability, got %v", err)
	}
}

func TestPublish_Topics(t *testing.T) {
	env := newTestEnv()
	sess := mustCreate(t, env, pathway.Breast)
	env.svc.RecordVitals(context.Background(), nurse, sess.ID, vitals(118, 76))

	got := env.pub.topics()
	sort.Strings(got)
	want := []string{"patient/" + sess.PatientID.String(), "screening/" + sess.ID.String()}
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}
	for _, ev := range env.pub.events {
		if ev.Type != TransitionedEvent || ev.ResourceID != sess.ID.String() {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() || time.Since(ev.Timestamp) > time.Minute {
			t.Errorf("event timestamp = %v", ev.Timestamp)
		}
	}
}
