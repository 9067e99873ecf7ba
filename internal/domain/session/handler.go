package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/pathway"
	"github.com/screening/screening/internal/domain/permission"
	"github.com/screening/screening/internal/domain/screening"
	"github.com/screening/screening/internal/platform/auth"
	"github.com/screening/screening/pkg/pagination"
)

// maxPayloadBytes bounds a pathway submission body.
const maxPayloadBytes = 64 << 10

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	engine := h.svc.Engine()
	require := func(c permission.Capability) echo.MiddlewareFunc {
		return auth.RequireCapability(engine, c)
	}

	api.GET("/me/capabilities", h.MyCapabilities)
	api.GET("/pathways", h.ListPathways)
	// Pathway capability depends on the session; the service checks it.
	api.POST("/pathways/:pathway/classify", h.Classify)

	api.POST("/screenings", h.CreateSession, require(permission.CapSessionCreate))
	api.GET("/screenings", h.ListSessions, require(permission.CapScreeningRead))
	api.GET("/screenings/:id", h.GetSession, require(permission.CapScreeningRead))
	api.GET("/screenings/:id/actions", h.GetActions, require(permission.CapScreeningRead))
	api.GET("/screenings/:id/history", h.GetHistory, require(permission.CapScreeningRead))
	api.POST("/screenings/:id/vitals", h.RecordVitals, require(permission.CapVitalsRecord))
	api.POST("/screenings/:id/submission", h.SubmitPathway)
	api.POST("/screenings/:id/assessments", h.RecordAssessment, require(permission.CapAssessmentCreate))
	api.GET("/screenings/:id/assessments", h.ListAssessments, require(permission.CapAssessmentRead))

	api.GET("/patients/:id/vitals", h.ListPatientVitals, require(permission.CapVitalsRead))
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Role: auth.RoleFromContext(ctx)}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Request bodies --

type createSessionRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Pathway   string    `json:"pathway"`
}

type vitalsRequest struct {
	BloodPressure struct {
		Systolic  int `json:"systolic"`
		Diastolic int `json:"diastolic"`
	} `json:"blood_pressure"`
	WeightKg     *float64 `json:"weight_kg"`
	PulseBPM     *int     `json:"pulse_bpm"`
	TemperatureC *float64 `json:"temperature_c"`
}

type assessmentRequest struct {
	Narrative       string           `json:"narrative"`
	PatientStatus   string           `json:"patient_status"`
	ReferralTarget  *string          `json:"referral_target"`
	NextAppointment *appointmentDate `json:"next_appointment"`
}

// appointmentDate accepts an RFC 3339 timestamp or a bare calendar date,
// which is read as midnight UTC.
type appointmentDate struct {
	time.Time
}

func (d *appointmentDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("next_appointment %q is neither a date nor an RFC 3339 timestamp", s)
}

// -- Handlers --

func (h *Handler) MyCapabilities(c echo.Context) error {
	actor := actorFrom(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":      actor.ID,
		"role":         actor.Role,
		"capabilities": h.svc.Engine().CapabilitiesFor(actor.Role).Sorted(),
	})
}

func (h *Handler) ListPathways(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Pathways())
}

func (h *Handler) Classify(c echo.Context) error {
	p, ok := pathway.Parse(c.Param("pathway"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown pathway")
	}
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Classify(actorFrom(c), p, raw)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pathway":        res.Pathway,
		"category":       res.Category,
		"category_label": res.Category.Label(),
		"referral":       res.Referral,
	})
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.CreateSession(c.Request().Context(), actorFrom(c), req.PatientID, pathway.Pathway(req.Pathway))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.GetSession(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListSessions(c echo.Context) error {
	var f screening.ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = pid
	}
	f.State = screening.State(c.QueryParam("state"))

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), actorFrom(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.ForRequest(c, pg, items, total))
}

func (h *Handler) GetActions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	actions, err := h.svc.ActionsFor(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, actions)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.GetStatusHistory(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*screening.StatusHistory{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordVitals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req vitalsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v := screening.Vitals{
		BloodPressure: screening.BloodPressure{Systolic: req.BloodPressure.Systolic, Diastolic: req.BloodPressure.Diastolic},
		WeightKg:      req.WeightKg,
		PulseBPM:      req.PulseBPM,
		TemperatureC:  req.TemperatureC,
	}
	out, err := h.svc.RecordVitals(c.Request().Context(), actorFrom(c), id, v)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) SubmitPathway(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	out, err := h.svc.SubmitPathway(c.Request().Context(), actorFrom(c), id, raw)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) RecordAssessment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assessmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a := screening.DoctorAssessment{
		Narrative:      req.Narrative,
		PatientStatus:  screening.PatientStatus(req.PatientStatus),
		ReferralTarget: req.ReferralTarget,
	}
	if req.NextAppointment != nil {
		next := req.NextAppointment.Time
		a.NextAppointment = &next
	}
	out, err := h.svc.RecordAssessment(c.Request().Context(), actorFrom(c), id, a)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListAssessments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAssessments(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*screening.DoctorAssessment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListPatientVitals(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientVitals(c.Request().Context(), actorFrom(c), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.ForRequest(c, pg, items, total))
}

func readBody(c echo.Context) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if len(raw) > maxPayloadBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	return raw, nil
}

// httpError maps service errors onto HTTP statuses. Validation failures
// carry the offending fields.
func httpError(err error) error {
	if errors.Is(err, ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	switch screening.Kind(err) {
	case screening.KindValidation:
		body := map[string]interface{}{"error": err.Error()}
		var verr *pathway.ValidationError
		if errors.As(err, &verr) {
			body["subject"] = verr.Subject
			body["fields"] = verr.Fields
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, body)
	case screening.KindTransition:
		var te *screening.TransitionError
		errors.As(err, &te)
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
			"state": te.From,
			"event": te.Event,
		})
	case screening.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case screening.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, "screening session not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
