package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/screening/screening/internal/platform/auth"
)

// AuditEntry records who touched which screening record and how.
type AuditEntry struct {
	UserID     string
	Role       string
	Resource   string // screenings, patients, pathways
	SessionID  string
	PatientID  string
	Action     string // read, create
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request as an access event, after the handler
// has run so the status is known. The optional recorder receives the same
// entry; its failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("session_id", entry.SessionID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

const apiPrefix = "/api/v1/"

func buildAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	ctx := req.Context()

	status := c.Response().Status
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
	}
	rid, _ := c.Get("request_id").(string)

	entry := AuditEntry{
		UserID:     auth.UserIDFromContext(ctx),
		Role:       string(auth.RoleFromContext(ctx)),
		Action:     httpMethodToAction(req.Method),
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		Path:       req.URL.Path,
		Method:     req.Method,
		Timestamp:  time.Now().UTC(),
		RequestID:  rid,
		StatusCode: status,
	}

	segments := strings.Split(strings.TrimPrefix(req.URL.Path, apiPrefix), "/")
	entry.Resource = segments[0]
	if entry.Resource == "" {
		entry.Resource = "unknown"
	}
	if len(segments) > 1 && isUUID(segments[1]) {
		switch entry.Resource {
		case "screenings":
			entry.SessionID = segments[1]
		case "patients":
			entry.PatientID = segments[1]
		}
	}
	if entry.PatientID == "" {
		if pid := c.QueryParam("patient_id"); isUUID(pid) {
			entry.PatientID = pid
		}
	}
	return entry
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
