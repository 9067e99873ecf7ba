package pathway

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidPayload is matched by every *ValidationError via errors.Is.
var ErrInvalidPayload = errors.New("invalid payload")

// FieldError names one offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every field that failed validation for a subject
// (a pathway name, or "vitals").
type ValidationError struct {
	Subject string       `json:"subject"`
	Fields  []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Subject, strings.Join(parts, "; "))
}

// Is lets callers match with errors.Is(err, ErrInvalidPayload).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// FieldNames returns the offending field names in report order.
func (e *ValidationError) FieldNames() []string {
	out := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Field
	}
	return out
}

// Collector accumulates field errors for a subject.
type Collector struct {
	subject string
	fields  []FieldError
}

// NewCollector starts collecting field errors for subject.
func NewCollector(subject string) *Collector {
	return &Collector{subject: subject}
}

// Add records a field error.
func (c *Collector) Add(field, format string, args ...interface{}) {
	c.fields = append(c.fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns a *ValidationError when any field failed, nil otherwise.
func (c *Collector) Err() error {
	if len(c.fields) == 0 {
		return nil
	}
	return &ValidationError{Subject: c.subject, Fields: c.fields}
}

const (
	positionSitting  = "sitting"
	positionStanding = "standing"
	positionLying    = "lying"

	armLeft  = "left"
	armRight = "right"

	cervicalResultNegative   = "negative"
	cervicalResultPositive   = "positive"
	cervicalResultSuspicious = "suspicious"

	lymphNormal      = "normal"
	lymphEnlarged    = "enlarged"
	lymphNotAssessed = "not_assessed"

	riskLow      = "low"
	riskModerate = "moderate"
	riskHigh     = "high"
)

var (
	validPositions       = map[string]bool{positionSitting: true, positionStanding: true, positionLying: true}
	validArms            = map[string]bool{armLeft: true, armRight: true}
	validTestTypes       = map[string]bool{TestFasting: true, TestRandom: true}
	validCervicalMethods = map[string]bool{"via": true, "vili": true, "pap_smear": true, "hpv_dna": true}
	validCervicalResults = map[string]bool{
		cervicalResultNegative: true, cervicalResultPositive: true, cervicalResultSuspicious: true,
	}
	validLymphStatuses = map[string]bool{lymphNormal: true, lymphEnlarged: true, lymphNotAssessed: true}
	validRiskLevels    = map[string]bool{riskLow: true, riskModerate: true, riskHigh: true}
)

// Plausible measurement ranges. Values outside are data-entry errors.
const (
	minSystolic, maxSystolic     = 50, 300
	minDiastolic, maxDiastolic   = 30, 200
	maxBloodSugar                = 1000.0
	maxFastingHours              = 72.0
	maxPSALevel                  = 10000.0
	minPatientAge, maxPatientAge = 1, 130
)

// ValidateBloodPressure checks a systolic/diastolic pair under the given
// field prefix. Both values are required together.
func ValidateBloodPressure(c *Collector, prefix string, systolic, diastolic *int) {
	switch {
	case systolic == nil && diastolic == nil:
		c.Add(prefix+"systolic", "is required")
		c.Add(prefix+"diastolic", "is required")
		return
	case systolic == nil:
		c.Add(prefix+"systolic", "is required together with diastolic")
		return
	case diastolic == nil:
		c.Add(prefix+"diastolic", "is required together with systolic")
		return
	}
	if *systolic < minSystolic || *systolic > maxSystolic {
		c.Add(prefix+"systolic", "must be between %d and %d mmHg", minSystolic, maxSystolic)
	}
	if *diastolic < minDiastolic || *diastolic > maxDiastolic {
		c.Add(prefix+"diastolic", "must be between %d and %d mmHg", minDiastolic, maxDiastolic)
	}
}

func validateHypertension(p HypertensionPayload) error {
	c := NewCollector(string(Hypertension))
	if len(p.Readings) == 0 {
		c.Add("readings", "must contain at least one complete reading")
	}
	for i, r := range p.Readings {
		prefix := fmt.Sprintf("readings[%d].", i)
		ValidateBloodPressure(c, prefix, r.Systolic, r.Diastolic)
		if r.Position == "" {
			c.Add(prefix+"position", "is required")
		} else if !validPositions[r.Position] {
			c.Add(prefix+"position", "must be one of sitting, standing, lying")
		}
		if r.Arm == "" {
			c.Add(prefix+"arm", "is required")
		} else if !validArms[r.Arm] {
			c.Add(prefix+"arm", "must be left or right")
		}
	}
	return c.Err()
}

func validateDiabetes(p DiabetesPayload) error {
	c := NewCollector(string(Diabetes))
	if p.TestType == "" {
		c.Add("test_type", "is required")
	} else if !validTestTypes[p.TestType] {
		c.Add("test_type", "must be fasting or random")
	}
	if p.BloodSugarLevel == nil {
		c.Add("blood_sugar_level", "is required")
	} else if !finite(*p.BloodSugarLevel) || *p.BloodSugarLevel <= 0 || *p.BloodSugarLevel > maxBloodSugar {
		c.Add("blood_sugar_level", "must be greater than 0 and at most %.0f mg/dL", maxBloodSugar)
	}
	if p.TestTime == "" {
		c.Add("test_time", "is required")
	} else if _, err := time.Parse("15:04", p.TestTime); err != nil {
		c.Add("test_time", "must be a time of day in HH:MM")
	}
	if p.TestType == TestFasting {
		if p.FastingDurationHours == nil {
			c.Add("fasting_duration_hours", "is required for fasting tests")
		} else if !finite(*p.FastingDurationHours) || *p.FastingDurationHours <= 0 || *p.FastingDurationHours > maxFastingHours {
			c.Add("fasting_duration_hours", "must be greater than 0 and at most %.0f", maxFastingHours)
		}
	}
	return c.Err()
}

func validateCervical(p CervicalPayload) error {
	c := NewCollector(string(Cervical))
	if p.Method == "" {
		c.Add("method", "is required")
	} else if !validCervicalMethods[p.Method] {
		c.Add("method", "must be one of via, vili, pap_smear, hpv_dna")
	}
	if p.Result == "" {
		c.Add("result", "is required")
	} else if !validCervicalResults[p.Result] {
		c.Add("result", "must be one of negative, positive, suspicious")
	}
	return c.Err()
}

func validateBreast(p BreastPayload) error {
	c := NewCollector(string(Breast))
	if p.Lump == nil {
		c.Add("lump", "is required")
	}
	if p.Discharge == nil {
		c.Add("discharge", "is required")
	}
	if p.NippleChanges == nil {
		c.Add("nipple_changes", "is required")
	}
	if p.LymphNodeStatus == "" {
		c.Add("lymph_node_status", "is required")
	} else if !validLymphStatuses[p.LymphNodeStatus] {
		c.Add("lymph_node_status", "must be one of normal, enlarged, not_assessed")
	}
	if strings.TrimSpace(p.SummaryFindings) == "" {
		c.Add("summary_findings", "must not be empty")
	}
	if p.RiskLevel == "" {
		c.Add("risk_level", "is required")
	} else if !validRiskLevels[p.RiskLevel] {
		c.Add("risk_level", "must be one of low, moderate, high")
	}
	return c.Err()
}

func validatePSA(p PSAPayload) error {
	c := NewCollector(string(PSA))
	if p.PSALevel == nil {
		c.Add("psa_level", "is required")
	} else if !finite(*p.PSALevel) || *p.PSALevel < 0 || *p.PSALevel > maxPSALevel {
		c.Add("psa_level", "must be between 0 and %.0f ng/mL", maxPSALevel)
	}
	if p.PatientAge == nil {
		c.Add("patient_age", "is required")
	} else if *p.PatientAge < minPatientAge || *p.PatientAge > maxPatientAge {
		c.Add("patient_age", "must be between %d and %d", minPatientAge, maxPatientAge)
	}
	if p.CollectionTime == "" {
		c.Add("collection_time", "is required")
	} else if !validCollectionTime(p.CollectionTime) {
		c.Add("collection_time", "must be RFC 3339 or HH:MM")
	}
	if p.NormalRangeMax == nil {
		c.Add("normal_range_max", "is required")
	} else if !finite(*p.NormalRangeMax) || *p.NormalRangeMax <= 0 {
		c.Add("normal_range_max", "must be greater than 0")
	}
	return c.Err()
}

func validCollectionTime(s string) bool {
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
