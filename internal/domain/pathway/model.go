package pathway

import (
	"encoding/json"

	"github.com/screening/screening/internal/domain/permission"
)

// Pathway identifies a disease-screening protocol.
type Pathway string

const (
	Hypertension Pathway = "hypertension"
	Diabetes     Pathway = "diabetes"
	Cervical     Pathway = "cervical"
	Breast       Pathway = "breast"
	PSA          Pathway = "psa"
)

var allPathways = []Pathway{Hypertension, Diabetes, Cervical, Breast, PSA}

// All returns every pathway in declaration order.
func All() []Pathway {
	out := make([]Pathway, len(allPathways))
	copy(out, allPathways)
	return out
}

// Parse maps a string onto a known Pathway.
func Parse(s string) (Pathway, bool) {
	for _, p := range allPathways {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Category is the clinical category produced by a classifier. Values are
// only meaningful together with the pathway that produced them.
type Category string

// Blood pressure categories, shared by the hypertension pathway and vitals
// triage.
const (
	BPNormal     Category = "normal"
	BPElevated   Category = "elevated"
	BPHighStage1 Category = "high_stage_1"
	BPHighStage2 Category = "high_stage_2"
	BPCrisis     Category = "crisis"
	BPUnknown    Category = "unknown"
)

// Blood sugar categories.
const (
	SugarNormal      Category = "normal"
	SugarPrediabetes Category = "prediabetes"
	SugarDiabetes    Category = "diabetes"
)

// PSA categories.
const (
	PSANormal           Category = "normal"
	PSASlightlyElevated Category = "slightly_elevated"
	PSAElevated         Category = "elevated"
)

// Cervical categories mirror the reported result.
const (
	CervicalNegative   Category = "negative"
	CervicalPositive   Category = "positive"
	CervicalSuspicious Category = "suspicious"
)

// Breast categories mirror the examiner's risk level.
const (
	BreastLowRisk      Category = "low_risk"
	BreastModerateRisk Category = "moderate_risk"
	BreastHighRisk     Category = "high_risk"
)

var categoryLabels = map[Category]string{
	BPNormal:            "Normal",
	BPElevated:          "Elevated",
	BPHighStage1:        "High Blood Pressure (Stage 1)",
	BPHighStage2:        "High Blood Pressure (Stage 2)",
	BPCrisis:            "Hypertensive Crisis",
	BPUnknown:           "Unknown",
	SugarPrediabetes:    "Prediabetes",
	SugarDiabetes:       "Diabetes",
	PSASlightlyElevated: "Slightly Elevated",
	CervicalNegative:    "Negative",
	CervicalPositive:    "Positive",
	CervicalSuspicious:  "Suspicious for Cancer",
	BreastLowRisk:       "Low Risk",
	BreastModerateRisk:  "Moderate Risk",
	BreastHighRisk:      "High Risk",
}

// Label returns the display name of the category.
func (c Category) Label() string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return string(c)
}

// Definition describes one registry entry.
type Definition struct {
	Pathway     Pathway               `json:"pathway"`
	Capability  permission.Capability `json:"capability"`
	ActionLabel string                `json:"action_label"`
}

// Payload is the pathway-specific clinical record. The set of
// implementations is closed to this package.
type Payload interface {
	Pathway() Pathway
	isPayload()
}

// BPReading is a single blood pressure measurement.
type BPReading struct {
	Systolic  *int   `json:"systolic"`
	Diastolic *int   `json:"diastolic"`
	Position  string `json:"position"`
	Arm       string `json:"arm"`
}

// HypertensionPayload carries one or more BP readings.
type HypertensionPayload struct {
	Readings []BPReading `json:"readings"`
	Notes    string      `json:"notes,omitempty"`
}

// DiabetesPayload carries a blood sugar test.
type DiabetesPayload struct {
	TestType             string   `json:"test_type"`
	BloodSugarLevel      *float64 `json:"blood_sugar_level"`
	TestTime             string   `json:"test_time"`
	FastingDurationHours *float64 `json:"fasting_duration_hours,omitempty"`
	Notes                string   `json:"notes,omitempty"`
}

// CervicalPayload carries a cervical screening result.
type CervicalPayload struct {
	Method string `json:"method"`
	Result string `json:"result"`
	Notes  string `json:"notes,omitempty"`
}

// BreastPayload carries a clinical breast examination.
type BreastPayload struct {
	Lump            *bool  `json:"lump"`
	Discharge       *bool  `json:"discharge"`
	NippleChanges   *bool  `json:"nipple_changes"`
	LymphNodeStatus string `json:"lymph_node_status"`
	SummaryFindings string `json:"summary_findings"`
	RiskLevel       string `json:"risk_level"`
	Notes           string `json:"notes,omitempty"`
}

// PSAPayload carries a prostate-specific antigen test. NormalRangeMax is
// recorded with the result but does not move the category bands.
type PSAPayload struct {
	PSALevel       *float64 `json:"psa_level"`
	PatientAge     *int     `json:"patient_age"`
	CollectionTime string   `json:"collection_time"`
	NormalRangeMax *float64 `json:"normal_range_max"`
	Notes          string   `json:"notes,omitempty"`
}

func (HypertensionPayload) Pathway() Pathway { return Hypertension }
func (DiabetesPayload) Pathway() Pathway     { return Diabetes }
func (CervicalPayload) Pathway() Pathway     { return Cervical }
func (BreastPayload) Pathway() Pathway       { return Breast }
func (PSAPayload) Pathway() Pathway          { return PSA }

func (HypertensionPayload) isPayload() {}
func (DiabetesPayload) isPayload()     {}
func (CervicalPayload) isPayload()     {}
func (BreastPayload) isPayload()       {}
func (PSAPayload) isPayload()          {}

// Validated is a payload that passed its pathway's rules. It can only be
// obtained from Registry.Validate.
type Validated struct {
	payload Payload
}

// Pathway returns the pathway of the validated payload.
func (v Validated) Pathway() Pathway {
	if v.payload == nil {
		return ""
	}
	return v.payload.Pathway()
}

// Payload returns the underlying payload.
func (v Validated) Payload() Payload { return v.payload }

// MarshalJSON encodes the underlying payload.
func (v Validated) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.payload)
}

// Result is the outcome of evaluating a raw submission.
type Result struct {
	Pathway  Pathway   `json:"pathway"`
	Payload  Validated `json:"payload"`
	Category Category  `json:"category"`
	Referral bool      `json:"referral"`
}
