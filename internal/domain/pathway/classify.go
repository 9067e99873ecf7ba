package pathway

import "math"

// ClassifyBloodPressure maps a systolic/diastolic pair to a BP category.
//
// Branches are evaluated in a fixed order and the first match wins. The
// stage 2 check precedes the crisis check, so every crisis-level reading is
// reported as stage 2. This matches the behaviour clinicians currently see;
// reordering changes clinical categorisation and needs sign-off first.
func ClassifyBloodPressure(systolic, diastolic float64) Category {
	switch {
	case systolic < 120 && diastolic < 80:
		return BPNormal
	case systolic < 130 && diastolic < 80:
		return BPElevated
	case systolic >= 140 || diastolic >= 90:
		return BPHighStage2
	case systolic > 180 || diastolic > 120:
		return BPCrisis
	case systolic < 140 || diastolic < 90:
		return BPHighStage1
	default:
		return BPUnknown
	}
}

// Blood sugar test types.
const (
	TestFasting = "fasting"
	TestRandom  = "random"
)

// ClassifyBloodSugar maps a blood sugar value in mg/dL to a category using
// the fasting or random thresholds.
func ClassifyBloodSugar(testType string, mgdl float64) Category {
	normalMax, prediabetesMax := 140.0, 200.0
	if testType == TestFasting {
		normalMax, prediabetesMax = 100, 126
	}
	switch {
	case mgdl < normalMax:
		return SugarNormal
	case mgdl < prediabetesMax:
		return SugarPrediabetes
	default:
		return SugarDiabetes
	}
}

// ClassifyPSA maps a PSA level in ng/mL to a category.
func ClassifyPSA(level float64) Category {
	switch {
	case level < 4:
		return PSANormal
	case level < 10:
		return PSASlightlyElevated
	default:
		return PSAElevated
	}
}

func classifyCervical(p CervicalPayload) Category {
	switch p.Result {
	case cervicalResultPositive:
		return CervicalPositive
	case cervicalResultSuspicious:
		return CervicalSuspicious
	default:
		return CervicalNegative
	}
}

func classifyBreast(p BreastPayload) Category {
	switch p.RiskLevel {
	case riskHigh:
		return BreastHighRisk
	case riskModerate:
		return BreastModerateRisk
	default:
		return BreastLowRisk
	}
}

// meanReading averages the readings of a validated hypertension payload,
// rounded to whole mmHg.
func meanReading(readings []BPReading) (systolic, diastolic float64) {
	var sumS, sumD int
	for _, r := range readings {
		sumS += *r.Systolic
		sumD += *r.Diastolic
	}
	n := float64(len(readings))
	return math.Round(float64(sumS) / n), math.Round(float64(sumD) / n)
}
