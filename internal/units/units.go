// Package units converts between the metric units the upstream ERP reports
// (kilograms, centimeters) and the imperial units ShipHero expects
// (pounds, inches).
//
// All conversions operate on pointers: a nil input means the value is absent
// upstream and stays absent, it is never coerced to zero.
package units

const (
	lbPerKg = 2.2046226218
	inPerCm = 0.3937007874
)

// KgToLb converts kilograms to pounds.
func KgToLb(kg *float64) *float64 {
	if kg == nil {
		return nil
	}
	v := *kg * lbPerKg
	return &v
}

// LbToKg converts pounds to kilograms.
func LbToKg(lb *float64) *float64 {
	if lb == nil {
		return nil
	}
	v := *lb / lbPerKg
	return &v
}

// CmToIn converts centimeters to inches.
func CmToIn(cm *float64) *float64 {
	if cm == nil {
		return nil
	}
	v := *cm * inPerCm
	return &v
}

// InToCm converts inches to centimeters.
func InToCm(in *float64) *float64 {
	if in == nil {
		return nil
	}
	v := *in / inPerCm
	return &v
}
