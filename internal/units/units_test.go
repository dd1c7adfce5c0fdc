package units

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func relDiff(a, b float64) float64 {
	if a == 0 {
		return math.Abs(b)
	}
	return math.Abs(a-b) / math.Abs(a)
}

func TestMassRoundTrip(t *testing.T) {
	for _, kg := range []float64{0.001, 0.45359237, 1, 2.5, 1000} {
		v := kg
		got := LbToKg(KgToLb(&v))
		if got == nil {
			t.Fatalf("round trip of %v returned nil", kg)
		}
		if relDiff(kg, *got) > epsilon {
			t.Errorf("kg round trip: got %v, want %v", *got, kg)
		}
	}
}

func TestLengthRoundTrip(t *testing.T) {
	for _, cm := range []float64{0.1, 2.54, 30, 100, 12345.6789} {
		v := cm
		got := InToCm(CmToIn(&v))
		if got == nil {
			t.Fatalf("round trip of %v returned nil", cm)
		}
		if relDiff(cm, *got) > epsilon {
			t.Errorf("cm round trip: got %v, want %v", *got, cm)
		}
	}
}

func TestKnownValues(t *testing.T) {
	kg := 1.0
	if lb := KgToLb(&kg); relDiff(*lb, 2.2046226218) > epsilon {
		t.Errorf("1 kg = %v lb, want 2.2046226218", *lb)
	}
	cm := 1.0
	if in := CmToIn(&cm); relDiff(*in, 0.3937007874) > epsilon {
		t.Errorf("1 cm = %v in, want 0.3937007874", *in)
	}
}

func TestNilPassesThrough(t *testing.T) {
	if KgToLb(nil) != nil || LbToKg(nil) != nil || CmToIn(nil) != nil || InToCm(nil) != nil {
		t.Error("nil input must stay nil")
	}
}
