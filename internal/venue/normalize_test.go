package venue

import "testing"

func TestNormalize8hIdentity(t *testing.T) {
	// Normalizing an already-normalized 8-hour rate is the identity.
	rate := 0.0003
	got := Normalize8h(rate, 8)
	if got != rate {
		t.Errorf("Normalize8h(%v, 8) = %v, want identity %v", rate, got, rate)
	}
}

func TestNormalize8hScenario(t *testing.T) {
	// venue_A = 0.0001/1h, venue_B = 0.0002/8h per the happy-path scenario.
	a := Normalize8h(0.0001, 1)
	b := Normalize8h(0.0002, 8)
	if a != 0.0008 {
		t.Errorf("venue_A normalized = %v, want 0.0008", a)
	}
	if b != 0.0002 {
		t.Errorf("venue_B normalized = %v, want 0.0002", b)
	}
	divergence := a - b
	if divergence < 0 {
		divergence = -divergence
	}
	want := 0.0006
	if diff := divergence - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("divergence = %v, want %v", divergence, want)
	}
}

func TestEffectiveInterval(t *testing.T) {
	if got := EffectiveInterval(4, 8); got != 4 {
		t.Errorf("symbol override should take precedence: got %v", got)
	}
	if got := EffectiveInterval(0, 6); got != 6 {
		t.Errorf("venue default should apply when no override: got %v", got)
	}
	if got := EffectiveInterval(0, 0); got != 8 {
		t.Errorf("8h should be assumed when neither is present: got %v", got)
	}
}

func TestNormalizeSampleZeroIntervalDefaultsTo8h(t *testing.T) {
	s := FundingRateSample{RateNative: 0.001}
	NormalizeSample(&s, 0)
	if s.IntervalHours != 8 {
		t.Errorf("expected interval to default to 8h, got %v", s.IntervalHours)
	}
}
