package venue

// Normalize8h converts a native funding rate/interval pair into the
// canonical 8-hour-normalized form used for every cross-venue
// comparison. Normalizing an already-8h rate is the identity.
func Normalize8h(rateNative, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = 8
	}
	return rateNative * 8 / intervalHours
}

// EffectiveInterval resolves the interval to use for a symbol:
// per-symbol override, else venue default, else 8h.
func EffectiveInterval(symbolOverride, venueDefault float64) float64 {
	if symbolOverride > 0 {
		return symbolOverride
	}
	if venueDefault > 0 {
		return venueDefault
	}
	return 8
}

// NormalizeSample fills Rate8h on a sample in place using the given
// effective interval, and records the interval actually used.
func NormalizeSample(s *FundingRateSample, effectiveIntervalHours float64) {
	if effectiveIntervalHours <= 0 {
		effectiveIntervalHours = 8
	}
	s.IntervalHours = effectiveIntervalHours
	s.Rate8h = Normalize8h(s.RateNative, effectiveIntervalHours)
}
