package pricing

import "math"

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// minorUnitsPerWhole is the number of fiat minor units in one whole unit
// (pence per pound, cents per dollar).
const minorUnitsPerWhole = 100

// SatsToFiatMinor converts a satoshi amount to fiat minor units at the
// given fiat-per-bitcoin rate. Rounds half away from zero.
func SatsToFiatMinor(sats int64, rate float64) int64 {
	return round(float64(sats) / SatsPerBTC * rate * minorUnitsPerWhole)
}

// FiatMinorToSats converts a fiat minor-unit amount to satoshis at the
// given fiat-per-bitcoin rate. Negative amounts are normalized to their
// magnitude: a refund proof settles the same number of sats as the
// payment it mirrors.
func FiatMinorToSats(minor int64, rate float64) int64 {
	m := minor
	if m < 0 {
		m = -m
	}
	return round(float64(m) * (SatsPerBTC / minorUnitsPerWhole) / rate)
}

// MinimumSats is the smallest satoshi amount worth at least one fiat
// minor unit at the given rate. Used to explain why a purchase below it
// is rejected.
func MinimumSats(rate float64) int64 {
	return round((SatsPerBTC / minorUnitsPerWhole) / rate)
}

// round implements round-half-away-from-zero on the nearest integer,
// matching how both conversion directions are rounded.
func round(f float64) int64 {
	return int64(math.Round(f))
}
