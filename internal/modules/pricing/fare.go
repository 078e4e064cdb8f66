// README: Pure fare formula shared by estimates and settlement.
package pricing

import "campusride/internal/types"

// EstimateFare returns (baseFare + distanceKm*ratePerKm) * surge rounded half-up to cents.
// A surge below 1 is treated as 1.
func EstimateFare(distanceKm, baseFare, ratePerKm, surge float64) float64 {
	if surge < 1 {
		surge = 1
	}
	return types.RoundCents((baseFare + distanceKm*ratePerKm) * surge)
}
