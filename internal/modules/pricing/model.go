// README: Pricing rate definition for each ride type and quote results.
package pricing

type Rate struct {
	RideType  string
	BaseFare  float64
	RatePerKm float64
	Currency  string
}

// Quote is a priced estimate; Surge is the multiplier that was applied so callers can freeze it.
type Quote struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Surge    float64 `json:"surge"`
}
