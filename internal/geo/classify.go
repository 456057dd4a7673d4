package geo

// Distance band constants.
const (
	BandLocal         = "local"
	BandRegional      = "regional"
	BandNational      = "national"
	BandInternational = "international"
)

// Classify returns the distance band for a distance from home in kilometers.
// Rules:
//   - local: d <= 25km
//   - regional: d <= 100km
//   - national: d <= 500km
//   - international: beyond 500km
func Classify(km float64) string {
	switch {
	case km <= 25:
		return BandLocal
	case km <= 100:
		return BandRegional
	case km <= 500:
		return BandNational
	default:
		return BandInternational
	}
}
