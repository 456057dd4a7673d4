package anomaly

import (
	"math"
	"strconv"
)

// BenfordProbability is the expected frequency of leading digit d under
// Benford's law: log10(1 + 1/d).
func BenfordProbability(d int) float64 {
	if d < 1 || d > 9 {
		return 0
	}
	return math.Log10(1 + 1/float64(d))
}

// LeadingDigit returns the first significant digit of |v|, or 0 for zero and
// non-finite values.
func LeadingDigit(v float64) int {
	v = math.Abs(v)
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	// Scientific notation avoids the float error of dividing by a power of ten.
	return int(strconv.FormatFloat(v, 'e', 6, 64)[0] - '0')
}

// Benford checks a single amount's leading digit against the expected
// distribution. It flags the amount when the digit's expected frequency is
// below threshold. The check is secondary and never decides is_anomaly.
func Benford(amount, threshold float64) (digit int, expected float64, flagged bool) {
	digit = LeadingDigit(amount)
	if digit == 0 {
		return 0, 0, false
	}
	expected = BenfordProbability(digit)
	return digit, expected, expected < threshold
}
