// Package anomaly derives amount, time and location anomaly signals for a
// transaction against the customer's history.
package anomaly

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/geo"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// Detector computes an AnomalyReport. It is pure and safe for concurrent use.
type Detector struct {
	cfg config.AnomalyConfig
}

// New creates a Detector.
func New(cfg config.AnomalyConfig) *Detector {
	if cfg.StdFloor <= 0 {
		cfg.StdFloor = 1.0
	}
	return &Detector{cfg: cfg}
}

// Detect evaluates the three anomaly dimensions. Missing or malformed history
// fields are replaced with permissive defaults; Detect never fails.
func (d *Detector) Detect(tx model.Transaction, hist *model.CustomerHistory) model.AnomalyReport {
	h := d.withDefaults(hist)

	amount, z, benfordFlag := d.amount(tx, h)
	hour := tx.Timestamp.Hour()
	timeDetail := d.timeOfDay(hour, h)
	location, km := d.location(tx, h)

	report := model.AnomalyReport{
		Amount:     amount,
		Time:       timeDetail,
		Location:   location,
		ZScore:     z,
		DistanceKM: km,
		Hour:       hour,
		RedFlags:   []string{},
	}

	if amount.IsAnomaly {
		report.RedFlags = append(report.RedFlags, fmt.Sprintf("amount deviates %.1f standard deviations from average", math.Abs(z)))
	}
	if benfordFlag != "" {
		report.RedFlags = append(report.RedFlags, benfordFlag)
	}
	if timeDetail.IsAnomaly {
		report.RedFlags = append(report.RedFlags, fmt.Sprintf("transaction at %02d:00 falls in the high-risk window", hour))
	}
	if location.IsAnomaly {
		report.RedFlags = append(report.RedFlags, fmt.Sprintf("merchant is %.0fkm from home", km))
	}

	report.OverallRisk, report.TotalAnomalyCount = aggregate(amount, timeDetail, location)
	return report
}

// withDefaults copies hist and fills anything unusable. A zero std is left
// for the floor in amount to handle.
func (d *Detector) withDefaults(hist *model.CustomerHistory) model.CustomerHistory {
	if hist == nil {
		return model.CustomerHistory{
			AvgAmount:  d.cfg.DefaultAvgAmount,
			StdAmount:  d.cfg.DefaultStdAmount,
			UsualHours: d.cfg.DefaultUsualHours,
		}
	}
	h := *hist
	if !finite(h.AvgAmount) || h.AvgAmount <= 0 {
		h.AvgAmount = d.cfg.DefaultAvgAmount
		h.StdAmount = d.cfg.DefaultStdAmount
	}
	if !finite(h.StdAmount) || h.StdAmount < 0 {
		h.StdAmount = d.cfg.DefaultStdAmount
	}
	if len(h.UsualHours) == 0 {
		h.UsualHours = d.cfg.DefaultUsualHours
	}
	if h.HomeLocation != nil && !h.HomeLocation.Valid() {
		h.HomeLocation = nil
	}
	if h.LastLocation != nil && !h.LastLocation.Valid() {
		h.LastLocation = nil
	}
	return h
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (d *Detector) amount(tx model.Transaction, h model.CustomerHistory) (model.AnomalyDetail, float64, string) {
	amt := tx.AmountFloat()
	std := math.Max(h.StdAmount, d.cfg.StdFloor)
	z := (amt - h.AvgAmount) / std
	absZ := math.Abs(z)

	detail := model.AnomalyDetail{
		Score:    absZ,
		Severity: model.SeverityLow,
	}
	switch {
	case absZ > d.cfg.ZHighThreshold:
		detail.Severity = model.SeverityHigh
	case absZ > d.cfg.ZThreshold:
		detail.Severity = model.SeverityMedium
	}
	detail.IsAnomaly = absZ > d.cfg.ZThreshold

	direction := "above"
	if z < 0 {
		direction = "below"
	}
	parts := []string{fmt.Sprintf("Amount $%s is %.2f standard deviations %s the customer average of $%.2f (z=%.2f).",
		tx.Amount.StringFixed(2), absZ, direction, h.AvgAmount, z)}

	digit, expected, flagged := Benford(amt, d.cfg.BenfordThreshold)
	var flag string
	if flagged {
		flag = fmt.Sprintf("leading digit %d is rare under Benford's law (expected frequency %.1f%%)", digit, expected*100)
		parts = append(parts, "Leading digit "+fmt.Sprint(digit)+" is rare under Benford's law.")
	}
	detail.Explanation = strings.Join(parts, " ")
	return detail, z, flag
}

func (d *Detector) timeOfDay(hour int, h model.CustomerHistory) model.AnomalyDetail {
	usual := h.IsUsualHour(hour)
	inWindow := InWindow(hour, d.cfg.HighRiskStartHour, d.cfg.HighRiskEndHour)
	gap := HourGap(hour, h.UsualHours)

	detail := model.AnomalyDetail{
		Score:    float64(gap) / 12,
		Severity: model.SeverityLow,
	}
	detail.IsAnomaly = !usual && inWindow
	if detail.IsAnomaly {
		switch {
		case gap >= 4:
			detail.Severity = model.SeverityHigh
		case gap >= 2:
			detail.Severity = model.SeverityMedium
		}
	}

	switch {
	case usual:
		detail.Explanation = fmt.Sprintf("Transaction at %02d:00 is within the customer's usual hours.", hour)
	case inWindow:
		detail.Explanation = fmt.Sprintf("Transaction at %02d:00 is outside usual hours and inside the high-risk window (%d hours from nearest usual hour).", hour, gap)
	default:
		detail.Explanation = fmt.Sprintf("Transaction at %02d:00 is outside usual hours but not in the high-risk window.", hour)
	}
	return detail
}

func (d *Detector) location(tx model.Transaction, h model.CustomerHistory) (model.AnomalyDetail, float64) {
	detail := model.AnomalyDetail{Severity: model.SeverityLow}
	if h.HomeLocation == nil {
		detail.Explanation = "No home location on file; location not evaluated."
		return detail, 0
	}

	km := geo.DistanceKM(*h.HomeLocation, tx.MerchantLocation)
	if d.cfg.DistanceThresholdKM > 0 {
		detail.Score = km / d.cfg.DistanceThresholdKM
	}

	beyond := km > d.cfg.DistanceThresholdKM
	plausible := true
	var travel string
	if beyond && h.LastTransactionAt != nil && h.LastLocation != nil && d.cfg.MaxTravelKMH > 0 {
		hop := geo.DistanceKM(*h.LastLocation, tx.MerchantLocation)
		speed := geo.TravelSpeedKMH(hop, tx.Timestamp.Sub(*h.LastTransactionAt))
		plausible = speed <= d.cfg.MaxTravelKMH
		if plausible {
			travel = fmt.Sprintf(" Travel from the last transaction is plausible (%.0f km/h).", speed)
		} else {
			travel = fmt.Sprintf(" Reaching it since the last transaction requires %.0f km/h.", speed)
		}
	}

	detail.IsAnomaly = beyond && (h.LastTransactionAt == nil || h.LastLocation == nil || !plausible)
	if detail.IsAnomaly {
		detail.Severity = model.SeverityMedium
		if km > d.cfg.DistanceHighKM {
			detail.Severity = model.SeverityHigh
		}
	}
	detail.Explanation = fmt.Sprintf("Merchant is %.1fkm from home (%s).%s", km, geo.Classify(km), travel)
	return detail, km
}

// aggregate maps the worst anomalous severity to a risk level. A high
// severity corroborated by a second anomalous dimension is CRITICAL.
func aggregate(details ...model.AnomalyDetail) (model.RiskLevel, int) {
	worst := -1
	count := 0
	for _, d := range details {
		if !d.IsAnomaly {
			continue
		}
		count++
		worst = max(worst, d.Severity.Rank())
	}
	switch {
	case worst == 2 && count >= 2:
		return model.RiskCritical, count
	case worst == 2:
		return model.RiskHigh, count
	case worst == 1:
		return model.RiskMedium, count
	default:
		return model.RiskLow, count
	}
}

// InWindow reports whether hour lies in [start, end). The window wraps
// midnight when start > end.
func InWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// HourGap is the circular distance in hours from hour to the nearest usual
// hour, 0 when hour is usual and 12 when there are none.
func HourGap(hour int, usual []int) int {
	if len(usual) == 0 {
		return 12
	}
	best := 12
	for _, u := range usual {
		diff := (hour - u) % 24
		if diff < 0 {
			diff += 24
		}
		best = min(best, diff, 24-diff)
	}
	return best
}
