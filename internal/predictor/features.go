package predictor

import (
	"math"

	"github.com/sells-group/fraud-analyst/internal/anomaly"
	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/geo"
	"github.com/sells-group/fraud-analyst/internal/model"
)

// Feature names produced by FeatureBuilder.
const (
	FeatureLogAmount      = "log_amount"
	FeatureHourSin        = "hour_sin"
	FeatureHourCos        = "hour_cos"
	FeatureLogDistance    = "log_distance_km"
	FeatureCategoryRisk   = "category_risk"
	FeatureAmountZScore   = "amount_zscore"
	FeatureIsNight        = "is_night"
	FeatureLogCustomerTxn = "log_customer_txn"
	FeatureNewMerchant    = "new_merchant"
)

// KnownFeatures lists every feature an artifact may weight.
var KnownFeatures = []string{
	FeatureLogAmount,
	FeatureHourSin,
	FeatureHourCos,
	FeatureLogDistance,
	FeatureCategoryRisk,
	FeatureAmountZScore,
	FeatureIsNight,
	FeatureLogCustomerTxn,
	FeatureNewMerchant,
}

const zClamp = 10

// Features is a named feature vector.
type Features map[string]float64

// FeatureBuilder derives the model's feature vector from a transaction and
// the customer's history. It does not depend on the anomaly report so the
// detector and the predictor can run side by side.
type FeatureBuilder struct {
	cfg config.AnomalyConfig
}

// NewFeatureBuilder creates a FeatureBuilder using the anomaly defaults for
// missing history fields.
func NewFeatureBuilder(cfg config.AnomalyConfig) *FeatureBuilder {
	if cfg.StdFloor <= 0 {
		cfg.StdFloor = 1
	}
	return &FeatureBuilder{cfg: cfg}
}

// Build returns the feature vector. categoryRisk is the artifact's encoding
// of the merchant category.
func (b *FeatureBuilder) Build(tx model.Transaction, hist *model.CustomerHistory, categoryRisk float64) Features {
	amount := tx.AmountFloat()
	hour := tx.Timestamp.Hour()
	angle := 2 * math.Pi * float64(hour) / 24

	avg, std := b.cfg.DefaultAvgAmount, b.cfg.DefaultStdAmount
	var (
		count       int
		newMerchant float64
		km          float64
	)
	if hist != nil {
		if hist.AvgAmount > 0 && !math.IsInf(hist.AvgAmount, 0) {
			avg = hist.AvgAmount
			if hist.StdAmount >= 0 && !math.IsNaN(hist.StdAmount) && !math.IsInf(hist.StdAmount, 0) {
				std = hist.StdAmount
			}
		}
		count = max(hist.TransactionCount, 0)
		if count > 0 && !hist.KnowsMerchant(tx.Merchant) {
			newMerchant = 1
		}
		if hist.HomeLocation != nil && hist.HomeLocation.Valid() {
			km = geo.DistanceKM(*hist.HomeLocation, tx.MerchantLocation)
		}
	}
	z := (amount - avg) / math.Max(std, b.cfg.StdFloor)

	night := 0.0
	if anomaly.InWindow(hour, b.cfg.HighRiskStartHour, b.cfg.HighRiskEndHour) {
		night = 1
	}

	return Features{
		FeatureLogAmount:      math.Log1p(math.Max(amount, 0)),
		FeatureHourSin:        math.Sin(angle),
		FeatureHourCos:        math.Cos(angle),
		FeatureLogDistance:    math.Log1p(km),
		FeatureCategoryRisk:   categoryRisk,
		FeatureAmountZScore:   math.Max(-zClamp, math.Min(zClamp, z)),
		FeatureIsNight:        night,
		FeatureLogCustomerTxn: math.Log1p(float64(count)),
		FeatureNewMerchant:    newMerchant,
	}
}
