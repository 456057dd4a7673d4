// Package model defines the data types shared across the fraud analysis engine.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Valid reports whether the coordinates fall inside the WGS84 ranges.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Long >= -180 && l.Long <= 180
}

// Transaction is a single card transaction submitted for analysis.
// It is treated as immutable once accepted.
type Transaction struct {
	ID               string          `json:"transaction_id"`
	Amount           decimal.Decimal `json:"amount"`
	Merchant         string          `json:"merchant"`
	Category         string          `json:"category"`
	Timestamp        time.Time       `json:"timestamp"`
	MerchantLocation Location        `json:"merchant_location"`
	CustomerID       string          `json:"customer_id"`
}

// AmountFloat returns the amount as a float64 for statistical use.
func (t Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Validate checks every field and returns a *ValidationError listing all
// problems, or nil when the transaction is acceptable.
func (t Transaction) Validate() error {
	var problems []string
	if !t.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if strings.TrimSpace(t.Merchant) == "" {
		problems = append(problems, "merchant is required")
	}
	if strings.TrimSpace(t.Category) == "" {
		problems = append(problems, "category is required")
	}
	if t.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if !t.MerchantLocation.Valid() {
		problems = append(problems, fmt.Sprintf("merchant_location out of range (%.4f, %.4f)", t.MerchantLocation.Lat, t.MerchantLocation.Long))
	}
	if strings.TrimSpace(t.CustomerID) == "" {
		problems = append(problems, "customer_id is required")
	}
	if len(problems) > 0 {
		return NewValidationError(problems...)
	}
	return nil
}

// CustomerHistory summarizes a customer's prior activity. All fields are
// optional; the anomaly detector substitutes permissive defaults.
type CustomerHistory struct {
	AvgAmount         float64    `json:"avg_amount"`
	StdAmount         float64    `json:"std_amount"`
	UsualHours        []int      `json:"usual_hours,omitempty"`
	TransactionCount  int        `json:"transaction_count"`
	HomeLocation      *Location  `json:"home_location,omitempty"`
	KnownMerchants    []string   `json:"known_merchants,omitempty"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
	LastLocation      *Location  `json:"last_location,omitempty"`
}

// IsUsualHour reports whether hour is one of the customer's usual hours.
func (h CustomerHistory) IsUsualHour(hour int) bool {
	return slices.Contains(h.UsualHours, hour)
}

// KnowsMerchant reports whether the customer has transacted with merchant before.
func (h CustomerHistory) KnowsMerchant(merchant string) bool {
	for _, m := range h.KnownMerchants {
		if strings.EqualFold(m, merchant) {
			return true
		}
	}
	return false
}

// AnalysisRequest is the input to a single analysis.
type AnalysisRequest struct {
	Transaction Transaction      `json:"transaction"`
	History     *CustomerHistory `json:"customer_history,omitempty"`
}
