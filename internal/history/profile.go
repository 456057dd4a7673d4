// Package history supplies CustomerHistory for transactions submitted
// without one and folds completed transactions back into the profile.
package history

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Provider looks up and updates customer profiles. Get returns nil, nil for
// an unknown customer.
type Provider interface {
	Get(ctx context.Context, customerID string) (*model.CustomerHistory, error)
	Record(ctx context.Context, tx model.Transaction) error
}

const (
	maxKnownMerchants = 100
	// An hour is usual once it holds at least this share of a customer's
	// transactions.
	usualHourShare = 0.05
)

// Profile is the stored aggregate a CustomerHistory is derived from.
type Profile struct {
	CustomerID   string          `json:"customer_id"`
	Count        int             `json:"count"`
	Sum          float64         `json:"sum"`
	SumSquares   float64         `json:"sum_squares"`
	HourCounts   [24]int         `json:"hour_counts"`
	Merchants    []string        `json:"merchants,omitempty"`
	Home         *model.Location `json:"home,omitempty"`
	LastAt       *time.Time      `json:"last_at,omitempty"`
	LastLocation *model.Location `json:"last_location,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Apply folds tx into the profile. The first location seen becomes home.
func (p *Profile) Apply(tx model.Transaction) {
	amt := tx.AmountFloat()
	p.CustomerID = tx.CustomerID
	p.Count++
	p.Sum += amt
	p.SumSquares += amt * amt
	p.HourCounts[tx.Timestamp.Hour()]++

	if !slices.ContainsFunc(p.Merchants, func(m string) bool { return strings.EqualFold(m, tx.Merchant) }) {
		p.Merchants = append(p.Merchants, tx.Merchant)
		if len(p.Merchants) > maxKnownMerchants {
			p.Merchants = p.Merchants[len(p.Merchants)-maxKnownMerchants:]
		}
	}

	loc := tx.MerchantLocation
	if p.Home == nil {
		home := loc
		p.Home = &home
	}
	// The latest transaction wins; on a tie the one applied last does.
	at := tx.Timestamp
	if p.LastAt == nil || !at.Before(*p.LastAt) {
		p.LastAt = &at
		p.LastLocation = &loc
	}
	p.UpdatedAt = time.Now().UTC()
}

// History derives the CustomerHistory the detector consumes.
func (p *Profile) History() *model.CustomerHistory {
	if p == nil || p.Count == 0 {
		return nil
	}
	n := float64(p.Count)
	mean := p.Sum / n
	variance := p.SumSquares/n - mean*mean
	std := 0.0
	if variance > 0 {
		std = math.Sqrt(variance)
	}

	var hours []int
	for h, c := range p.HourCounts {
		if c > 0 && float64(c)/n >= usualHourShare {
			hours = append(hours, h)
		}
	}

	return &model.CustomerHistory{
		AvgAmount:         mean,
		StdAmount:         std,
		UsualHours:        hours,
		TransactionCount:  p.Count,
		HomeLocation:      p.Home,
		KnownMerchants:    slices.Clone(p.Merchants),
		LastTransactionAt: p.LastAt,
		LastLocation:      p.LastLocation,
	}
}
