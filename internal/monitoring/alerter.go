package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFallbackRate AlertType = "fallback_rate"
	AlertBlockRate    AlertType = "block_rate"
	AlertCostOverrun  AlertType = "cost_overrun"
	AlertCircuitOpen  AlertType = "collaborator_circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Alerter) minAnalyses() int {
	if a.cfg.MinAnalyses > 0 {
		return a.cfg.MinAnalyses
	}
	return 5
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate alerts need at least MinAnalyses decisions in the window.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	enough := snap.Total >= a.minAnalyses()

	// A high fallback rate means the collaborator is failing or timing out.
	if enough && a.cfg.FallbackRateThreshold > 0 && snap.FallbackRate > a.cfg.FallbackRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFallbackRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Rule fallback rate %.1f%% exceeds threshold %.1f%% (%d of %d decisions in last %dh)",
				snap.FallbackRate*100, a.cfg.FallbackRateThreshold*100,
				snap.Fallback, snap.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"fallback_rate": snap.FallbackRate,
				"threshold":     a.cfg.FallbackRateThreshold,
				"fallback":      snap.Fallback,
				"total":         snap.Total,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.BlockRateThreshold > 0 && snap.BlockRate > a.cfg.BlockRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBlockRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Block rate %.1f%% exceeds threshold %.1f%% (%d of %d decisions in last %dh)",
				snap.BlockRate*100, a.cfg.BlockRateThreshold*100,
				snap.Blocked, snap.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"block_rate":     snap.BlockRate,
				"threshold":      a.cfg.BlockRateThreshold,
				"blocked":        snap.Blocked,
				"total":          snap.Total,
				"avg_risk_score": snap.AvgRiskScore,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CollaboratorCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Collaborator cost $%.2f exceeds threshold $%.2f (%d calls)",
				snap.CollaboratorCostUSD, a.cfg.CostThresholdUSD, snap.CollaboratorCalls,
			),
			Details: map[string]any{
				"cost_usd":      snap.CollaboratorCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"calls":         snap.CollaboratorCalls,
			},
			Timestamp: now,
		})
	}

	// An open circuit sends every decision to fallback regardless of volume.
	if snap.CollaboratorCircuit == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message: fmt.Sprintf(
				"Collaborator circuit breaker is open (%d trips); decisions are rule-based",
				snap.CollaboratorCircuitTrips,
			),
			Details: map[string]any{
				"circuit": snap.CollaboratorCircuit,
				"trips":   snap.CollaboratorCircuitTrips,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
