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

	"github.com/viralcast/prediction-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDegradedRate     AlertType = "degraded_rate"
	AlertCostOverrun      AlertType = "cost_overrun"
	AlertCalibrationDrift AlertType = "calibration_drift"
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

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Degraded-signal rate: predictions still succeed, but too many are
	// missing non-critical signals.
	if snap.PredictionsTotal >= 5 && snap.DegradedRate > a.cfg.DegradedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDegradedRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Degraded prediction rate %.1f%% exceeds threshold %.1f%% (%d of %d in last %dh)",
				snap.DegradedRate*100, a.cfg.DegradedRateThreshold*100,
				snap.DegradedPredictions, snap.PredictionsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"degraded_rate": snap.DegradedRate,
				"threshold":     a.cfg.DegradedRateThreshold,
				"degraded":      snap.DegradedPredictions,
				"total":         snap.PredictionsTotal,
			},
			Timestamp: now,
		})
	}

	// Cost overrun.
	if a.cfg.CostThresholdCents > 0 && snap.TotalCostCents > a.cfg.CostThresholdCents {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider cost %.2f cents exceeds threshold %.2f cents in last %dh",
				snap.TotalCostCents, a.cfg.CostThresholdCents, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_cents":      snap.TotalCostCents,
				"threshold_cents": a.cfg.CostThresholdCents,
				"predictions":     snap.PredictionsTotal,
			},
			Timestamp: now,
		})
	}

	// Calibration drift: the served probabilities no longer match reality.
	if a.cfg.ECEThreshold > 0 && snap.OutcomesTotal >= 20 && snap.RollingECE > a.cfg.ECEThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCalibrationDrift,
			Severity: "high",
			Message: fmt.Sprintf(
				"Rolling ECE %.4f exceeds threshold %.4f over %d outcomes in last %dh",
				snap.RollingECE, a.cfg.ECEThreshold, snap.OutcomesTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"ece":                 snap.RollingECE,
				"threshold":           a.cfg.ECEThreshold,
				"outcomes":            snap.OutcomesTotal,
				"calibration_version": snap.CalibrationVersion,
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
