package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/viralcast/prediction-engine/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		LookbackWindowHours:   24,
		DegradedRateThreshold: 0.25,
		CostThresholdCents:    100,
		ECEThreshold:          0.1,
	}
}

func TestAlerterEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy system raises nothing",
			snap: MetricsSnapshot{
				PredictionsTotal: 50,
				DegradedRate:     0.1,
				TotalCostCents:   40,
				OutcomesTotal:    100,
				RollingECE:       0.04,
			},
			want: nil,
		},
		{
			name: "degraded rate over threshold",
			snap: MetricsSnapshot{
				PredictionsTotal:    20,
				DegradedPredictions: 8,
				DegradedRate:        0.4,
			},
			want: []AlertType{AlertDegradedRate},
		},
		{
			name: "degraded rate ignored under minimum sample count",
			snap: MetricsSnapshot{
				PredictionsTotal:    3,
				DegradedPredictions: 3,
				DegradedRate:        1.0,
			},
			want: nil,
		},
		{
			name: "cost overrun",
			snap: MetricsSnapshot{
				PredictionsTotal: 50,
				TotalCostCents:   150,
			},
			want: []AlertType{AlertCostOverrun},
		},
		{
			name: "calibration drift",
			snap: MetricsSnapshot{
				OutcomesTotal: 40,
				RollingECE:    0.22,
			},
			want: []AlertType{AlertCalibrationDrift},
		},
		{
			name: "drift ignored with too few outcomes",
			snap: MetricsSnapshot{
				OutcomesTotal: 10,
				RollingECE:    0.5,
			},
			want: nil,
		},
		{
			name: "multiple breaches stack",
			snap: MetricsSnapshot{
				PredictionsTotal:    100,
				DegradedPredictions: 60,
				DegradedRate:        0.6,
				TotalCostCents:      500,
				OutcomesTotal:       50,
				RollingECE:          0.3,
			},
			want: []AlertType{AlertDegradedRate, AlertCostOverrun, AlertCalibrationDrift},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAlerter(testMonitoringConfig())
			alerts := a.Evaluate(&tt.snap)

			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
				assert.NotEmpty(t, al.Message)
				assert.Equal(t, "high", al.Severity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerterSendAlertsNoWebhook(t *testing.T) {
	t.Parallel()

	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(t.Context(), []Alert{{Type: AlertCostOverrun}})
	assert.Zero(t, sent)
}
