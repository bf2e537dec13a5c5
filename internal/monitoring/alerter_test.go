package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/config"
)

func alertCfg() config.MonitoringConfig {
	return config.MonitoringConfig{
		MaxHighBreaks:  5,
		MaxEscalated:   10,
		MaxDeadLetters: 25,
	}
}

func TestAlerterEvaluateQuiet(t *testing.T) {
	a := NewAlerter(alertCfg())

	// Thresholds are strict: sitting exactly at the limit is still quiet.
	alerts := a.Evaluate(&MetricsSnapshot{
		BreaksHigh:        5,
		SuspenseEscalated: 10,
		DLQDepth:          25,
	})
	assert.Empty(t, alerts)
}

func TestAlerterEvaluateHighBreaks(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{BreaksHigh: 6, BreaksOpen: 9})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHighBreaks, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "6 high severity breaks unresolved, threshold 5 (9 open in total)", alerts[0].Message)
	assert.Equal(t, 6, alerts[0].Details["high_breaks"])
	assert.False(t, alerts[0].Timestamp.IsZero())
}

func TestAlerterEvaluateEscalatedSuspense(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{SuspenseEscalated: 11, SuspenseMaxAge: 120})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSuspenseEscalated, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, "11 coupons past the escalation age, threshold 10 (oldest 120 days)", alerts[0].Message)
}

func TestAlerterEvaluateDeadLetters(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 30})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeadLetterDepth, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, "30 records parked in the dead letter queue, threshold 25", alerts[0].Message)
}

func TestAlerterEvaluateAuditFailures(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{AuditWriteFailures: 2})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAuditWriteFailure, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "2 audit writes have failed since start", alerts[0].Message)
}

func TestAlerterEvaluateMultiple(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{
		BreaksHigh:         6,
		BreaksOpen:         6,
		SuspenseEscalated:  11,
		DLQDepth:           30,
		AuditWriteFailures: 1,
	})
	require.Len(t, alerts, 4)

	types := make([]AlertType, 0, len(alerts))
	for _, alert := range alerts {
		types = append(types, alert.Type)
	}
	assert.Equal(t, []AlertType{
		AlertHighBreaks,
		AlertSuspenseEscalated,
		AlertDeadLetterDepth,
		AlertAuditWriteFailure,
	}, types)
}

func TestAlerterEvaluateStampsClock(t *testing.T) {
	a := NewAlerter(alertCfg())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.clock = func() time.Time { return fixed }

	alerts := a.Evaluate(&MetricsSnapshot{AuditWriteFailures: 1})
	require.Len(t, alerts, 1)
	assert.Equal(t, fixed, alerts[0].Timestamp)
}

func TestAlerterDeliverPostsWebhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		assert.NotEmpty(t, alert.Message)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := alertCfg()
	cfg.WebhookURL = ts.URL
	a := NewAlerter(cfg)

	sent := a.Deliver(context.Background(), a.Evaluate(&MetricsSnapshot{
		BreaksHigh: 6,
		DLQDepth:   30,
	}))
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerterDeliverNoWebhookURL(t *testing.T) {
	a := NewAlerter(alertCfg())

	sent := a.Deliver(context.Background(), []Alert{
		{Type: AlertHighBreaks, Severity: "high", Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerterDeliverNoAlerts(t *testing.T) {
	cfg := alertCfg()
	cfg.WebhookURL = "http://example.com"
	a := NewAlerter(cfg)

	sent := a.Deliver(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerterDeliverServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	cfg := alertCfg()
	cfg.WebhookURL = ts.URL
	a := NewAlerter(cfg)

	sent := a.Deliver(context.Background(), []Alert{
		{Type: AlertDeadLetterDepth, Severity: "medium", Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
