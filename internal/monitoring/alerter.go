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

	"github.com/sells-group/revledger/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertHighBreaks        AlertType = "high_severity_breaks"
	AlertSuspenseEscalated AlertType = "suspense_escalated"
	AlertDeadLetterDepth   AlertType = "dead_letter_depth"
	AlertAuditWriteFailure AlertType = "audit_write_failure"
)

// Alert is one threshold breach, shaped for the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter holds the ledger's health thresholds and the webhook they report
// to. Every threshold is strict: sitting exactly at the limit stays quiet.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	clock  func() time.Time
}

// NewAlerter builds an alerter from the monitoring thresholds.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
}

func (a *Alerter) newAlert(typ AlertType, severity, msg string, details map[string]any) *Alert {
	return &Alert{
		Type:      typ,
		Severity:  severity,
		Message:   msg,
		Details:   details,
		Timestamp: a.clock().UTC(),
	}
}

// Evaluate runs every threshold check against the snapshot.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	checks := []func(*MetricsSnapshot) *Alert{
		a.highBreaks,
		a.escalatedSuspense,
		a.deadLetterDepth,
		a.auditFailures,
	}
	var alerts []Alert
	for _, check := range checks {
		if alert := check(snap); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func (a *Alerter) highBreaks(snap *MetricsSnapshot) *Alert {
	if snap.BreaksHigh <= a.cfg.MaxHighBreaks {
		return nil
	}
	return a.newAlert(AlertHighBreaks, "high",
		fmt.Sprintf("%d high severity breaks unresolved, threshold %d (%d open in total)",
			snap.BreaksHigh, a.cfg.MaxHighBreaks, snap.BreaksOpen),
		map[string]any{
			"high_breaks": snap.BreaksHigh,
			"open_breaks": snap.BreaksOpen,
			"threshold":   a.cfg.MaxHighBreaks,
		})
}

func (a *Alerter) escalatedSuspense(snap *MetricsSnapshot) *Alert {
	if snap.SuspenseEscalated <= a.cfg.MaxEscalated {
		return nil
	}
	return a.newAlert(AlertSuspenseEscalated, "medium",
		fmt.Sprintf("%d coupons past the escalation age, threshold %d (oldest %d days)",
			snap.SuspenseEscalated, a.cfg.MaxEscalated, snap.SuspenseMaxAge),
		map[string]any{
			"escalated":    snap.SuspenseEscalated,
			"max_age_days": snap.SuspenseMaxAge,
			"threshold":    a.cfg.MaxEscalated,
		})
}

func (a *Alerter) deadLetterDepth(snap *MetricsSnapshot) *Alert {
	if snap.DLQDepth <= a.cfg.MaxDeadLetters {
		return nil
	}
	return a.newAlert(AlertDeadLetterDepth, "medium",
		fmt.Sprintf("%d records parked in the dead letter queue, threshold %d",
			snap.DLQDepth, a.cfg.MaxDeadLetters),
		map[string]any{
			"depth":     snap.DLQDepth,
			"threshold": a.cfg.MaxDeadLetters,
		})
}

// auditFailures alerts at any count. A lost audit record is an integrity
// problem, not a load problem.
func (a *Alerter) auditFailures(snap *MetricsSnapshot) *Alert {
	if snap.AuditWriteFailures == 0 {
		return nil
	}
	return a.newAlert(AlertAuditWriteFailure, "high",
		fmt.Sprintf("%d audit writes have failed since start", snap.AuditWriteFailures),
		map[string]any{"failures": snap.AuditWriteFailures})
}

// Deliver posts each alert to the configured webhook and reports how many
// arrived. Without a webhook URL nothing goes out.
func (a *Alerter) Deliver(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}
	log := zap.L().With(zap.String("component", "monitoring.alerter"))

	sent := 0
	for _, alert := range alerts {
		if err := a.post(ctx, alert); err != nil {
			log.Error("alert delivery failed",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		log.Info("alert delivered",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook answered %d", resp.StatusCode)
	}
	return nil
}
