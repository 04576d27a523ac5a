package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Alerter delivers a drift report somewhere a human will see it.
type Alerter interface {
	Alert(ctx context.Context, report *Report) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, report *Report) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "drift alert",
		"prompt_version_id", report.PromptVersionID,
		"prompt_name", report.PromptName,
		"severity", report.Severity,
		"confidence", report.Confidence,
		"recommended_action", report.RecommendedAction,
		"baseline_mean", report.BaselineMean,
		"current_mean", report.CurrentMean,
	)
	return nil
}

// WebhookPayload is the JSON body posted by WebhookAlerter.
type WebhookPayload struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Report    *Report   `json:"report"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookAlerter POSTs alerts as JSON. The client should carry the otelhttp
// transport so deliveries appear in traces.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, client *http.Client) (*WebhookAlerter, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAlerter{url: url, client: client}, nil
}

func (a *WebhookAlerter) Alert(ctx context.Context, report *Report) error {
	payload, err := json.Marshal(WebhookPayload{
		Title:     "Statistical Drift Detected",
		Message:   alertMessage(report),
		Severity:  report.Severity,
		Report:    report,
		Timestamp: report.CheckedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal drift alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Alerters fans one report out to several alerters, joining their errors.
type Alerters []Alerter

func (as Alerters) Alert(ctx context.Context, report *Report) error {
	var errs []error
	for _, a := range as {
		if err := a.Alert(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func alertMessage(r *Report) string {
	name := r.PromptName
	if name == "" {
		name = r.PromptVersionID
	} else if r.Version != "" {
		name += "@" + r.Version
	}
	return fmt.Sprintf("Quality drift %s detected for %s: mean score fell %.1f%% (%.2f -> %.2f).",
		r.Severity, name, r.Drop*100, r.BaselineMean, r.CurrentMean)
}
