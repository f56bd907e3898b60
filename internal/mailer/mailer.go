// Package mailer sends transactional subscription emails through the
// Resend HTTP API. All sends are best effort from the caller's point of
// view: a failed email never fails the billing operation that triggered it.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/helioslabs/subscription-service/pkg/logger"
)

const (
	resendEndpoint = "https://api.resend.com/emails"
	sendTimeout    = 10 * time.Second
)

// Mailer sends the lifecycle emails the service produces.
type Mailer interface {
	SendSubscriptionWelcome(ctx context.Context, to, planName string) error
	SendPaymentReceipt(ctx context.Context, to, planName string, amount float64, currency string) error
	SendCancellation(ctx context.Context, to string, accessUntil time.Time) error
}

type resendMessage struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// ResendMailer talks to the Resend API.
type ResendMailer struct {
	apiKey string
	from   string
	client *http.Client
	log    *logger.Logger
}

func NewResendMailer(apiKey, fromName, fromEmail string, log *logger.Logger) *ResendMailer {
	return &ResendMailer{
		apiKey: apiKey,
		from:   fmt.Sprintf("%s <%s>", fromName, fromEmail),
		client: &http.Client{Timeout: sendTimeout},
		log:    log,
	}
}

func (m *ResendMailer) send(ctx context.Context, msg resendMessage) error {
	msg.From = m.from

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailer: failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mailer: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mailer: resend returned %d: %s", resp.StatusCode, detail)
	}

	m.log.Debugw("Email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (m *ResendMailer) SendSubscriptionWelcome(ctx context.Context, to, planName string) error {
	return m.send(ctx, resendMessage{
		To:      []string{to},
		Subject: "Welcome to your new subscription",
		HTML: fmt.Sprintf(
			"<p>Your <strong>%s</strong> subscription is now active.</p><p>Your monthly credits have been allocated and are ready to use.</p>",
			planName,
		),
	})
}

func (m *ResendMailer) SendPaymentReceipt(ctx context.Context, to, planName string, amount float64, currency string) error {
	return m.send(ctx, resendMessage{
		To:      []string{to},
		Subject: "Payment received",
		HTML: fmt.Sprintf(
			"<p>We received your payment of <strong>%.2f %s</strong> for the %s plan.</p><p>Your credits have been refreshed for the new billing period.</p>",
			amount, currency, planName,
		),
	})
}

func (m *ResendMailer) SendCancellation(ctx context.Context, to string, accessUntil time.Time) error {
	return m.send(ctx, resendMessage{
		To:      []string{to},
		Subject: "Subscription cancelled",
		HTML: fmt.Sprintf(
			"<p>Your subscription has been cancelled.</p><p>You keep access and remaining credits until <strong>%s</strong>.</p>",
			accessUntil.Format("January 2, 2006"),
		),
	})
}

// NopMailer drops all emails. Used when no mail API key is configured.
type NopMailer struct{}

func (NopMailer) SendSubscriptionWelcome(context.Context, string, string) error { return nil }

func (NopMailer) SendPaymentReceipt(context.Context, string, string, float64, string) error {
	return nil
}

func (NopMailer) SendCancellation(context.Context, string, time.Time) error { return nil }
