package alerts

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher delivers one alert to one target and reports the downstream
// provider status.
type Dispatcher interface {
	Dispatch(channel, target string, item AlertItem) (providerStatus string, err error)
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	UseSSL   bool
	From     string
}

// EmailDispatcher sends over SMTP, implicit TLS or STARTTLS per config.
type EmailDispatcher struct {
	cfg SMTPConfig
	log zerolog.Logger
}

// NewEmailDispatcher creates the SMTP dispatcher.
func NewEmailDispatcher(cfg SMTPConfig, log zerolog.Logger) *EmailDispatcher {
	return &EmailDispatcher{cfg: cfg, log: log.With().Str("component", "email_dispatcher").Logger()}
}

// Dispatch sends one alert email to target.
func (d *EmailDispatcher) Dispatch(_, target string, item AlertItem) (string, error) {
	if d.cfg.Host == "" {
		return "", fmt.Errorf("smtp host is not configured")
	}
	subject := fmt.Sprintf("[%s] %s", item.Severity, item.Source)
	body := item.Message
	if len(item.Payload) > 0 {
		if raw, err := json.MarshalIndent(item.Payload, "", "  "); err == nil {
			body += "\n\n" + string(raw)
		}
	}
	msg := strings.Join([]string{
		"From: " + d.cfg.From,
		"To: " + target,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	auth := smtp.PlainAuth("", d.cfg.User, d.cfg.Password, d.cfg.Host)
	if d.cfg.UseSSL {
		if err := d.sendOverTLS(addr, auth, target, []byte(msg)); err != nil {
			return "", err
		}
	} else {
		if err := smtp.SendMail(addr, auth, d.cfg.From, []string{target}, []byte(msg)); err != nil {
			return "", err
		}
	}
	return "accepted", nil
}

// sendOverTLS speaks SMTP over an implicit-TLS connection, which the stdlib
// SendMail helper does not support.
func (d *EmailDispatcher) sendOverTLS(addr string, auth smtp.Auth, target string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: d.cfg.Host})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Quit()

	if d.cfg.User != "" {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(d.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(target); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

// WebhookDispatcher posts channel-templated JSON to webhook URLs. It covers
// the im, dingtalk, wecom, and pagerduty channels.
type WebhookDispatcher struct {
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookDispatcher creates the webhook dispatcher.
func NewWebhookDispatcher(timeout time.Duration, log zerolog.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

// Dispatch posts the alert to target as the channel's payload shape.
func (d *WebhookDispatcher) Dispatch(channel, target string, item AlertItem) (string, error) {
	body, err := d.buildBody(channel, item)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	status := fmt.Sprintf("http_%d", resp.StatusCode)
	if resp.StatusCode >= 400 {
		return status, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return status, nil
}

func (d *WebhookDispatcher) buildBody(channel string, item AlertItem) ([]byte, error) {
	title := fmt.Sprintf("[%s] %s", item.Severity, item.Source)
	markdown := fmt.Sprintf("### %s\n\n%s", title, item.Message)

	switch channel {
	case ChannelDingtalk:
		return json.Marshal(map[string]interface{}{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": title,
				"text":  markdown,
			},
		})
	case ChannelWecom:
		return json.Marshal(map[string]interface{}{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"content": markdown,
			},
		})
	case ChannelPagerduty:
		routingKey := payloadString(item.Payload, "pagerduty_routing_key", "")
		if routingKey == "" {
			return nil, fmt.Errorf("pagerduty_routing_key is missing from payload")
		}
		return json.Marshal(map[string]interface{}{
			"routing_key":  routingKey,
			"event_action": "trigger",
			"payload": map[string]interface{}{
				"summary":        title + ": " + item.Message,
				"source":         item.Source,
				"severity":       pagerdutySeverity(item),
				"custom_details": item.Payload,
			},
		})
	default:
		// Generic im payload.
		return json.Marshal(map[string]interface{}{
			"title":    title,
			"message":  item.Message,
			"severity": string(item.Severity),
			"source":   item.Source,
			"payload":  item.Payload,
		})
	}
}

func pagerdutySeverity(item AlertItem) string {
	switch item.Severity {
	case "CRITICAL":
		return "critical"
	case "WARNING":
		return "warning"
	}
	return "info"
}
