package notify

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
	"go.uber.org/zap"

	"assessment-sync/internal/config"
	"assessment-sync/internal/logger"
)

// Notification is what a channel sends.
type Notification struct {
	Subject  string
	Message  string
	Severity Severity
	Metadata map[string]any
}

// Channel delivers notifications to one external system.
type Channel interface {
	Name() string
	// Recipient describes where the channel sends, for delivery logs.
	Recipient() string
	Send(ctx context.Context, n Notification) error
}

// LogChannel writes notifications to the service log.
type LogChannel struct{}

func (LogChannel) Name() string      { return "log" }
func (LogChannel) Recipient() string { return "logger" }

func (LogChannel) Send(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("subject", n.Subject),
		zap.String("severity", string(n.Severity)),
		zap.Any("metadata", n.Metadata),
	}
	switch n.Severity {
	case SeverityCritical, SeverityError:
		logger.Log.Error(n.Message, fields...)
	case SeverityWarning:
		logger.Log.Warn(n.Message, fields...)
	default:
		logger.Log.Info(n.Message, fields...)
	}
	return nil
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailChannel struct {
	cfg      config.EmailConfig
	sendMail SendMailFunc
}

func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}
}

// WithSendMail replaces the SMTP transport.
func (c *EmailChannel) WithSendMail(f SendMailFunc) *EmailChannel {
	c.sendMail = f
	return c
}

func (c *EmailChannel) Name() string      { return "email" }
func (c *EmailChannel) Recipient() string { return strings.Join(c.cfg.Recipients, ",") }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if len(c.cfg.Recipients) == 0 {
		return errors.New("no email recipients configured")
	}
	port := c.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.cfg.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(n.Severity)), n.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n\r\n")
	msg.WriteString(metadataLines(n.Metadata))

	// smtp.SendMail takes no context; run it aside so the send timeout holds.
	done := make(chan error, 1)
	go func() {
		done <- c.sendMail(addr, auth, c.cfg.From, c.cfg.Recipients, msg.Bytes())
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SMSChannel posts short messages to an SMS gateway. Recipients are
// normalized to E.164 when the channel is built.
type SMSChannel struct {
	cfg        config.SMSConfig
	recipients []string
	client     *http.Client
}

func NewSMSChannel(cfg config.SMSConfig, client *http.Client) (*SMSChannel, error) {
	region := cfg.DefaultRegion
	if region == "" {
		region = "US"
	}
	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		num, err := libphonenumber.Parse(r, region)
		if err != nil {
			return nil, fmt.Errorf("sms recipient %q: %w", r, err)
		}
		if !libphonenumber.IsValidNumber(num) {
			return nil, fmt.Errorf("sms recipient %q is not a valid number", r)
		}
		recipients = append(recipients, libphonenumber.Format(num, libphonenumber.E164))
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SMSChannel{cfg: cfg, recipients: recipients, client: client}, nil
}

func (c *SMSChannel) Name() string      { return "sms" }
func (c *SMSChannel) Recipient() string { return strings.Join(c.recipients, ",") }

func (c *SMSChannel) Send(ctx context.Context, n Notification) error {
	if len(c.recipients) == 0 {
		return errors.New("no sms recipients configured")
	}
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Subject)
	if len(text) > 160 {
		text = text[:157] + "..."
	}
	var errs []error
	for _, to := range c.recipients {
		body := map[string]string{"from": c.cfg.Sender, "to": to, "message": text}
		headers := map[string]string{}
		if c.cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + c.cfg.APIKey
		}
		if err := postJSON(ctx, c.client, c.cfg.Endpoint, body, headers); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

type SlackChannel struct {
	cfg    config.SlackConfig
	client *http.Client
}

func NewSlackChannel(cfg config.SlackConfig, client *http.Client) *SlackChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackChannel{cfg: cfg, client: client}
}

func (c *SlackChannel) Name() string      { return "slack" }
func (c *SlackChannel) Recipient() string { return c.cfg.Channel }

var slackColors = map[Severity]string{
	SeverityInfo:     "#36a64f",
	SeverityWarning:  "#ff9900",
	SeverityError:    "#ff0000",
	SeverityCritical: "#8b0000",
}

func (c *SlackChannel) Send(ctx context.Context, n Notification) error {
	fields := make([]map[string]any, 0, len(n.Metadata))
	for _, line := range strings.Split(strings.TrimSpace(metadataLines(n.Metadata)), "\n") {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		fields = append(fields, map[string]any{"title": k, "value": v, "short": true})
	}
	payload := map[string]any{
		"text": n.Subject,
		"attachments": []map[string]any{{
			"color":  slackColors[n.Severity],
			"text":   n.Message,
			"fields": fields,
		}},
	}
	if c.cfg.Channel != "" {
		payload["channel"] = c.cfg.Channel
	}
	if c.cfg.Username != "" {
		payload["username"] = c.cfg.Username
	}
	return postJSON(ctx, c.client, c.cfg.WebhookURL, payload, nil)
}

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Sync-Signature"

type WebhookChannel struct {
	cfg    config.WebhookConfig
	client *http.Client
}

func NewWebhookChannel(cfg config.WebhookConfig, client *http.Client) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{cfg: cfg, client: client}
}

func (c *WebhookChannel) Name() string      { return "webhook" }
func (c *WebhookChannel) Recipient() string { return c.cfg.URL }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"subject":   n.Subject,
		"message":   n.Message,
		"severity":  n.Severity,
		"metadata":  n.Metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	headers := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}
	if c.cfg.Secret != "" {
		headers[SignatureHeader] = Sign(c.cfg.Secret, body)
	}
	return post(ctx, c.client, c.cfg.URL, body, headers)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(ctx context.Context, client *http.Client, url string, v any, headers map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return post(ctx, client, url, body, headers)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	if url == "" {
		return errors.New("no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SyslogChannel sends RFC 5424 lines over TCP.
type SyslogChannel struct {
	addr    string
	appName string
}

func NewSyslogChannel(cfg config.SyslogConfig) *SyslogChannel {
	app := cfg.AppName
	if app == "" {
		app = "assessment-sync"
	}
	return &SyslogChannel{addr: cfg.Addr, appName: app}
}

func (c *SyslogChannel) Name() string      { return "syslog" }
func (c *SyslogChannel) Recipient() string { return c.addr }

// syslogPriority is local0 with the level mapped from severity.
func syslogPriority(s Severity) int {
	const local0 = 16 * 8
	switch s {
	case SeverityCritical:
		return local0 + 2
	case SeverityError:
		return local0 + 3
	case SeverityWarning:
		return local0 + 4
	}
	return local0 + 6
}

func (c *SyslogChannel) Send(ctx context.Context, n Notification) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _ := os.Hostname()
	sd := "-"
	if id, ok := n.Metadata["job_id"]; ok {
		sd = fmt.Sprintf(`[sync@32473 job_id="%v"]`, id)
	}
	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s: %s\n",
		syslogPriority(n.Severity),
		time.Now().UTC().Format(time.RFC3339Nano),
		syslogToken(host),
		syslogToken(c.appName),
		sd,
		n.Subject,
		strings.TrimSpace(strings.ReplaceAll(n.Message, "\n", " ")),
	)
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func syslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}
