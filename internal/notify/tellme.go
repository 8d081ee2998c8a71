// Package notify calls the external new-customer notification endpoint.
package notify

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

const source = "whatsapp_automation_system"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload is the JSON body posted for each new customer.
type Payload struct {
	CustomerName string `json:"customerName"`
	PhoneNumber  string `json:"phoneNumber"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	Source       string `json:"source"`
	AdminID      int64  `json:"adminId"`
}

// TellMe posts new customers to the configured endpoint.
type TellMe struct {
	cfg     config.TellMeConfig
	client  *resty.Client
	logs    repository.NotifyLogRepository
	backoff time.Duration
}

// NewTellMe logs may be nil.
func NewTellMe(cfg config.TellMeConfig, logs repository.NotifyLogRepository) *TellMe {
	n := &TellMe{cfg: cfg, logs: logs, backoff: time.Second}
	n.client = n.newClient()
	return n
}

func (n *TellMe) newClient() *resty.Client {
	attempts := n.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := n.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(attempts-1).
		SetRetryWaitTime(n.backoff).
		SetRetryMaxWaitTime(n.backoff*time.Duration(attempts)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	c.JSONMarshal = json.Marshal
	c.JSONUnmarshal = json.Unmarshal
	// client errors are final; transport errors and 5xx are retried
	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500
	})
	return c
}

func (n *TellMe) Enabled() bool {
	return n.cfg.Enabled
}

// Validate checks the endpoint settings. Plain http is accepted only for
// local endpoints.
func (n *TellMe) Validate() error {
	if n.cfg.URL == "" {
		return errors.New("tellme url not configured")
	}
	if n.cfg.APIKey == "" {
		return errors.New("tellme api key not configured")
	}
	u, err := url.Parse(n.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "tellme url")
	}
	host := u.Hostname()
	local := host == "localhost" || host == "127.0.0.1" || host == "::1"
	if !local && !strings.EqualFold(u.Scheme, "https") {
		return errors.New("tellme url must use https")
	}
	return nil
}

// NotifyNewCustomer posts the customer and records the call in notify_log.
// A disabled notifier does nothing.
func (n *TellMe) NotifyNewCustomer(ctx context.Context, tenant int64, c *domain.Customer, body string) error {
	if !n.cfg.Enabled {
		zap.L().Debug("notify: tellme disabled, skipped", zap.Int64("tenant", tenant))
		return nil
	}
	if err := n.Validate(); err != nil {
		return err
	}

	name := c.Name
	if name == "" {
		name = "Unknown"
	}
	payload := Payload{
		CustomerName: name,
		PhoneNumber:  c.Phone,
		Message:      body,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Source:       source,
		AdminID:      tenant,
	}

	start := time.Now()
	resp, err := n.client.R().
		SetContext(ctx).
		SetAuthToken(n.cfg.APIKey).
		SetBody(payload).
		Post(n.cfg.URL)
	duration := time.Since(start)

	entry := &domain.NotifyLog{
		AdminID:       tenant,
		CustomerName:  name,
		PhoneNumber:   c.Phone,
		Message:       body,
		ApiURL:        n.cfg.URL,
		AttemptNumber: 1,
		Duration:      duration.Milliseconds(),
	}
	if raw, merr := json.MarshalToString(payload); merr == nil {
		entry.RequestPayload = raw
	}
	if resp != nil {
		entry.ResponseStatus = resp.StatusCode()
		entry.ResponseBody = resp.String()
		if resp.Request != nil && resp.Request.Attempt > 0 {
			entry.AttemptNumber = resp.Request.Attempt
		}
	}

	switch {
	case err != nil:
		entry.ErrorMessage = err.Error()
		err = errors.Wrap(err, "tellme request")
	case resp.IsError():
		entry.ErrorMessage = resp.Status()
		err = errors.Errorf("tellme responded %s", resp.Status())
	default:
		entry.Success = true
	}
	n.record(ctx, entry)

	if err != nil {
		zap.L().Warn("notify: tellme call failed",
			zap.Int64("tenant", tenant),
			zap.Int("attempts", entry.AttemptNumber),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}
	zap.L().Info("notify: tellme call succeeded",
		zap.Int64("tenant", tenant),
		zap.Int("status", entry.ResponseStatus),
		zap.Int("attempts", entry.AttemptNumber),
		zap.Duration("duration", duration),
	)
	return nil
}

func (n *TellMe) record(ctx context.Context, entry *domain.NotifyLog) {
	if n.logs == nil {
		return
	}
	if err := n.logs.Create(ctx, entry); err != nil {
		zap.L().Warn("notify: write notify_log failed", zap.Error(err))
	}
}
