package whatsapp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/realtime"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

var authFailure = regexp.MustCompile(`(?i)(auth|logged\s*out|unauthori[sz]ed|\b401\b)`)

// SenderSource resolves the live handle of a connected tenant.
type SenderSource interface {
	Sender(tenant int64) (Handle, Identity, bool)
}

// Result is the outcome of a send. Send never fails in any other way.
type Result struct {
	OK        bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
	// Cause is the typed error behind Error
	Cause error `json:"-"`
}

func failed(phone string, err error) Result {
	return Result{Phone: phone, Error: err.Error(), Cause: err}
}

// Gateway sends text to a counterpart through the tenant's session.
type Gateway struct {
	sessions SenderSource
	messages repository.MessageRepository
	events   realtime.Emitter
	ids      *snowflake.Node
	timeout  time.Duration
}

func NewGateway(sessions SenderSource, messages repository.MessageRepository, events realtime.Emitter, ids *snowflake.Node, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		sessions: sessions,
		messages: messages,
		events:   events,
		ids:      ids,
		timeout:  timeout,
	}
}

// Send delivers text and records an outbound sent row on success.
func (g *Gateway) Send(ctx context.Context, tenant int64, phone, text string) Result {
	res, normalized := g.attempt(ctx, tenant, phone, text)
	if !res.OK {
		return res
	}
	msgID := res.MessageID
	row := &domain.Message{
		AdminID:    tenant,
		WhatsappID: &msgID,
		FromMe:     true,
		ToPhone:    normalized,
		Body:       text,
		Type:       "text",
		Status:     domain.MessageSent,
		SentAt:     &res.Timestamp,
		Timestamp:  res.Timestamp,
	}
	if g.messages != nil {
		if err := g.messages.Create(ctx, row); err != nil {
			// the message left already; losing the row must not turn it into a failure
			zap.L().Error("whatsapp: persist outbound message failed",
				zap.Int64("tenant", tenant),
				zap.String("message_id", msgID),
				zap.Error(err),
			)
		}
	}
	return res
}

// Deliver sends an existing queued row. No row is created; the caller
// transitions msg using the returned message id.
func (g *Gateway) Deliver(ctx context.Context, msg *domain.Message) Result {
	res, _ := g.attempt(ctx, msg.AdminID, msg.ToPhone, msg.Body)
	return res
}

func (g *Gateway) attempt(ctx context.Context, tenant int64, phone, text string) (res Result, normalized string) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: send panic", zap.Int64("tenant", tenant), zap.Any("panic", err))
			res = failed(phone, errors.Errorf("send panic: %v", err))
		}
	}()

	normalized, err := NormalizeOutbound(phone)
	if err != nil {
		return failed(phone, err), ""
	}
	if strings.TrimSpace(text) == "" {
		return failed(normalized, ErrEmptyText), normalized
	}
	if g.sessions == nil {
		return failed(normalized, ErrNotConnected), normalized
	}
	handle, _, ok := g.sessions.Sender(tenant)
	if !ok {
		return failed(normalized, ErrNotConnected), normalized
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	receipt, err := handle.SendText(sctx, normalized, text)
	if err != nil {
		zap.L().Warn("whatsapp: send failed",
			zap.Int64("tenant", tenant),
			zap.String("phone", normalized),
			zap.Error(err),
		)
		if authFailure.MatchString(err.Error()) && g.events != nil {
			g.events.Emit(realtime.EventStatus, StatusReport{Status: StatusAuthError}, tenant)
		}
		return failed(normalized, errors.Wrap(err, "send")), normalized
	}

	msgID := receipt.ID
	if msgID == "" {
		msgID = g.placeholderID()
	}
	ts := receipt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if g.events != nil {
		g.events.Emit(realtime.EventNewMessage, map[string]interface{}{
			"phone":      normalized,
			"body":       text,
			"from_me":    true,
			"timestamp":  ts,
			"message_id": msgID,
		}, tenant)
	}
	return Result{OK: true, MessageID: msgID, Phone: normalized, Timestamp: ts}, normalized
}

func (g *Gateway) placeholderID() string {
	if g.ids == nil {
		return fmt.Sprintf("OUT-%d", time.Now().UnixNano())
	}
	return "OUT-" + g.ids.Generate().String()
}
