package whatsapp

import (
	"context"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/realtime"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

const mediaPlaceholder = "[Media Message]"

// CustomerNotifier is told about customers created by an inbound message.
type CustomerNotifier interface {
	NotifyNewCustomer(ctx context.Context, tenant int64, c *domain.Customer, body string) error
}

// skip reasons, used for logging only
const (
	skipFromMe      = "from_me"
	skipBroadcast   = "broadcast"
	skipGroup       = "group"
	skipNoPhone     = "no_phone"
	skipSelf        = "self"
	skipUnresolvLID = "unresolved_lid"
)

// InboundHandler persists incoming messages and keeps customers current.
type InboundHandler struct {
	customers repository.CustomerRepository
	messages  repository.MessageRepository
	events    realtime.Emitter
	notifier  CustomerNotifier
	pool      *ants.Pool
}

// NewInboundHandler notifier and pool may be nil. Without a pool the
// notifier runs on its own goroutine.
func NewInboundHandler(customers repository.CustomerRepository, messages repository.MessageRepository,
	events realtime.Emitter, notifier CustomerNotifier, pool *ants.Pool) *InboundHandler {
	return &InboundHandler{
		customers: customers,
		messages:  messages,
		events:    events,
		notifier:  notifier,
		pool:      pool,
	}
}

// Handle processes each message on its own; one bad message never stops the rest.
func (h *InboundHandler) Handle(ctx context.Context, tenant int64, self string, msgs []InboundMessage) {
	for i := range msgs {
		h.handleOne(ctx, tenant, self, &msgs[i])
	}
}

func (h *InboundHandler) handleOne(ctx context.Context, tenant int64, self string, msg *InboundMessage) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: inbound message panic",
				zap.Int64("tenant", tenant),
				zap.String("message_id", msg.ID),
				zap.Any("panic", err),
			)
		}
	}()

	phone, reason := counterpart(msg, self)
	if reason != "" {
		zap.L().Debug("whatsapp: inbound message skipped",
			zap.Int64("tenant", tenant),
			zap.String("message_id", msg.ID),
			zap.String("reason", reason),
		)
		return
	}
	if err := h.process(ctx, tenant, phone, msg); err != nil {
		zap.L().Warn("whatsapp: inbound message failed",
			zap.Int64("tenant", tenant),
			zap.String("message_id", msg.ID),
			zap.String("phone", phone),
			zap.Error(err),
		)
	}
}

// counterpart runs the filter pipeline and returns the sender's phone, or
// the reason the message is ignored.
func counterpart(msg *InboundMessage, self string) (string, string) {
	if msg.FromMe {
		return "", skipFromMe
	}
	server := jidServer(msg.RemoteJID)
	switch {
	case server == "broadcast" || server == "newsletter" || strings.HasPrefix(msg.RemoteJID, "status@"):
		return "", skipBroadcast
	case server == "g.us":
		return "", skipGroup
	}

	addr := msg.RemoteJID
	if server == "lid" {
		if msg.RemoteJIDAlt == "" || jidServer(msg.RemoteJIDAlt) == "lid" {
			return "", skipUnresolvLID
		}
		addr = msg.RemoteJIDAlt
	}
	phone := jidUser(addr)
	if !isCounterpartPhone(phone) {
		return "", skipNoPhone
	}
	if self != "" && phone == selfPhone(self) {
		return "", skipSelf
	}
	return phone, ""
}

func (h *InboundHandler) process(ctx context.Context, tenant int64, phone string, msg *InboundMessage) error {
	customer, created, err := h.ensureCustomer(ctx, tenant, phone, msg)
	if err != nil {
		return err
	}

	body := messageBody(msg)
	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}
	waID := msg.ID
	row := &domain.Message{
		AdminID:    tenant,
		WhatsappID: &waID,
		FromMe:     false,
		ToPhone:    phone,
		Body:       body,
		Type:       "text",
		Status:     domain.MessageReceived,
		Timestamp:  ts,
	}
	if msg.ID == "" {
		row.WhatsappID = nil
	}
	inserted, err := h.messages.CreateInbound(ctx, row)
	if err != nil {
		return errors.Wrap(err, "store inbound message")
	}
	if !inserted {
		zap.L().Debug("whatsapp: duplicate inbound message", zap.Int64("tenant", tenant), zap.String("message_id", msg.ID))
		return nil
	}

	h.emit(tenant, realtime.EventNewMessage, map[string]interface{}{
		"phone":     phone,
		"body":      body,
		"from_me":   false,
		"timestamp": ts,
	})

	if created {
		h.emit(tenant, realtime.EventCustomerAdded, map[string]interface{}{"customer": customer})
		h.dispatchNotify(tenant, customer, body)
	}
	return nil
}

func (h *InboundHandler) ensureCustomer(ctx context.Context, tenant int64, phone string, msg *InboundMessage) (*domain.Customer, bool, error) {
	incoming := strings.TrimSpace(msg.PushName)
	if incoming == "" {
		incoming = strings.TrimSpace(msg.VerifiedName)
	}

	existing, err := h.customers.GetByPhone(ctx, tenant, phone)
	if err != nil && !repository.IsNotFound(err) {
		return nil, false, errors.Wrap(err, "lookup customer")
	}
	if existing == nil || repository.IsNotFound(err) {
		name := incoming
		if name == "" {
			name = fallbackName(phone)
		}
		c := &domain.Customer{
			AdminID: tenant,
			Phone:   phone,
			Name:    name,
			Tags:    domain.Tags{domain.TagIncomingMessage, domain.TagAutoAdded},
		}
		created, err := h.customers.CreateIfAbsent(ctx, c)
		if err != nil {
			return nil, false, errors.Wrap(err, "create customer")
		}
		return c, created, nil
	}

	name := existing.Name
	if incoming != "" && !isFallbackName(incoming) && incoming != existing.Name {
		name = incoming
	}
	tags := existing.Tags
	if !tags.Has(domain.TagIncomingMessage) {
		tags = append(append(domain.Tags{}, tags...), domain.TagIncomingMessage)
	}
	if name != existing.Name || len(tags) != len(existing.Tags) {
		if err := h.customers.UpdateProfile(ctx, tenant, existing.ID, name, tags); err != nil {
			zap.L().Warn("whatsapp: customer refresh failed", zap.Int64("tenant", tenant), zap.String("phone", phone), zap.Error(err))
		} else {
			existing.Name = name
			existing.Tags = tags
		}
	}
	return existing, false, nil
}

func (h *InboundHandler) dispatchNotify(tenant int64, c *domain.Customer, body string) {
	if h.notifier == nil {
		return
	}
	task := func() {
		defer func() {
			if err := recover(); err != nil {
				zap.L().Error("whatsapp: notifier panic", zap.Int64("tenant", tenant), zap.Any("panic", err))
			}
		}()
		if err := h.notifier.NotifyNewCustomer(context.Background(), tenant, c, body); err != nil {
			zap.L().Warn("whatsapp: new customer notification failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	}
	if h.pool != nil {
		if err := h.pool.Submit(task); err == nil {
			return
		}
	}
	go task()
}

func (h *InboundHandler) emit(tenant int64, event string, payload interface{}) {
	if h.events == nil {
		return
	}
	h.events.Emit(event, payload, tenant)
}

func messageBody(msg *InboundMessage) string {
	for _, s := range []string{msg.Conversation, msg.ExtendedText, msg.Caption} {
		if s != "" {
			return s
		}
	}
	return mediaPlaceholder
}

const fallbackPrefix = "Customer "

// isFallbackName reports whether name has the generated "Customer <last4>"
// shape, which never replaces a stored name.
func isFallbackName(name string) bool {
	return strings.HasPrefix(name, fallbackPrefix)
}

func fallbackName(phone string) string {
	last4 := phone
	if len(phone) > 4 {
		last4 = phone[len(phone)-4:]
	}
	return fallbackPrefix + last4
}
