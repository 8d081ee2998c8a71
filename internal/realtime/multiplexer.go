// Package realtime fans lifecycle and message events out to the owning
// tenant's subscribers only.
package realtime

import (
	"fmt"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrTransportNotReady = errors.New("realtime: transport not ready")

// Event names published on tenant channels
const (
	EventStatus         = "status"
	EventQR             = "qr"
	EventNewMessage     = "new_message"
	EventAdminConnected = "admin_connected"
	EventCustomerAdded  = "customer_added"
)

const systemTopic = "system"

// Event is what subscribers receive. Tenant is zero for diagnostics.
type Event struct {
	Name    string      `json:"event"`
	Tenant  int64       `json:"tenant_id,string"`
	Payload interface{} `json:"data"`
	At      time.Time   `json:"at"`
}

// Emitter is the publishing side used by the messaging core.
type Emitter interface {
	Emit(event string, payload interface{}, tenant int64)
	EmitSystem(event string, payload interface{})
}

// Multiplexer publishes events on one bus topic per tenant.
type Multiplexer struct {
	bus EventBus.Bus
}

func NewMultiplexer(bus EventBus.Bus) *Multiplexer {
	return &Multiplexer{bus: bus}
}

func TenantTopic(tenant int64) string {
	return fmt.Sprintf("tenant:%d", tenant)
}

// Emit delivers to tenant's channel only. A missing transport drops the
// event; callers are never interrupted by delivery problems.
func (m *Multiplexer) Emit(event string, payload interface{}, tenant int64) {
	if tenant <= 0 {
		zap.L().Warn("realtime: refusing tenant event without tenant id", zap.String("event", event))
		return
	}
	m.publish(TenantTopic(tenant), Event{Name: event, Tenant: tenant, Payload: payload, At: time.Now()})
}

// EmitSystem is for process-wide diagnostics, never tenant data.
func (m *Multiplexer) EmitSystem(event string, payload interface{}) {
	m.publish(systemTopic, Event{Name: event, Payload: payload, At: time.Now()})
}

func (m *Multiplexer) publish(topic string, ev Event) {
	if m == nil || m.bus == nil {
		zap.L().Debug("realtime: transport not ready, event dropped",
			zap.String("topic", topic),
			zap.String("event", ev.Name),
		)
		return
	}
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("realtime: subscriber panic",
				zap.String("topic", topic),
				zap.String("event", ev.Name),
				zap.Any("panic", err),
			)
		}
	}()
	if !m.bus.HasCallback(topic) {
		return
	}
	m.bus.Publish(topic, ev)
}

// Subscribe registers fn on tenant's channel. fn runs synchronously on the
// publishing goroutine and must not block.
func (m *Multiplexer) Subscribe(tenant int64, fn func(Event)) error {
	if m == nil || m.bus == nil {
		return ErrTransportNotReady
	}
	return m.bus.Subscribe(TenantTopic(tenant), fn)
}

func (m *Multiplexer) Unsubscribe(tenant int64, fn func(Event)) error {
	if m == nil || m.bus == nil {
		return nil
	}
	return m.bus.Unsubscribe(TenantTopic(tenant), fn)
}

// SubscribeSystem listens to diagnostics.
func (m *Multiplexer) SubscribeSystem(fn func(Event)) error {
	if m == nil || m.bus == nil {
		return ErrTransportNotReady
	}
	return m.bus.Subscribe(systemTopic, fn)
}
