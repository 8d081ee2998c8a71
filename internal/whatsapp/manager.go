package whatsapp

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/credstore"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/realtime"
	"github.com/talkincode/toughwa/internal/repository"
	"go.uber.org/zap"
)

// Status values published on the tenant channel beyond the plain states
const (
	StatusLoggedOut = string(StateLoggedOut)
	StatusQRError   = "qr_error"
	StatusAuthError = "auth_error"
	StatusError     = "error"
)

var authTerminal = regexp.MustCompile(`(?i)(logged\s*out|loggedout|unauthori[sz]ed|\b401\b)`)

// IsAuthTerminal reports whether a close reason means the remote network
// revoked the current credentials.
func IsAuthTerminal(reason string) bool {
	return authTerminal.MatchString(reason)
}

// InboundProcessor consumes incoming messages for a tenant.
type InboundProcessor interface {
	Handle(ctx context.Context, tenant int64, selfPhone string, msgs []InboundMessage)
}

// Options lifecycle timings
type Options struct {
	ReconnectDelay   time.Duration
	AuthResetDelay   time.Duration
	ForceReinitDelay time.Duration
	LogoutTimeout    time.Duration
	QRSize           int
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.AuthResetDelay <= 0 {
		o.AuthResetDelay = time.Second
	}
	if o.ForceReinitDelay <= 0 {
		o.ForceReinitDelay = 500 * time.Millisecond
	}
	if o.LogoutTimeout <= 0 {
		o.LogoutTimeout = 10 * time.Second
	}
}

// ManagerDeps collaborators of the Manager. Inbound, Devices and Audit are optional.
type ManagerDeps struct {
	Registry *Registry
	Creds    credstore.Store
	Dialer   Dialer
	Events   realtime.Emitter
	Inbound  InboundProcessor
	Devices  repository.DeviceRepository
	Audit    repository.SysLogRepository
}

// StatusReport is what getStatus returns and what the status event carries.
type StatusReport struct {
	Status string    `json:"status"`
	User   *Identity `json:"user,omitempty"`
}

// Manager owns the per-tenant connection lifecycle. Every failure path
// ends either in a silent reconnect or in a fresh QR challenge.
type Manager struct {
	registry *Registry
	creds    credstore.Store
	dialer   Dialer
	events   realtime.Emitter
	inbound  InboundProcessor
	devices  repository.DeviceRepository
	audit    repository.SysLogRepository
	opts     Options

	timersMu sync.Mutex
	timers   map[int64]*time.Timer
	stopped  atomic.Bool
}

func NewManager(deps ManagerDeps, opts Options) *Manager {
	opts.setDefaults()
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	return &Manager{
		registry: deps.Registry,
		creds:    deps.Creds,
		dialer:   deps.Dialer,
		events:   deps.Events,
		inbound:  deps.Inbound,
		devices:  deps.Devices,
		audit:    deps.Audit,
		opts:     opts,
		timers:   make(map[int64]*time.Timer),
	}
}

// SetInbound wires the inbound handler after construction.
func (m *Manager) SetInbound(p InboundProcessor) {
	m.inbound = p
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// Initialize opens a new session for tenant. It is a no-op while a previous
// initialization is still in flight or the tenant is already connected.
func (m *Manager) Initialize(ctx context.Context, tenant int64) error {
	if tenant <= 0 {
		return errors.Errorf("whatsapp: invalid tenant %d", tenant)
	}
	if m.stopped.Load() {
		return errors.New("whatsapp: manager stopped")
	}
	m.cancelTimer(tenant)

	var gen uint64
	prev, started := m.registry.Update(tenant, func(cur Session) (Session, bool) {
		if cur.Initializing {
			return cur, false
		}
		if cur.State == StateConnected && cur.Handle != nil {
			return cur, false
		}
		gen = cur.Generation + 1
		return Session{State: StateInitializing, Initializing: true, Generation: gen}, true
	})
	if !started {
		zap.L().Debug("whatsapp: initialize skipped",
			zap.Int64("tenant", tenant),
			zap.String("state", string(prev.State)),
			zap.Bool("initializing", prev.Initializing),
		)
		return nil
	}

	// the old handle must be silent before the new one can deliver anything
	m.teardown(prev.Handle)
	zap.L().Info("whatsapp: initializing session", zap.Int64("tenant", tenant), zap.Uint64("generation", gen))

	handle, err := m.dialer.Dial(ctx, credstore.TenantState(m.creds, tenant))
	if err != nil {
		m.initFailed(tenant, gen, err)
		return errors.Wrap(err, "whatsapp: dial")
	}
	handle.Listen(func(ev Event) {
		m.dispatch(tenant, gen, ev)
	})

	attached := m.registry.UpdateIf(tenant, gen, func(cur Session) Session {
		cur.Handle = handle
		return cur
	})
	if !attached {
		// superseded by disconnect/forceReinit while dialing
		zap.L().Info("whatsapp: initialize superseded, dropping handle", zap.Int64("tenant", tenant), zap.Uint64("generation", gen))
		m.teardown(handle)
		return nil
	}

	if err := handle.Connect(ctx); err != nil {
		m.initFailed(tenant, gen, err)
		return errors.Wrap(err, "whatsapp: connect")
	}

	m.registry.UpdateIf(tenant, gen, func(cur Session) Session {
		cur.Initializing = false
		return cur
	})
	return nil
}

// initFailed leaves the tenant disconnected and retries later.
func (m *Manager) initFailed(tenant int64, gen uint64, cause error) {
	var handle Handle
	ok := m.registry.UpdateIf(tenant, gen, func(cur Session) Session {
		handle = cur.Handle
		cur.Handle = nil
		cur.Initializing = false
		cur.State = StateDisconnected
		return cur
	})
	if !ok {
		return
	}
	m.teardown(handle)
	zap.L().Warn("whatsapp: initialize failed", zap.Int64("tenant", tenant), zap.Error(cause))
	m.emit(tenant, realtime.EventStatus, StatusReport{Status: StatusError})
	m.scheduleIf(tenant, gen, m.opts.ReconnectDelay)
}

// Disconnect is the admin-triggered stop. With resetAuth the credentials are
// wiped and a fresh QR follows automatically; without it the tenant stays
// disconnected until someone initializes it again.
func (m *Manager) Disconnect(ctx context.Context, tenant int64, resetAuth bool) error {
	if tenant <= 0 {
		return errors.Errorf("whatsapp: invalid tenant %d", tenant)
	}
	m.cancelTimer(tenant)
	old := m.retire(tenant)
	m.logoutAndClose(ctx, tenant, old)

	m.emit(tenant, realtime.EventStatus, StatusReport{Status: string(StateDisconnected)})
	m.deviceStatus(ctx, tenant, string(StateDisconnected))
	repository.WriteSysLog(ctx, m.audit, tenant, "info", "whatsapp", "admin_disconnect", map[string]interface{}{
		"reset_auth": resetAuth,
	})

	if resetAuth {
		m.wipe(ctx, tenant)
		m.schedule(tenant, m.opts.AuthResetDelay)
	}
	return nil
}

// ForceReinit wipes credentials and restarts regardless of state.
func (m *Manager) ForceReinit(ctx context.Context, tenant int64) error {
	if tenant <= 0 {
		return errors.Errorf("whatsapp: invalid tenant %d", tenant)
	}
	m.cancelTimer(tenant)
	old := m.retire(tenant)
	m.logoutAndClose(ctx, tenant, old)
	m.wipe(ctx, tenant)

	m.emit(tenant, realtime.EventStatus, StatusReport{Status: string(StateDisconnected)})
	repository.WriteSysLog(ctx, m.audit, tenant, "info", "whatsapp", "force_reinit", nil)
	m.schedule(tenant, m.opts.ForceReinitDelay)
	return nil
}

// retire replaces the session with a disconnected one of a new generation
// and returns the handle it held.
func (m *Manager) retire(tenant int64) Handle {
	var old Handle
	m.registry.Update(tenant, func(cur Session) (Session, bool) {
		old = cur.Handle
		return Session{State: StateDisconnected, Generation: cur.Generation + 1}, true
	})
	return old
}

func (m *Manager) logoutAndClose(ctx context.Context, tenant int64, h Handle) {
	if h == nil {
		return
	}
	h.Detach()
	lctx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
	defer cancel()
	if err := h.Logout(lctx); err != nil {
		zap.L().Debug("whatsapp: logout failed (ignored)", zap.Int64("tenant", tenant), zap.Error(err))
	}
	h.Close()
}

// teardown silences and closes a handle without logging out.
func (m *Manager) teardown(h Handle) {
	if h == nil {
		return
	}
	h.Detach()
	h.Close()
}

func (m *Manager) wipe(ctx context.Context, tenant int64) {
	auth := credstore.TenantState(m.creds, tenant)
	if r, ok := m.dialer.(CredentialResetter); ok {
		if err := r.ResetCredentials(ctx, auth); err != nil {
			zap.L().Warn("whatsapp: protocol credential reset failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	}
	if err := auth.Clear(ctx); err != nil {
		zap.L().Warn("whatsapp: credential wipe failed", zap.Int64("tenant", tenant), zap.Error(err))
	}
}

func (m *Manager) schedule(tenant int64, delay time.Duration) {
	m.arm(tenant, delay, nil)
}

// scheduleIf re-initializes after delay only while the tenant is still on
// generation gen. An admin disconnect or reinit in between wins.
func (m *Manager) scheduleIf(tenant int64, gen uint64, delay time.Duration) {
	m.arm(tenant, delay, func() bool { return m.isGeneration(tenant, gen) })
}

func (m *Manager) isGeneration(tenant int64, gen uint64) bool {
	cur, _ := m.registry.Get(tenant)
	return cur.Generation == gen
}

func (m *Manager) arm(tenant int64, delay time.Duration, valid func() bool) {
	if m.stopped.Load() {
		return
	}
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if valid != nil && !valid() {
		zap.L().Debug("whatsapp: reinit skipped, session superseded", zap.Int64("tenant", tenant))
		return
	}
	if t := m.timers[tenant]; t != nil {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.timersMu.Lock()
		if m.timers[tenant] == timer {
			delete(m.timers, tenant)
		}
		m.timersMu.Unlock()
		if valid != nil && !valid() {
			return
		}
		if err := m.Initialize(context.Background(), tenant); err != nil {
			zap.L().Warn("whatsapp: scheduled initialize failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	})
	m.timers[tenant] = timer
}

func (m *Manager) cancelTimer(tenant int64) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t := m.timers[tenant]; t != nil {
		t.Stop()
		delete(m.timers, tenant)
	}
}

// pendingReinit reports whether a re-initialization is scheduled.
func (m *Manager) pendingReinit(tenant int64) bool {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	_, ok := m.timers[tenant]
	return ok
}

func (m *Manager) dispatch(tenant int64, gen uint64, ev Event) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("whatsapp: event handler panic", zap.Int64("tenant", tenant), zap.Any("panic", err))
		}
	}()
	cur, ok := m.registry.Get(tenant)
	if !ok || cur.Generation != gen {
		zap.L().Debug("whatsapp: stale event dropped", zap.Int64("tenant", tenant), zap.Uint64("generation", gen))
		return
	}
	switch e := ev.(type) {
	case QREvent:
		m.onQR(tenant, gen, e)
	case OpenEvent:
		m.onOpen(tenant, gen, e)
	case CloseEvent:
		m.onClose(tenant, gen, e)
	case MessagesEvent:
		if m.inbound != nil && len(e.Messages) > 0 {
			m.inbound.Handle(context.Background(), tenant, cur.Self.Phone, e.Messages)
		}
	}
}

func (m *Manager) onQR(tenant int64, gen uint64, e QREvent) {
	img, err := RenderQR(e.Code, m.opts.QRSize)
	if err != nil {
		zap.L().Warn("whatsapp: qr render failed", zap.Int64("tenant", tenant), zap.Error(err))
		m.emit(tenant, realtime.EventStatus, StatusReport{Status: StatusQRError})
		return
	}
	ok := m.registry.UpdateIf(tenant, gen, func(cur Session) Session {
		cur.State = StateQRPending
		cur.QR = img
		return cur
	})
	if !ok {
		return
	}
	zap.L().Info("whatsapp: qr challenge issued", zap.Int64("tenant", tenant))
	m.emit(tenant, realtime.EventQR, map[string]string{"qr": img})
}

func (m *Manager) onOpen(tenant int64, gen uint64, e OpenEvent) {
	self := e.Self
	self.Phone = selfPhone(self.Phone)
	ok := m.registry.UpdateIf(tenant, gen, func(cur Session) Session {
		cur.State = StateConnected
		cur.Self = self
		cur.QR = ""
		cur.Initializing = false
		return cur
	})
	if !ok {
		return
	}
	zap.L().Info("whatsapp: session connected", zap.Int64("tenant", tenant), zap.String("phone", self.Phone))
	m.emit(tenant, realtime.EventStatus, StatusReport{Status: string(StateConnected), User: &self})
	m.emit(tenant, realtime.EventAdminConnected, map[string]interface{}{"phone": self.Phone, "user": self})

	ctx := context.Background()
	if m.devices != nil {
		now := time.Now()
		err := m.devices.Upsert(ctx, &domain.WhatsAppDevice{
			AdminID:   tenant,
			Phone:     self.Phone,
			Name:      self.Name,
			Jid:       self.JID,
			Status:    string(StateConnected),
			LastSeen:  &now,
			UpdatedAt: now,
		})
		if err != nil {
			zap.L().Warn("whatsapp: device upsert failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	}
	repository.WriteSysLog(ctx, m.audit, tenant, "info", "whatsapp", "session_connected", map[string]string{"phone": self.Phone})
}

func (m *Manager) onClose(tenant int64, gen uint64, e CloseEvent) {
	terminal := IsAuthTerminal(e.Reason)
	state := StateDisconnected
	if terminal {
		state = StateLoggedOut
	}
	var handle Handle
	// only the first close of a generation counts; a logout is usually
	// followed by a plain disconnect from the same handle
	_, ok := m.registry.Update(tenant, func(cur Session) (Session, bool) {
		if cur.Generation != gen || cur.Handle == nil {
			return cur, false
		}
		handle = cur.Handle
		cur.Handle = nil
		cur.State = state
		cur.QR = ""
		cur.Initializing = false
		return cur, true
	})
	if !ok {
		return
	}
	// we are on the handle's own event goroutine; detaching here would deadlock
	go m.teardown(handle)

	zap.L().Info("whatsapp: session closed",
		zap.Int64("tenant", tenant),
		zap.String("reason", e.Reason),
		zap.Bool("auth_terminal", terminal),
	)
	m.emit(tenant, realtime.EventStatus, StatusReport{Status: string(StateDisconnected)})

	ctx := context.Background()
	m.deviceStatus(ctx, tenant, string(state))

	if !terminal {
		m.scheduleIf(tenant, gen, m.opts.ReconnectDelay)
		return
	}
	m.emit(tenant, realtime.EventStatus, StatusReport{Status: StatusLoggedOut})
	repository.WriteSysLog(ctx, m.audit, tenant, "warn", "whatsapp", "logged_out", map[string]string{"reason": e.Reason})
	go func() {
		if !m.isGeneration(tenant, gen) {
			return
		}
		m.wipe(ctx, tenant)
		m.scheduleIf(tenant, gen, m.opts.AuthResetDelay)
	}()
}

func (m *Manager) deviceStatus(ctx context.Context, tenant int64, status string) {
	if m.devices == nil {
		return
	}
	if err := m.devices.UpdateStatus(ctx, tenant, status); err != nil {
		zap.L().Debug("whatsapp: device status update failed", zap.Int64("tenant", tenant), zap.Error(err))
	}
}

func (m *Manager) emit(tenant int64, event string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Emit(event, payload, tenant)
}

// Status reports the tenant's connectivity.
func (m *Manager) Status(tenant int64) StatusReport {
	cur, ok := m.registry.Get(tenant)
	if !ok || cur.State == StateUninitialized {
		return StatusReport{Status: string(StateDisconnected)}
	}
	if cur.State == StateConnected {
		self := cur.Self
		return StatusReport{Status: string(StateConnected), User: &self}
	}
	return StatusReport{Status: string(cur.State)}
}

// QR returns the pending QR data URL, if any.
func (m *Manager) QR(tenant int64) string {
	cur, _ := m.registry.Get(tenant)
	return cur.QR
}

func (m *Manager) IsConnected(tenant int64) bool {
	cur, ok := m.registry.Get(tenant)
	return ok && cur.State == StateConnected && cur.Handle != nil
}

// Sender returns the live handle for a connected tenant.
func (m *Manager) Sender(tenant int64) (Handle, Identity, bool) {
	cur, ok := m.registry.Get(tenant)
	if !ok || cur.State != StateConnected || cur.Handle == nil {
		return nil, Identity{}, false
	}
	return cur.Handle, cur.Self, true
}

// JoinEvents is replayed to a UI that (re)joins the tenant channel.
func (m *Manager) JoinEvents(tenant int64) []realtime.Event {
	now := time.Now()
	out := []realtime.Event{{
		Name:    realtime.EventStatus,
		Tenant:  tenant,
		Payload: m.Status(tenant),
		At:      now,
	}}
	if qr := m.QR(tenant); qr != "" {
		out = append(out, realtime.Event{
			Name:    realtime.EventQR,
			Tenant:  tenant,
			Payload: map[string]string{"qr": qr},
			At:      now,
		})
	}
	return out
}

// Resume initializes every tenant that still has stored credentials.
func (m *Manager) Resume(ctx context.Context) int {
	tenants := m.creds.Tenants(ctx)
	for _, tenant := range tenants {
		go func(id int64) {
			if err := m.Initialize(ctx, id); err != nil {
				zap.L().Warn("whatsapp: resume failed", zap.Int64("tenant", id), zap.Error(err))
			}
		}(tenant)
	}
	zap.L().Info("whatsapp: resuming stored sessions", zap.Int("count", len(tenants)))
	return len(tenants)
}

// Stop cancels pending re-initializations and closes every handle without
// logging out, so sessions resume on the next start.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.timersMu.Lock()
	for tenant, t := range m.timers {
		t.Stop()
		delete(m.timers, tenant)
	}
	m.timersMu.Unlock()

	for _, s := range m.registry.Snapshot() {
		old := m.retire(s.Tenant)
		m.teardown(old)
	}
	zap.L().Info("whatsapp: manager stopped")
}
