package whatsapp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughwa/internal/credstore"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/realtime"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/testutil"
	"gorm.io/gorm"
)

type managerFixture struct {
	mgr    *Manager
	dialer *fakeDialer
	events *fakeEmitter
	creds  *credstore.GormStore
	db     *gorm.DB
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	f := &managerFixture{
		dialer: &fakeDialer{},
		events: &fakeEmitter{},
		creds:  credstore.NewGormStore(db),
		db:     db,
	}
	f.mgr = NewManager(ManagerDeps{
		Creds:   f.creds,
		Dialer:  f.dialer,
		Events:  f.events,
		Devices: repository.NewGormDeviceRepository(db),
		Audit:   repository.NewGormSysLogRepository(db),
	}, Options{
		ReconnectDelay:   20 * time.Millisecond,
		AuthResetDelay:   20 * time.Millisecond,
		ForceReinitDelay: 20 * time.Millisecond,
		LogoutTimeout:    100 * time.Millisecond,
	})
	t.Cleanup(f.mgr.Stop)
	return f
}

func (f *managerFixture) connect(t *testing.T, tenant int64) *fakeHandle {
	t.Helper()
	before := f.dialer.dials()
	require.NoError(t, f.mgr.Initialize(context.Background(), tenant))
	require.Equal(t, before+1, f.dialer.dials())
	h := f.dialer.handle(before)
	h.fire(OpenEvent{Self: Identity{Phone: "919800000001:3@s.whatsapp.net", Name: "Shop"}})
	require.True(t, f.mgr.IsConnected(tenant))
	return h
}

func TestManager_QRThenOpen(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.mgr.Initialize(context.Background(), 1))
	h := f.dialer.handle(0)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.connected))

	h.fire(QREvent{Code: "2@pairing-ref,abc,def"})
	assert.Equal(t, string(StateQRPending), f.mgr.Status(1).Status)
	assert.True(t, strings.HasPrefix(f.mgr.QR(1), "data:image/png;base64,"))
	require.Len(t, f.events.named(realtime.EventQR), 1)

	h.fire(OpenEvent{Self: Identity{Phone: "919800000001:3@s.whatsapp.net", Name: "Shop"}})
	st := f.mgr.Status(1)
	assert.Equal(t, string(StateConnected), st.Status)
	require.NotNil(t, st.User)
	assert.Equal(t, "919800000001", st.User.Phone)
	assert.Empty(t, f.mgr.QR(1), "qr is cleared once connected")
	assert.Contains(t, f.events.statuses(1), "connected")
	assert.Len(t, f.events.named(realtime.EventAdminConnected), 1)

	var dev domain.WhatsAppDevice
	require.NoError(t, f.db.Where("admin_id = ?", 1).First(&dev).Error)
	assert.Equal(t, "connected", dev.Status)
	assert.Equal(t, "919800000001", dev.Phone)
}

func TestManager_QRRenderFailureEmitsQRError(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.mgr.Initialize(context.Background(), 1))
	f.dialer.handle(0).fire(QREvent{Code: ""})

	assert.Contains(t, f.events.statuses(1), StatusQRError)
	assert.Empty(t, f.mgr.QR(1))
}

func TestManager_InitializeIsGuardedWhileInFlight(t *testing.T) {
	f := newManagerFixture(t)
	gate := make(chan struct{})
	f.dialer.gate = gate

	done := make(chan error, 1)
	go func() { done <- f.mgr.Initialize(context.Background(), 1) }()
	require.Eventually(t, func() bool {
		s, _ := f.mgr.Registry().Get(1)
		return s.Initializing
	}, time.Second, 5*time.Millisecond)

	// a second caller returns at once without dialing
	require.NoError(t, f.mgr.Initialize(context.Background(), 1))
	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.dialer.dials())
}

func TestManager_InitializeWhenConnectedIsNoop(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, 1)

	require.NoError(t, f.mgr.Initialize(context.Background(), 1))
	assert.Equal(t, 1, f.dialer.dials())
	assert.True(t, f.mgr.IsConnected(1))
}

func TestManager_TransientCloseReconnects(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("919800000001:3@s.whatsapp.net")))
	h := f.connect(t, 1)

	h.fire(CloseEvent{Reason: "connection lost"})
	assert.False(t, f.mgr.IsConnected(1))
	assert.Contains(t, f.events.statuses(1), "disconnected")

	require.Eventually(t, func() bool { return f.dialer.dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.closed) > 0 }, time.Second, 5*time.Millisecond)

	_, ok := f.creds.Get(ctx, 1, KeyDeviceJID)
	assert.True(t, ok, "a transient close keeps credentials")
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.dialer.resets))
	assert.NotContains(t, f.events.statuses(1), StatusLoggedOut)
}

func TestManager_AuthTerminalCloseWipesAndReinitializes(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("919800000001:3@s.whatsapp.net")))
	h := f.connect(t, 1)

	h.fire(CloseEvent{Reason: "logged out: 401"})
	// the plain disconnect that usually follows must not be processed twice
	h.fire(CloseEvent{Reason: "connection lost"})

	assert.Contains(t, f.events.statuses(1), StatusLoggedOut)
	require.Eventually(t, func() bool { return f.dialer.dials() == 2 }, time.Second, 5*time.Millisecond)

	_, ok := f.creds.Get(ctx, 1, KeyDeviceJID)
	assert.False(t, ok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.dialer.resets))
	assert.Empty(t, f.creds.Tenants(ctx))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, f.dialer.dials(), "exactly one re-initialization")
}

func TestManager_DisconnectDuringAuthWipeStaysDown(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newManagerFixture(t)
		ctx := context.Background()
		require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("919800000001:3@s.whatsapp.net")))
		h := f.connect(t, 1)

		h.fire(CloseEvent{Reason: "logged out: 401"})
		assert.Equal(t, StatusLoggedOut, f.mgr.Status(1).Status)
		require.NoError(t, f.mgr.Disconnect(ctx, 1, false))

		time.Sleep(80 * time.Millisecond)
		require.Equal(t, 1, f.dialer.dials(), "run %d: no re-initialization after disconnect", i)
		assert.False(t, f.mgr.pendingReinit(1))
	}
}

func TestManager_StaleGenerationEventsDropped(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.mgr.Initialize(context.Background(), 1))
	old := f.dialer.handle(0)

	require.NoError(t, f.mgr.Disconnect(context.Background(), 1, false))
	old.fireStale(OpenEvent{Self: Identity{Phone: "919800000001"}})
	old.fireStale(QREvent{Code: "late"})

	assert.False(t, f.mgr.IsConnected(1))
	assert.Empty(t, f.mgr.QR(1))
	assert.Empty(t, f.events.named(realtime.EventAdminConnected))
}

func TestManager_DisconnectWithoutReset(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("x@s.whatsapp.net")))
	h := f.connect(t, 1)

	require.NoError(t, f.mgr.Disconnect(ctx, 1, false))
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.loggedOut), "logout is attempted, its error swallowed")
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.closed))
	assert.Equal(t, "disconnected", f.mgr.Status(1).Status)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials(), "no automatic re-initialization")
	_, ok := f.creds.Get(ctx, 1, KeyDeviceJID)
	assert.True(t, ok)
}

func TestManager_DisconnectWithResetIssuesFreshQR(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("x@s.whatsapp.net")))
	f.connect(t, 1)

	require.NoError(t, f.mgr.Disconnect(ctx, 1, true))
	_, ok := f.creds.Get(ctx, 1, KeyDeviceJID)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return f.dialer.dials() == 2 }, time.Second, 5*time.Millisecond)
	f.dialer.handle(1).fire(QREvent{Code: "fresh"})
	assert.NotEmpty(t, f.mgr.QR(1))
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	f := newManagerFixture(t)
	f.mgr.opts.ReconnectDelay = 50 * time.Millisecond
	h := f.connect(t, 1)

	h.fire(CloseEvent{Reason: "connection lost"})
	require.True(t, f.mgr.pendingReinit(1))
	require.NoError(t, f.mgr.Disconnect(context.Background(), 1, false))
	assert.False(t, f.mgr.pendingReinit(1))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials())
}

func TestManager_ForceReinitFromAnyState(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 1, KeyDeviceJID, []byte("x@s.whatsapp.net")))
	h := f.connect(t, 1)

	require.NoError(t, f.mgr.ForceReinit(ctx, 1))
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.closed))
	assert.Empty(t, f.creds.Tenants(ctx))
	require.Eventually(t, func() bool { return f.dialer.dials() == 2 }, time.Second, 5*time.Millisecond)

	// and from a tenant that never connected
	require.NoError(t, f.mgr.ForceReinit(ctx, 9))
	require.Eventually(t, func() bool { return f.dialer.dials() == 3 }, time.Second, 5*time.Millisecond)
}

func TestManager_DialFailureRetries(t *testing.T) {
	f := newManagerFixture(t)
	f.dialer.dialErr = errors.New("store unavailable")

	err := f.mgr.Initialize(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, f.events.statuses(1), StatusError)

	s, _ := f.mgr.Registry().Get(1)
	assert.False(t, s.Initializing, "guard is released on failure")

	f.dialer.mu.Lock()
	f.dialer.dialErr = nil
	f.dialer.mu.Unlock()
	require.Eventually(t, func() bool { return f.dialer.dials() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_TenantsAreIndependent(t *testing.T) {
	f := newManagerFixture(t)
	h1 := f.connect(t, 1)
	f.connect(t, 2)

	h1.fire(CloseEvent{Reason: "logged out"})
	assert.True(t, f.mgr.IsConnected(2))
	assert.NotContains(t, f.events.statuses(2), StatusLoggedOut)
}

func TestManager_JoinEvents(t *testing.T) {
	f := newManagerFixture(t)

	evs := f.mgr.JoinEvents(4)
	require.Len(t, evs, 1)
	assert.Equal(t, StatusReport{Status: "disconnected"}, evs[0].Payload)

	require.NoError(t, f.mgr.Initialize(context.Background(), 4))
	f.dialer.handle(0).fire(QREvent{Code: "pending"})
	evs = f.mgr.JoinEvents(4)
	require.Len(t, evs, 2)
	assert.Equal(t, realtime.EventQR, evs[1].Name)
}

func TestManager_ResumeStoredTenants(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Put(ctx, 3, KeyDeviceJID, []byte("a@s.whatsapp.net")))
	require.NoError(t, f.creds.Put(ctx, 5, KeyDeviceJID, []byte("b@s.whatsapp.net")))

	assert.Equal(t, 2, f.mgr.Resume(ctx))
	require.Eventually(t, func() bool { return f.dialer.dials() == 2 }, time.Second, 5*time.Millisecond)
}

func TestIsAuthTerminal(t *testing.T) {
	cases := map[string]bool{
		"logged out: 401":             true,
		"loggedOut":                   true,
		"Unauthorized":                true,
		"stream error 401":            true,
		"connection lost":             false,
		"qr timeout":                  false,
		"connect failure: 503":        false,
		"stream replaced":             false,
		"connect failure: 4010 error": false,
	}
	for reason, want := range cases {
		assert.Equal(t, want, IsAuthTerminal(reason), reason)
	}
}
