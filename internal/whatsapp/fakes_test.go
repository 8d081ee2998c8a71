package whatsapp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/realtime"
)

type fakeHandle struct {
	mu       sync.Mutex
	listener func(Event)
	// last listener ever registered, kept to simulate late events after Detach
	lastListener func(Event)

	connectErr error
	sendErr    error
	sendID     string
	sendPanic  bool
	sendBlock  bool

	connected int32
	detached  int32
	loggedOut int32
	closed    int32
	sent      []string
}

func (h *fakeHandle) Listen(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = fn
	h.lastListener = fn
}

func (h *fakeHandle) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = nil
	atomic.AddInt32(&h.detached, 1)
}

func (h *fakeHandle) Connect(ctx context.Context) error {
	atomic.AddInt32(&h.connected, 1)
	return h.connectErr
}

func (h *fakeHandle) SendText(ctx context.Context, phone, text string) (SendReceipt, error) {
	if h.sendPanic {
		panic("socket exploded")
	}
	if h.sendBlock {
		<-ctx.Done()
		return SendReceipt{}, ctx.Err()
	}
	if h.sendErr != nil {
		return SendReceipt{}, h.sendErr
	}
	h.mu.Lock()
	h.sent = append(h.sent, phone+":"+text)
	h.mu.Unlock()
	return SendReceipt{ID: h.sendID, Timestamp: time.Unix(1700000000, 0)}, nil
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	atomic.AddInt32(&h.loggedOut, 1)
	return errors.New("already gone")
}

func (h *fakeHandle) Close() {
	atomic.AddInt32(&h.closed, 1)
}

// fire delivers ev the way a live connection would.
func (h *fakeHandle) fire(ev Event) {
	h.mu.Lock()
	fn := h.listener
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// fireStale delivers ev even after Detach.
func (h *fakeHandle) fireStale(ev Event) {
	h.mu.Lock()
	fn := h.lastListener
	h.mu.Unlock()
	fn(ev)
}

func (h *fakeHandle) sentMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	dialErr error
	// gate, when set, blocks Dial until closed
	gate   chan struct{}
	resets int32

	prepare func(h *fakeHandle)
}

func (d *fakeDialer) Dial(ctx context.Context, auth AuthState) (Handle, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		err := d.dialErr
		d.handles = append(d.handles, nil)
		return nil, err
	}
	h := &fakeHandle{}
	if d.prepare != nil {
		d.prepare(h)
	}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) ResetCredentials(ctx context.Context, auth AuthState) error {
	atomic.AddInt32(&d.resets, 1)
	return nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *fakeDialer) handle(i int) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

type emitted struct {
	Name    string
	Tenant  int64
	Payload interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

var _ realtime.Emitter = (*fakeEmitter)(nil)

func (e *fakeEmitter) Emit(event string, payload interface{}, tenant int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{Name: event, Tenant: tenant, Payload: payload})
}

func (e *fakeEmitter) EmitSystem(event string, payload interface{}) {}

func (e *fakeEmitter) named(name string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// statuses lists the status values emitted for tenant, in order.
func (e *fakeEmitter) statuses(tenant int64) []string {
	var out []string
	for _, ev := range e.named(realtime.EventStatus) {
		if ev.Tenant != tenant {
			continue
		}
		if r, ok := ev.Payload.(StatusReport); ok {
			out = append(out, r.Status)
		}
	}
	return out
}
