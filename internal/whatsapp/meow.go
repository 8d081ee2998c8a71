package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlstore sqlite3 dialect
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gorm.io/gorm"
)

// credential keys kept in the credential store; the signal key material
// itself lives in whatsmeow's sqlstore tables.
const (
	KeyDeviceJID = "device-jid"
	KeyPushName  = "push-name"
)

// OpenMeowStore runs whatsmeow's sqlstore on the application database so
// protocol tables and ours share one connection pool.
func OpenMeowStore(ctx context.Context, db *gorm.DB, dbType, logLevel string) (*sqlstore.Container, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: obtain sql.DB")
	}
	dialect := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		dialect = "postgres"
	default:
		// sqlstore migrations need foreign keys
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}
	container := sqlstore.NewWithDB(sqlDB, dialect, NewZapLogger("database", 0, logLevel))
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrapf(err, "whatsapp: sqlstore upgrade (%s)", dialect)
	}
	return container, nil
}

// MeowDialer opens whatsmeow clients, one device per tenant.
type MeowDialer struct {
	container *sqlstore.Container
	logLevel  string
}

func NewMeowDialer(container *sqlstore.Container, logLevel string) *MeowDialer {
	return &MeowDialer{container: container, logLevel: logLevel}
}

func (d *MeowDialer) device(ctx context.Context, auth AuthState) (*store.Device, error) {
	creds := auth.Load(ctx, KeyDeviceJID)
	raw := strings.TrimSpace(string(creds[KeyDeviceJID]))
	if raw == "" {
		return nil, nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		zap.L().Warn("whatsapp: stored device jid unreadable", zap.Int64("tenant", auth.Tenant()), zap.String("jid", raw))
		return nil, nil
	}
	dev, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: load device")
	}
	return dev, nil
}

func (d *MeowDialer) Dial(ctx context.Context, auth AuthState) (Handle, error) {
	dev, err := d.device(ctx, auth)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		dev = d.container.NewDevice()
	}
	client := whatsmeow.NewClient(dev, NewZapLogger("client", auth.Tenant(), d.logLevel))
	// reconnects are decided by the Manager
	client.EnableAutoReconnect = false
	return &meowHandle{client: client, auth: auth}, nil
}

// ResetCredentials deletes the tenant's device from sqlstore.
func (d *MeowDialer) ResetCredentials(ctx context.Context, auth AuthState) error {
	dev, err := d.device(ctx, auth)
	if err != nil || dev == nil || dev.ID == nil {
		return err
	}
	if err := d.container.DeleteDevice(ctx, dev); err != nil {
		return errors.Wrap(err, "whatsapp: delete device")
	}
	return nil
}

type meowHandle struct {
	client *whatsmeow.Client
	auth   AuthState

	mu        sync.Mutex
	listener  func(Event)
	handlerID uint32
	attached  bool
	qrCancel  context.CancelFunc
}

func (h *meowHandle) Listen(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = fn
	if !h.attached {
		h.handlerID = h.client.AddEventHandler(h.onEvent)
		h.attached = true
	}
}

func (h *meowHandle) Detach() {
	h.mu.Lock()
	h.listener = nil
	attached, id := h.attached, h.handlerID
	h.attached = false
	cancel := h.qrCancel
	h.qrCancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if attached {
		h.client.RemoveEventHandler(id)
	}
}

func (h *meowHandle) emit(ev Event) {
	h.mu.Lock()
	fn := h.listener
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *meowHandle) Connect(ctx context.Context) error {
	if h.client.Store.ID != nil {
		return h.client.Connect()
	}
	// the QR channel must exist before Connect; it lives as long as the handle
	qctx, cancel := context.WithCancel(context.Background())
	ch, err := h.client.GetQRChannel(qctx)
	if err != nil {
		cancel()
		return errors.Wrap(err, "whatsapp: qr channel")
	}
	h.mu.Lock()
	h.qrCancel = cancel
	h.mu.Unlock()
	if err := h.client.Connect(); err != nil {
		cancel()
		return err
	}
	go h.pumpQR(ch)
	return nil
}

func (h *meowHandle) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			h.emit(QREvent{Code: item.Code})
		case "success":
			// the Connected event follows
		case "timeout":
			h.emit(CloseEvent{Reason: "qr timeout"})
		default:
			reason := "qr " + item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("qr %s: %v", item.Event, item.Error)
			}
			h.emit(CloseEvent{Reason: reason})
		}
	}
}

func (h *meowHandle) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		h.saveCred(KeyDeviceJID, e.ID.String())
	case *events.Connected:
		self := h.self()
		h.saveCred(KeyDeviceJID, self.JID)
		if self.Name != "" {
			h.saveCred(KeyPushName, self.Name)
		}
		h.emit(OpenEvent{Self: self})
	case *events.LoggedOut:
		h.emit(CloseEvent{Reason: "logged out: " + e.Reason.String()})
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			h.emit(CloseEvent{Reason: "logged out: " + e.Reason.String()})
			return
		}
		h.emit(CloseEvent{Reason: "connect failure: " + e.Reason.String()})
	case *events.StreamReplaced:
		h.emit(CloseEvent{Reason: "stream replaced"})
	case *events.Disconnected:
		h.emit(CloseEvent{Reason: "connection lost"})
	case *events.Message:
		h.emit(MessagesEvent{Messages: []InboundMessage{h.inbound(e)}})
	}
}

func (h *meowHandle) self() Identity {
	id := Identity{Name: h.client.Store.PushName}
	if h.client.Store.ID != nil {
		id.Phone = h.client.Store.ID.User
		id.JID = h.client.Store.ID.String()
	}
	return id
}

func (h *meowHandle) saveCred(key, value string) {
	if value == "" {
		return
	}
	if err := h.auth.Save(context.Background(), key, []byte(value)); err != nil {
		zap.L().Warn("whatsapp: persist credential failed", zap.Int64("tenant", h.auth.Tenant()), zap.String("key", key), zap.Error(err))
	}
}

func (h *meowHandle) inbound(e *events.Message) InboundMessage {
	info := e.Info
	in := InboundMessage{
		ID:          string(info.ID),
		FromMe:      info.IsFromMe,
		RemoteJID:   info.Chat.String(),
		Participant: info.Sender.String(),
		PushName:    info.PushName,
		Timestamp:   info.Timestamp.Unix(),
	}
	if info.VerifiedName != nil && info.VerifiedName.Details != nil {
		in.VerifiedName = info.VerifiedName.Details.GetVerifiedName()
	}
	if info.Chat.Server == types.HiddenUserServer {
		in.RemoteJIDAlt = h.phoneForLID(info.Chat)
	}
	if info.Sender.Server == types.HiddenUserServer {
		in.ParticipantAlt = h.phoneForLID(info.Sender)
	}

	msg := e.Message
	in.Conversation = msg.GetConversation()
	in.ExtendedText = msg.GetExtendedTextMessage().GetText()
	in.Caption = msg.GetImageMessage().GetCaption()
	if in.Caption == "" {
		in.Caption = msg.GetVideoMessage().GetCaption()
	}
	return in
}

func (h *meowHandle) phoneForLID(lid types.JID) string {
	if h.client.Store.LIDs == nil {
		return ""
	}
	pn, err := h.client.Store.LIDs.GetPNForLID(context.Background(), lid)
	if err != nil || pn.IsEmpty() {
		return ""
	}
	return pn.String()
}

func (h *meowHandle) SendText(ctx context.Context, phone, text string) (SendReceipt, error) {
	to := types.NewJID(phone, types.DefaultUserServer)
	resp, err := h.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *meowHandle) Logout(ctx context.Context) error {
	if h.client.Store.ID == nil {
		return nil
	}
	return h.client.Logout(ctx)
}

func (h *meowHandle) Close() {
	h.mu.Lock()
	cancel := h.qrCancel
	h.qrCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.client.Disconnect()
}
