package whatsapp

import (
	"context"
	"time"
)

// AuthState is the tenant-scoped credential view a Dialer reads and writes.
type AuthState interface {
	Tenant() int64
	Load(ctx context.Context, keys ...string) map[string][]byte
	Save(ctx context.Context, key string, blob []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Handle is one live protocol connection. A handle is never reused after
// Close; reconnecting always dials a new one.
type Handle interface {
	// Listen registers the single event listener. Must be called before Connect.
	Listen(fn func(Event))
	// Detach synchronously removes the listener; no event is delivered after it returns.
	Detach()
	Connect(ctx context.Context) error
	SendText(ctx context.Context, phone, text string) (SendReceipt, error)
	// Logout asks the network to unlink this device.
	Logout(ctx context.Context) error
	Close()
}

// Dialer opens handles for a tenant from its stored credentials.
type Dialer interface {
	Dial(ctx context.Context, auth AuthState) (Handle, error)
}

// CredentialResetter is implemented by dialers that keep protocol state
// outside the credential store and must drop it on reset.
type CredentialResetter interface {
	ResetCredentials(ctx context.Context, auth AuthState) error
}

// SendReceipt is what the network returned for a sent message.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// Identity is the tenant's own account once authenticated.
type Identity struct {
	Phone string `json:"id"`
	Name  string `json:"name"`
	JID   string `json:"jid,omitempty"`
}

// Event is emitted by a Handle. Exactly one of the typed fields is set.
type Event interface {
	isEvent()
}

// QREvent carries a pairing challenge.
type QREvent struct {
	Code string
}

// OpenEvent the connection is authenticated and usable.
type OpenEvent struct {
	Self Identity
}

// CloseEvent the connection ended. Reason is human readable; logged-out
// and unauthorized closes are recognized from its text.
type CloseEvent struct {
	Reason string
}

// MessagesEvent one or more inbound messages.
type MessagesEvent struct {
	Messages []InboundMessage
}

func (QREvent) isEvent()       {}
func (OpenEvent) isEvent()     {}
func (CloseEvent) isEvent()    {}
func (MessagesEvent) isEvent() {}

// InboundMessage is a protocol-neutral incoming message. Addresses keep the
// "user@server" form so the filter pipeline can inspect servers.
type InboundMessage struct {
	ID     string
	FromMe bool

	RemoteJID      string
	RemoteJIDAlt   string
	Participant    string
	ParticipantAlt string

	PushName     string
	VerifiedName string

	Conversation string
	ExtendedText string
	Caption      string

	// Timestamp in protocol units (unix seconds)
	Timestamp int64
}
