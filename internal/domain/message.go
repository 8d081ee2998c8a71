package domain

import "time"

const (
	MessageQueued   = "queued"
	MessageSent     = "sent"
	MessageFailed   = "failed"
	MessageReceived = "received"
)

// Message one inbound or outbound text exchanged with a counterpart.
// WhatsappID is nullable so the unique index only applies when the
// protocol assigned an id. The index is per tenant: two linked accounts
// talking to each other see the same id on both sides.
type Message struct {
	ID          int64      `json:"id,string" gorm:"primaryKey"`
	AdminID     int64      `json:"admin_id,string" gorm:"index:idx_message_conversation,priority:1;uniqueIndex:idx_message_wa,priority:1;not null"`
	WhatsappID  *string    `json:"whatsapp_id" gorm:"uniqueIndex:idx_message_wa,priority:2;size:128"`
	FromMe      bool       `json:"from_me"`
	JobID       string     `json:"job_id" gorm:"index;size:64"`
	ToPhone     string     `json:"to_phone" gorm:"index:idx_message_conversation,priority:2;size:32;not null"`
	Body        string     `json:"body" gorm:"type:text"`
	TemplateID  *int64     `json:"template_id,string"`
	CategoryID  *int64     `json:"category_id,string"`
	Type        string     `json:"type" gorm:"default:text"`
	Status      string     `json:"status" gorm:"index;size:16"`
	Attempts    int        `json:"attempts" gorm:"default:0"`
	Error       string     `json:"error" gorm:"type:text"`
	SentAt      *time.Time `json:"sent_at"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Timestamp   time.Time  `json:"timestamp" gorm:"index:idx_message_conversation,priority:3"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Message) TableName() string {
	return "message"
}

// Due reports whether the message may be attempted at now.
func (m *Message) Due(now time.Time) bool {
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}
